package postgres_test

import (
	"testing"

	"txtracker/pkg/storage/postgres"
)

// go test -v --run TestCreateDatabase
func TestCreateDatabase(t *testing.T) {
	cfg := localConfig(t)
	cfg.DBName = "txtracker_create_test"

	if err := postgres.CreateDatabase(cfg); err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	// second call sees the existing database
	if err := postgres.CreateDatabase(cfg); err != nil {
		t.Fatalf("create existing database: %v", err)
	}
}
