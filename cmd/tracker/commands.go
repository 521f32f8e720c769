package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"txtracker/internal/app"
	"txtracker/pkg/apperr"
	"txtracker/pkg/coingecko"
	"txtracker/pkg/storage/postgres"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start a tracking session and log updates until interrupted (SIGHUP restarts the session)",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			tracker, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := tracker.Close(); err != nil {
					log.Warn("shutdown finished with errors", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						log.Info("restarting session")
						tracker.Restart()
					}
				}
			}()

			log.Info("tracker starting",
				zap.String("version", version),
				zap.String("feed", cfg.Feed.URL),
			)
			return tracker.Run(ctx)
		},
	}
}

func priceCommand() *cli.Command {
	return &cli.Command{
		Name:  "price",
		Usage: "Fetch the current BTC price in USD once",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			client := coingecko.NewRESTClient(cfg.Price.URL, cfg.Price.Timeout)
			price, err := client.FetchPrice(c.Context)
			if err != nil {
				var e *apperr.Error
				if errors.As(err, &e) {
					return fmt.Errorf("%s %s", e.Description(), e.Suggestion())
				}
				return err
			}

			if c.Bool("json") {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"usd":        price,
					"fetched_at": time.Now().UTC(),
				})
			}
			fmt.Printf("BTC/USD: %.2f\n", price)
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent session state changes from the audit database",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of events",
				Value: 20,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			if !cfg.Postgres.Enabled {
				return errors.New("session audit is disabled (postgres.enabled=false)")
			}

			client, err := postgres.InitializeAndMigrate(cfg.Postgres, false)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			events, err := client.ListSessionEvents(ctx, c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list session events: %w", err)
			}

			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tFEED\tPRICE\tLEDGER\tERROR")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\t%s\n",
					ev.OccurredAt.Format(time.RFC3339), ev.FromState, ev.ToState,
					ev.FeedStatus, ev.PriceUSD, ev.LedgerSize, ev.ErrorMessage)
			}
			return w.Flush()
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("tracker\n")
			fmt.Printf("  Version: %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", date)
			return nil
		},
	}
}
