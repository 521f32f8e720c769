package blockchain

// Feed operation codes.
const (
	OpUnconfirmedSub = "unconfirmed_sub" // client → feed: subscribe to unconfirmed transactions
	OpUnconfirmedTx  = "utx"             // feed → client: new unconfirmed transaction
)

// ConnectionStatus is the lifecycle state of the feed connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// RawTransaction is a feed transaction before any price conversion.
type RawTransaction struct {
	Hash    string
	Outputs []int64 // output values in satoshis
	Time    int64   // unix seconds
}

// TotalSatoshis sums all output values.
func (r RawTransaction) TotalSatoshis() int64 {
	var total int64
	for _, v := range r.Outputs {
		total += v
	}
	return total
}

type EventType int

const (
	EventStatusChanged EventType = iota
	EventTransactionReceived
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStatusChanged:
		return "status_changed"
	case EventTransactionReceived:
		return "transaction_received"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of the client's ordered event stream. Only the field
// matching Type is set.
type Event struct {
	Type        EventType
	Status      ConnectionStatus
	Transaction RawTransaction
	Err         error // *apperr.Error
}

// subscribeMessage is sent once right after the socket opens.
type subscribeMessage struct {
	Op string `json:"op"`
}

// Message is an incoming feed frame, e.g.
// {"op":"utx","x":{"hash":"…","time":1700000000,"out":[{"value":15000000}]}}
type Message struct {
	Op string              `json:"op"`
	X  *TransactionPayload `json:"x"`
}

type TransactionPayload struct {
	Hash string   `json:"hash"`
	Time int64    `json:"time"` // unix seconds
	Out  []Output `json:"out"`
}

type Output struct {
	Value int64 `json:"value"` // satoshis
}
