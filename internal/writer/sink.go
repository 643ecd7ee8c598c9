package writer

import "context"

// Row is one archived payload.
type Row struct {
	InstanceID string
	StreamID   string
	Label      string
	Endpoint   string
	Channel    string
	ConnID     int
	Seq        uint64
	Gap        bool
	ReceivedAt int64 // unix microseconds
	Payload    []byte
}

// Sink persists batches of rows. conflicts counts rows the store already
// held and skipped.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, rows []Row) (conflicts int, err error)
}
