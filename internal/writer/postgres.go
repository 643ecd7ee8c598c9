package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the part of *pgxpool.Pool the Postgres sink uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const createPayloadsTable = `
	CREATE TABLE IF NOT EXISTS stream_payloads (
		instance_id TEXT    NOT NULL,
		stream_id   TEXT    NOT NULL,
		label       TEXT    NOT NULL DEFAULT '',
		endpoint    TEXT    NOT NULL,
		channel     TEXT    NOT NULL,
		conn_id     INTEGER NOT NULL,
		seq         BIGINT  NOT NULL,
		gap         BOOLEAN NOT NULL DEFAULT FALSE,
		received_at BIGINT  NOT NULL,
		payload     JSONB   NOT NULL,
		PRIMARY KEY (instance_id, stream_id, conn_id, received_at, seq)
	)`

const insertPayload = `
	INSERT INTO stream_payloads (instance_id, stream_id, label, endpoint, channel, conn_id, seq, gap, received_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (instance_id, stream_id, conn_id, received_at, seq) DO NOTHING`

// PostgresSink appends payloads to the stream_payloads table.
type PostgresSink struct {
	db DB
}

// NewPostgresSink creates a sink on db.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the payload table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createPayloadsTable); err != nil {
		return fmt.Errorf("create stream_payloads: %w", err)
	}
	return nil
}

// WriteBatch inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PostgresSink) WriteBatch(ctx context.Context, rows []Row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertPayload,
			r.InstanceID, r.StreamID, r.Label, r.Endpoint, r.Channel,
			r.ConnID, int64(r.Seq), r.Gap, r.ReceivedAt, r.Payload)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
