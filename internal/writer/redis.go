package writer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends each payload to a Redis stream named prefix + channel.
type RedisSink struct {
	client redis.Cmdable
	prefix string
	maxLen int64
}

// NewRedisSink creates a sink on client. maxLen caps every stream
// approximately; 0 leaves them untrimmed.
func NewRedisSink(client redis.Cmdable, prefix string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

// WriteBatch pipelines one XADD per row. Redis streams never conflict.
func (s *RedisSink) WriteBatch(ctx context.Context, rows []Row) (int, error) {
	pipe := s.client.Pipeline()
	for _, r := range rows {
		pipe.XAdd(ctx, s.xaddArgs(r))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("xadd %d payloads: %w", len(rows), err)
	}
	return 0, nil
}

func (s *RedisSink) xaddArgs(r Row) *redis.XAddArgs {
	values := map[string]any{
		"instance_id": r.InstanceID,
		"stream_id":   r.StreamID,
		"endpoint":    r.Endpoint,
		"conn_id":     strconv.Itoa(r.ConnID),
		"seq":         strconv.FormatUint(r.Seq, 10),
		"gap":         strconv.FormatBool(r.Gap),
		"received_at": strconv.FormatInt(r.ReceivedAt, 10),
		"payload":     string(r.Payload),
	}
	if r.Label != "" {
		values["label"] = r.Label
	}

	args := &redis.XAddArgs{Stream: s.prefix + r.Channel, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}
