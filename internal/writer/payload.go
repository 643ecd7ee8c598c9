package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/binance-ws/internal/delivery"
)

// WriterConfig controls batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns the batching defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// WriterMetrics counts a writer's work across all sinks.
type WriterMetrics struct {
	Consumed  int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Gaps      int64 // entries flagged as following a reconnect
}

// Source hands out a stream's entries in order. Next returns
// delivery.ErrClosed once the stream has stopped and its queue is empty.
type Source interface {
	Next(ctx context.Context, id string) (delivery.Entry, error)
}

// Target names the stream being archived.
type Target struct {
	InstanceID string
	StreamID   string
	Label      string
	Endpoint   string
}

// FlushObserver is told about every sink write.
type FlushObserver interface {
	ObserveFlush(sink string, rows int, took time.Duration, err error)
}

// PayloadWriter drains one stream and writes its payloads to every sink in
// batches.
type PayloadWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	source   Source
	target   Target
	sinks    []Sink
	observer FlushObserver

	// Batching
	batch       []Row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	metrics WriterMetrics
}

// NewPayloadWriter creates a writer for target.
func NewPayloadWriter(
	cfg WriterConfig,
	source Source,
	target Target,
	sinks []Sink,
	logger *slog.Logger,
) *PayloadWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &PayloadWriter{
		cfg:    cfg,
		source: source,
		target: target,
		sinks:  sinks,
		logger: logger.With("stream_id", target.StreamID),
		batch:  make([]Row, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
}

// SetObserver registers o for flush results. Call before Start.
func (w *PayloadWriter) SetObserver(o FlushObserver) {
	w.observer = o
}

// Start begins consuming entries and writing them out.
func (w *PayloadWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("payload writer started",
		"sinks", len(w.sinks),
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down and flushes what is left using ctx.
func (w *PayloadWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping payload writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("payload writer stopped")
	case <-ctx.Done():
		w.logger.Warn("payload writer stop timed out")
	}

	w.flush(ctx)

	return nil
}

// Done is closed once the stream stops delivering.
func (w *PayloadWriter) Done() <-chan struct{} {
	return w.done
}

// Stats returns current metrics.
func (w *PayloadWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *PayloadWriter) consumeLoop() {
	defer w.wg.Done()
	defer close(w.done)

	for {
		entry, err := w.source.Next(w.ctx, w.target.StreamID)
		if err != nil {
			switch {
			case w.ctx.Err() != nil:
			case errors.Is(err, delivery.ErrClosed):
				w.logger.Info("stream stopped, archiving finished")
			default:
				w.logger.Error("read stream failed", "error", err)
			}
			return
		}
		w.handleEntry(entry)
	}
}

func (w *PayloadWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

func (w *PayloadWriter) handleEntry(e delivery.Entry) {
	row := w.transform(e)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	w.metrics.Consumed++
	if row.Gap {
		w.metrics.Gaps++
	}
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

func (w *PayloadWriter) transform(e delivery.Entry) Row {
	return Row{
		InstanceID: w.target.InstanceID,
		StreamID:   w.target.StreamID,
		Label:      w.target.Label,
		Endpoint:   w.target.Endpoint,
		Channel:    e.Channel,
		ConnID:     e.ConnID,
		Seq:        e.Seq,
		Gap:        e.Gap,
		ReceivedAt: e.ReceivedAt.UnixMicro(),
		Payload:    e.Payload,
	}
}

// flush writes the current batch to every sink. A failing sink does not
// stop the others; its rows are counted as errors and not retried.
func (w *PayloadWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]Row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	for _, sink := range w.sinks {
		start := time.Now()
		conflicts, err := sink.WriteBatch(ctx, batch)
		took := time.Since(start)
		if w.observer != nil {
			w.observer.ObserveFlush(sink.Name(), len(batch), took, err)
		}

		w.batchMu.Lock()
		if err != nil {
			w.metrics.Errors++
		} else {
			w.metrics.Inserts += int64(len(batch) - conflicts)
			w.metrics.Conflicts += int64(conflicts)
		}
		w.batchMu.Unlock()

		if err != nil {
			w.logger.Error("batch write failed", "sink", sink.Name(), "error", err, "count", len(batch))
			continue
		}
		w.logger.Debug("flushed payloads",
			"sink", sink.Name(),
			"count", len(batch),
			"conflicts", conflicts,
			"duration", took,
		)
	}

	w.batchMu.Lock()
	w.metrics.Flushes++
	w.batchMu.Unlock()
}
