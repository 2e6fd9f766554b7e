package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
)

// WriterConfig defines tunables for the write queue.
type WriterConfig struct {
	Buffer   int           `koanf:"buffer"`
	Timeout  time.Duration `koanf:"timeout"`
	RetryMax int           `koanf:"retry_max"`
	Backoff  time.Duration `koanf:"backoff"`
}

type writeOp struct {
	collection string
	key        string
	value      []byte
	delete     bool
}

// Writer applies Put/Delete calls to a keyed store in call order on a single
// goroutine. Callers never block on the store: full queues drop the write and
// failed writes are logged after a short retry.
type Writer struct {
	store  domain.KeyedStore
	logger *zap.Logger
	cfg    WriterConfig
	tracer trace.Tracer
	ops    chan writeOp
}

var _ domain.Writer = (*Writer)(nil)

func NewWriter(store domain.KeyedStore, logger *zap.Logger, cfg WriterConfig) *Writer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("festivo.store.writer"),
		ops:    make(chan writeOp, cfg.Buffer),
	}
}

// Put encodes record as JSON and queues it.
func (w *Writer) Put(collection, key string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		writesDropped.Inc()
		w.logger.Warn("encode record failed", zap.String("collection", collection), zap.String("key", key), zap.Error(err))
		return
	}
	w.enqueue(writeOp{collection: collection, key: key, value: payload})
}

func (w *Writer) Delete(collection, key string) {
	w.enqueue(writeOp{collection: collection, key: key, delete: true})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ops <- op:
	default:
		writesDropped.Inc()
		w.logger.Warn("write queue full, dropping write", zap.String("collection", op.collection), zap.String("key", op.key))
	}
}

// Run applies queued writes until ctx is cancelled, then flushes what is
// already queued with a bounded deadline.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case op := <-w.ops:
			w.apply(ctx, op)
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	for {
		select {
		case op := <-w.ops:
			w.apply(ctx, op)
		default:
			return
		}
	}
}

func (w *Writer) apply(ctx context.Context, op writeOp) {
	name := "put"
	if op.delete {
		name = "delete"
	}
	ctx, span := w.tracer.Start(ctx, "store."+name, trace.WithAttributes(
		attribute.String("store.collection", op.collection),
		attribute.String("store.key", op.key),
	))
	defer span.End()

	var attempt int
	for {
		attempt++
		err := w.once(ctx, op)
		if err == nil {
			writesTotal.WithLabelValues(name, "ok").Inc()
			return
		}
		if attempt >= w.cfg.RetryMax || errors.Is(err, domain.ErrStoreWriteFailed) || ctx.Err() != nil {
			writesTotal.WithLabelValues(name, "failed").Inc()
			span.RecordError(err)
			w.logger.Warn("store write dropped",
				zap.String("collection", op.collection),
				zap.String("key", op.key),
				zap.Int("attempts", attempt),
				zap.Error(fmt.Errorf("%w: %w", domain.ErrStoreWriteFailed, err)))
			return
		}
		backoff := time.Duration(attempt*attempt) * w.cfg.Backoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
	}
}

func (w *Writer) once(ctx context.Context, op writeOp) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	if op.delete {
		return w.store.Delete(ctx, op.collection, op.key)
	}
	return w.store.Put(ctx, op.collection, op.key, op.value)
}

// DecodeRecords decodes every record into T, skipping and logging malformed
// entries.
func DecodeRecords[T any](records []domain.Record, logger *zap.Logger) []T {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			if logger != nil {
				logger.Warn("skipping malformed record", zap.String("key", rec.Key), zap.Error(err))
			}
			continue
		}
		out = append(out, v)
	}
	return out
}
