package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatched_total",
		Help: "Outbox rows handed to NATS, by result.",
	}, []string{"result"})
	oldestPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_pending_seconds",
		Help: "Age of the oldest row in the last dispatched batch.",
	})
)

// ErrMissingDependencies is returned by Serve when the worker was built
// without a database or a NATS connection.
var ErrMissingDependencies = errors.New("outbox worker requires database and NATS connection")

const (
	selectPending = `SELECT id, event_id, event_type, topic, payload, created_at
FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`
	markPublished = `UPDATE outbox SET published = true WHERE id = ANY($1)`
)

// WorkerConfig controls polling and publish retries.
type WorkerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
	RetryMax     int           `koanf:"retry_max"`
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	return c
}

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker loads unpublished detections recorded by Recorder and publishes
// them to NATS in id order. A batch is marked published only after every row
// in it went out, so delivery is at least once; consumers dedupe on the
// Nats-Msg-Id header.
type Worker struct {
	db        *sql.DB
	publisher msgPublisher
	cfg       WorkerConfig
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{db: db, cfg: cfg.withDefaults(), logger: logger, tracer: otel.Tracer("festivo.outbox.worker")}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

func (w *Worker) String() string { return "outbox-worker" }

// Serve dispatches pending rows every poll interval until ctx ends.
func (w *Worker) Serve(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return ErrMissingDependencies
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := w.dispatch(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Error("outbox batch failed", zap.Error(err))
		case n > 0:
			w.logger.Debug("outbox batch dispatched", zap.Int("rows", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type row struct {
	id        int64
	eventID   string
	eventType string
	topic     string
	payload   []byte
	createdAt time.Time
}

// dispatch publishes one locked batch and marks it within the same
// transaction. Any failure rolls the whole batch back for the next poll.
func (w *Worker) dispatch(ctx context.Context) (n int, err error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = tx.Rollback()
		}
	}()

	rows, err := w.pending(ctx, tx)
	if err != nil || len(rows) == 0 {
		if err == nil {
			err = tx.Commit()
		}
		return 0, err
	}

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		if err = w.publish(ctx, r); err != nil {
			return 0, err
		}
		ids = append(ids, r.id)
	}
	oldestPending.Set(time.Since(rows[0].createdAt).Seconds())
	span.SetAttributes(attribute.Int("outbox.rows", len(ids)))

	if _, err = tx.ExecContext(ctx, markPublished, ids); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(ids), nil
}

func (w *Worker) pending(ctx context.Context, tx *sql.Tx) ([]row, error) {
	result, err := tx.QueryContext(ctx, selectPending, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer result.Close()

	var rows []row
	for result.Next() {
		var r row
		if err := result.Scan(&r.id, &r.eventID, &r.eventType, &r.topic, &r.payload, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		rows = append(rows, r)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return rows, nil
}

func (w *Worker) publish(ctx context.Context, r row) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(attribute.String("event.id", r.eventID)))
	defer span.End()

	if r.topic == "" {
		dispatchedTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("outbox row %d has no topic", r.id)
	}
	msg := nats.NewMsg(r.topic)
	msg.Data = r.payload
	msg.Header.Set("x-event-type", r.eventType)
	msg.Header.Set(nats.MsgIdHdr, r.eventID)
	if sc := span.SpanContext(); sc.HasTraceID() {
		msg.Header.Set("x-trace-id", sc.TraceID().String())
	}

	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			dispatchedTotal.WithLabelValues("ok").Inc()
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", r.id))
		if attempt >= w.cfg.RetryMax {
			dispatchedTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("publish outbox %d: %w", r.id, err)
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff grows quadratically from 100ms.
func backoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 100 * time.Millisecond
}
