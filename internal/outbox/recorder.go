package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/pkg/eventbus"
)

const schema = `CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the outbox table when it is missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	return nil
}

// Recorder satisfies domain.EventPublisher by appending detections to the
// outbox table. Re-recording an event id is a no-op.
type Recorder struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, tracer: otel.Tracer("festivo.outbox.recorder")}
}

func (r *Recorder) Publish(ctx context.Context, event domain.ActivityEvent) error {
	ctx, span := r.tracer.Start(ctx, "outbox.record", trace.WithAttributes(attribute.String("event.id", event.ID)))
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO outbox (event_id, event_type, topic, payload) VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
		event.ID, string(event.Kind), eventbus.Subject(event), payload)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert outbox %s: %w", event.ID, err)
	}
	return nil
}
