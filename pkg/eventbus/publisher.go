// Package eventbus moves activity events between festivo instances over NATS.
package eventbus

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/festivo/internal/presence/domain"
)

const (
	// ActivityPrefix is followed by the event kind.
	ActivityPrefix = "festival.activity."
	// ExternalSubjects carries events produced outside the presence engine.
	ExternalSubjects = "festival.external.>"
	externalPrefix   = "festival.external."
)

// Subject returns the subject an activity event is published on.
func Subject(event domain.ActivityEvent) string {
	return ActivityPrefix + string(event.Kind)
}

// Encode marshals an event together with the headers every consumer expects.
func Encode(ctx context.Context, event domain.ActivityEvent) (*nats.Msg, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(event))
	msg.Data = payload
	msg.Header.Set("x-event-type", string(event.Kind))
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	return msg, nil
}

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes activity events to NATS.
type Publisher struct {
	conn   msgPublisher
	tracer trace.Tracer
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn) *Publisher {
	p := &Publisher{tracer: otel.Tracer("festivo.eventbus")}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.ActivityEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.kind", string(event.Kind)),
	))
	defer span.End()

	msg, err := Encode(ctx, event)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
