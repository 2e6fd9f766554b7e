package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
)

// Ingester accepts external events; satisfied by *engine.Engine.
type Ingester interface {
	IngestExternal(kind, subjectID string, payload map[string]any) domain.ActivityEvent
	IngestEvent(event domain.ActivityEvent)
}

// ExternalMessage is the payload on festival.external.<kind>. Producers that
// set ID and Timestamp get idempotent redelivery; otherwise the event is
// stamped on arrival.
type ExternalMessage struct {
	ID        string         `json:"id,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Subscriber feeds external NATS events into the engine.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	sink    Ingester
	logger  *zap.Logger
}

func NewSubscriber(conn *nats.Conn, sink Ingester, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{conn: conn, subject: ExternalSubjects, sink: sink, logger: logger}
}

// Serve implements suture.Service.
func (s *Subscriber) Serve(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.subject, s.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	<-ctx.Done()
	return ctx.Err()
}

// Handle decodes one message. Malformed messages are logged and skipped.
func (s *Subscriber) Handle(msg *nats.Msg) {
	var in ExternalMessage
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.logger.Warn("malformed external event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if in.Kind == "" {
		in.Kind = strings.TrimPrefix(msg.Subject, externalPrefix)
	}
	if in.Kind == "" || in.Kind == msg.Subject {
		s.logger.Warn("external event without kind", zap.String("subject", msg.Subject))
		return
	}
	if in.ID != "" && !in.Timestamp.IsZero() {
		s.sink.IngestEvent(domain.ActivityEvent{
			ID:           in.ID,
			Kind:         domain.EventExternal,
			Timestamp:    in.Timestamp,
			SubjectID:    in.SubjectID,
			ExternalKind: in.Kind,
			Payload:      in.Payload,
		})
		return
	}
	s.sink.IngestExternal(in.Kind, in.SubjectID, in.Payload)
}

func (s *Subscriber) String() string { return "eventbus-subscriber" }
