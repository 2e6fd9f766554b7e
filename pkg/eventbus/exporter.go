package eventbus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
)

var (
	exportTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_export_total",
		Help: "Detections handed to the exporter by outcome.",
	}, []string{"result"})
	exportQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_export_queue",
		Help: "Detections waiting to be exported.",
	})
)

// Exporter decouples detection emitters from a slow publisher. Publish only
// enqueues; Serve drains the queue until its context ends.
type Exporter struct {
	next    domain.EventPublisher
	queue   chan domain.ActivityEvent
	timeout time.Duration
	logger  *zap.Logger
}

func NewExporter(next domain.EventPublisher, size int, timeout time.Duration, logger *zap.Logger) *Exporter {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{next: next, queue: make(chan domain.ActivityEvent, size), timeout: timeout, logger: logger}
}

// Publish enqueues the event, dropping it when the queue is full.
func (x *Exporter) Publish(_ context.Context, event domain.ActivityEvent) error {
	select {
	case x.queue <- event:
		exportQueue.Set(float64(len(x.queue)))
	default:
		exportTotal.WithLabelValues("dropped").Inc()
		x.logger.Warn("export queue full, dropping detection", zap.String("event_id", event.ID))
	}
	return nil
}

// Serve implements suture.Service.
func (x *Exporter) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-x.queue:
			exportQueue.Set(float64(len(x.queue)))
			x.export(ctx, event)
		}
	}
}

func (x *Exporter) export(ctx context.Context, event domain.ActivityEvent) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	if err := x.next.Publish(ctx, event); err != nil {
		exportTotal.WithLabelValues("failed").Inc()
		x.logger.Warn("export detection failed", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	exportTotal.WithLabelValues("ok").Inc()
}

func (x *Exporter) String() string { return "eventbus-exporter" }
