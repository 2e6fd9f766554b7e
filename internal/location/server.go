package location

import (
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/festivo/internal/presence/domain"
)

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_updates_total",
	Help: "Streamed position updates grouped by outcome.",
}, []string{"result"})

// ServerConfig throttles each streaming device.
type ServerConfig struct {
	RatePerSecond float64
	Burst         int
}

// Server implements LocationServer and forwards accepted fixes to the
// StreamSource of the tracked subject.
type Server struct {
	source *StreamSource
	cfg    ServerConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(source *StreamSource, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{source: source, cfg: cfg, logger: logger, limiters: make(map[string]*rate.Limiter)}
}

// StreamPositions ingests fixes until the client closes the stream.
func (s *Server) StreamPositions(stream Location_StreamPositionsServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			s.logger.Debug("position stream closed",
				zap.Int64("accepted", ack.Accepted),
				zap.Int64("dropped", ack.Dropped),
			)
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if !s.accept(msg) {
			ack.Dropped++
			continue
		}
		ack.Accepted++
		s.source.Push(toSample(msg))
	}
}

func (s *Server) accept(msg *PositionUpdate) bool {
	if msg.SubjectId != s.source.SubjectID() {
		ingestTotal.WithLabelValues("foreign").Inc()
		return false
	}
	if msg.Lat < -90 || msg.Lat > 90 || msg.Lng < -180 || msg.Lng > 180 {
		ingestTotal.WithLabelValues("invalid").Inc()
		return false
	}
	if !s.limiter(msg.SubjectId).Allow() {
		ingestTotal.WithLabelValues("throttled").Inc()
		return false
	}
	ingestTotal.WithLabelValues("accepted").Inc()
	return true
}

func (s *Server) limiter(subjectID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[subjectID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
		s.limiters[subjectID] = l
	}
	return l
}

func toSample(msg *PositionUpdate) domain.PositionSample {
	ts := time.Now().UTC()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts).UTC()
	}
	return domain.PositionSample{
		Point:     domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng},
		Accuracy:  msg.Accuracy,
		Timestamp: ts,
	}
}
