package location

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/geo"
)

// StreamSource turns streamed fixes for one subject into a
// domain.PositionSource. Each subscription applies its own interval and
// minimum-distance filter: a fix is delivered once the interval has passed
// since the last delivery, or earlier when the subject moved at least the
// minimum distance.
type StreamSource struct {
	subjectID string
	logger    *zap.Logger

	mu      sync.Mutex
	granted bool
	closed  bool
	latest  *domain.PositionSample
	waiters []chan domain.PositionSample
	nextID  uint64
	subs    map[uint64]*streamSub
}

type streamSub struct {
	opts     domain.SampleOptions
	fn       func(domain.PositionSample)
	last     *domain.PositionSample
	inflight sync.Mutex
}

func NewStreamSource(subjectID string, logger *zap.Logger) *StreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSource{subjectID: subjectID, logger: logger, granted: true, subs: make(map[uint64]*streamSub)}
}

// SubjectID is the subject whose fixes this source accepts.
func (s *StreamSource) SubjectID() string { return s.subjectID }

// SetPermission records whether the subject consents to tracking.
func (s *StreamSource) SetPermission(granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = granted
}

func (s *StreamSource) RequestPermission(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("position stream closed")
	}
	return s.granted, nil
}

func (s *StreamSource) Subscribe(ctx context.Context, opts domain.SampleOptions, onSample func(domain.PositionSample)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("position stream closed")
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = &streamSub{opts: opts, fn: onSample}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

// GetOne returns the latest fix, or waits for the next one.
func (s *StreamSource) GetOne(ctx context.Context) (domain.PositionSample, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.PositionSample{}, errors.New("position stream closed")
	}
	if s.latest != nil {
		sample := *s.latest
		s.mu.Unlock()
		return sample, nil
	}
	ch := make(chan domain.PositionSample, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case sample, ok := <-ch:
		if !ok {
			return domain.PositionSample{}, errors.New("position stream closed")
		}
		return sample, nil
	case <-ctx.Done():
		return domain.PositionSample{}, fmt.Errorf("wait for fix: %w", ctx.Err())
	}
}

// Push offers one fix to every subscription. Callbacks run on the caller's
// goroutine without the source lock held, so a subscriber replacing its
// subscription may see one fix on both; the sampler drops the replaced one.
func (s *StreamSource) Push(sample domain.PositionSample) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.latest = &sample
	for _, ch := range s.waiters {
		ch <- sample
	}
	s.waiters = nil
	subs := make([]*streamSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.offer(sample)
	}
}

func (sub *streamSub) offer(sample domain.PositionSample) {
	sub.inflight.Lock()
	due := sub.last == nil ||
		sample.Timestamp.Sub(sub.last.Timestamp) >= sub.opts.Interval ||
		(sub.opts.MinDistanceMeters > 0 && geo.DistanceMeters(sub.last.Point, sample.Point) >= sub.opts.MinDistanceMeters)
	if due {
		sub.last = &sample
	}
	sub.inflight.Unlock()
	if due {
		sub.fn(sample)
	}
}

// Close ends every subscription; later calls report the source unavailable.
func (s *StreamSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.subs = make(map[uint64]*streamSub)
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}
