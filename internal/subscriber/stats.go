package subscriber

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time view of a session. End is zero while the
// session is open.
type Stats struct {
	Start    time.Time
	End      time.Time
	Received int64
	Failed   int64
	Dropped  int64
}

func (s Stats) Duration(now time.Time) time.Duration {
	if s.End.IsZero() {
		return now.Sub(s.Start)
	}
	return s.End.Sub(s.Start)
}

type stats struct {
	received atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64

	mu         sync.Mutex
	started    time.Time
	finishedAt time.Time
}

func (s *stats) start(t time.Time) {
	s.mu.Lock()
	s.started = t
	s.mu.Unlock()
}

func (s *stats) finish(t time.Time) {
	s.mu.Lock()
	s.finishedAt = t
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Start:    s.started,
		End:      s.finishedAt,
		Received: s.received.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
	}
}
