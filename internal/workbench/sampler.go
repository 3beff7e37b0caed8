package workbench

import (
	"sync"
	"time"
)

// Sampler invokes fn at most once per interval and keeps the trailing call:
// calls landing inside an interval are collapsed into one deferred
// invocation carrying the most recent argument, so no final value is lost.
type Sampler[T any] struct {
	mu       sync.Mutex
	fn       func(T)
	interval time.Duration
	last     time.Time
	pending  *T
	timer    *time.Timer
}

func NewSampler[T any](fn func(T), interval time.Duration) *Sampler[T] {
	return &Sampler[T]{fn: fn, interval: interval}
}

func (s *Sampler[T]) Call(v T) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.last) >= s.interval {
		s.last = now
		s.pending = nil
		s.mu.Unlock()
		s.fn(v)
		return
	}
	s.pending = &v
	if s.timer == nil {
		delay := s.interval - now.Sub(s.last)
		s.timer = time.AfterFunc(delay, s.fire)
	}
	s.mu.Unlock()
}

func (s *Sampler[T]) fire() {
	s.mu.Lock()
	s.timer = nil
	v := s.pending
	s.pending = nil
	s.last = time.Now()
	s.mu.Unlock()
	if v != nil {
		s.fn(*v)
	}
}

// Stop cancels any pending trailing call.
func (s *Sampler[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}
