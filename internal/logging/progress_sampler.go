package logging

import (
	"strings"
	"sync"
)

// ProgressSampler suppresses repetitive progress logs while preserving signal
// when a tracked item crosses a percentage bucket. State is kept per key so a
// single sampler can be shared by every running operation.
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize float64
	lastBucket map[string]int
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 10%).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: make(map[string]int)}
}

// ShouldLog reports whether a progress event for key should be logged.
// Negative percent means the total is unknown; those events never emit.
func (s *ProgressSampler) ShouldLog(key string, percent float64) bool {
	if s == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if percent < 0 {
		return false
	}
	bucket := int(percent / s.bucketSize)
	if percent >= 100 {
		bucket = int(100 / s.bucketSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastBucket[key]
	if !ok {
		last = -1
	}
	if bucket > last {
		s.lastBucket[key] = bucket
		return true
	}
	return false
}

// Forget drops the state for key (e.g. once an operation completes).
func (s *ProgressSampler) Forget(key string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastBucket, strings.TrimSpace(key))
}
