package agent

import "sync"

// breaker is the process-local empty-reply circuit breaker. Once the empty
// counter reaches the threshold, the agent stops claiming tasks until reset.
// It protects one worker process from draining the queue into SKIPPED when
// the generator is misconfigured or failing; it is not a cluster-wide
// guarantee and is never persisted.
type breaker struct {
	mu        sync.Mutex
	threshold int
	count     int
	tripped   bool
}

func newBreaker(threshold int) *breaker {
	return &breaker{threshold: threshold}
}

// recordEmpty counts one empty generation and reports whether this call
// opened the breaker.
func (b *breaker) recordEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return false
	}
	b.count++
	if b.count >= b.threshold {
		b.tripped = true
		return true
	}
	return false
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
	b.tripped = false
}
