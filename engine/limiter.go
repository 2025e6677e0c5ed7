package engine

import "sync"

// runLimiter bounds the number of runs in flight.
type runLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// newRunLimiter creates a limiter admitting max concurrent runs.
// If max == 0, any number of runs is admitted.
func newRunLimiter(max int) *runLimiter {
	return &runLimiter{max: max}
}

// acquire claims a slot or returns ErrTooManyRuns without waiting.
func (l *runLimiter) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return ErrTooManyRuns
	}
	l.count++

	return nil
}

// release returns a slot claimed by acquire.
func (l *runLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		l.count--
	}
}

// inUse returns the number of claimed slots.
func (l *runLimiter) inUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// remaining returns how many runs may still start.
func (l *runLimiter) remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
