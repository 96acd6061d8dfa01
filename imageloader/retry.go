package imageloader

import (
	"sync"
	"time"
)

// retryManager schedules re-fetches for a flight after a fixed delay and
// caps the number of retries per flight.
type retryManager struct {
	maxRetries int
	delay      time.Duration
	metrics    *Metrics

	mu           sync.Mutex
	attempts     map[uint64]int
	timers       map[uint64]*time.Timer
	totalRetries int
	stopped      bool
}

func newRetryManager(maxAttempts int, delay time.Duration, metrics *Metrics) *retryManager {
	maxRetries := maxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retryManager{
		maxRetries: maxRetries,
		delay:      delay,
		metrics:    metrics,
		attempts:   make(map[uint64]int),
		timers:     make(map[uint64]*time.Timer),
	}
}

// Schedule arranges for fn to run after the retry delay. It returns false
// when the flight has used up its retries or the manager is stopped.
func (rm *retryManager) Schedule(id uint64, fn func()) bool {
	if rm.maxRetries == 0 {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return false
	}

	attempt := rm.attempts[id]
	if attempt >= rm.maxRetries {
		return false
	}

	attempt++
	rm.attempts[id] = attempt
	rm.totalRetries++
	if rm.metrics != nil {
		rm.metrics.IncRetries()
	}

	rm.resetTimerLocked(id)
	rm.timers[id] = time.AfterFunc(rm.backoff(attempt), func() {
		rm.mu.Lock()
		if rm.stopped {
			rm.mu.Unlock()
			return
		}
		delete(rm.timers, id)
		rm.mu.Unlock()
		fn()
	})
	return true
}

// backoff is fixed: every retry waits the same delay.
func (rm *retryManager) backoff(int) time.Duration {
	return rm.delay
}

// Attempts returns the number of retries scheduled so far for a flight.
func (rm *retryManager) Attempts(id uint64) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.attempts[id]
}

// Forget stops any pending retry for a flight and drops its counter.
func (rm *retryManager) Forget(id uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.resetTimerLocked(id)
	delete(rm.attempts, id)
}

func (rm *retryManager) resetTimerLocked(id uint64) {
	if timer, ok := rm.timers[id]; ok {
		timer.Stop()
		delete(rm.timers, id)
	}
}

func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}

	rm.stopped = true
	for id, timer := range rm.timers {
		timer.Stop()
		delete(rm.timers, id)
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}
