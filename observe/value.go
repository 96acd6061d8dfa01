// Package observe holds current values that subscribers can follow.
package observe

import "sync"

// Value is a current value plus a broadcast to any number of subscribers.
// Subscribers see the latest value; intermediate values may be skipped
// when a subscriber falls behind.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[int]chan T
	nextID  int
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores val and publishes it to every subscriber.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	for _, ch := range v.subs {
		offer(ch, val)
	}
}

// Update applies fn to the current value under the lock and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = fn(v.current)
	for _, ch := range v.subs {
		offer(ch, v.current)
	}
	return v.current
}

// Subscribe returns a channel primed with the current value and a cancel
// func that closes it. Cancel is safe to call more than once.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	ch := make(chan T, 1)
	ch <- v.current
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			close(ch)
			v.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// offer replaces any unread value in ch with val. Callers hold v.mu.
func offer[T any](ch chan T, val T) {
	select {
	case ch <- val:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- val:
	default:
	}
}
