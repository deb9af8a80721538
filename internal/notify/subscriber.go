package notify

import "sync/atomic"

// Subscriber bundles the optional callbacks of one observer. Nil callbacks
// are skipped.
type Subscriber[T any] struct {
	OnNext     func(T)
	OnError    func(error)
	OnComplete func()
}

// Subscription is the handle returned by Bus.Subscribe.
type Subscription[T any] struct {
	bus    *Bus[T]
	sub    Subscriber[T]
	from   uint64
	active atomic.Bool
}

// Unsubscribe detaches the subscriber. Deliveries already in progress for
// other subscribers are unaffected. Calling it more than once is harmless.
func (s *Subscription[T]) Unsubscribe() {
	if s == nil || !s.active.Swap(false) {
		return
	}
	s.bus.remove(s)
}

// Active reports whether the subscription still receives deliveries.
func (s *Subscription[T]) Active() bool {
	return s != nil && s.active.Load()
}
