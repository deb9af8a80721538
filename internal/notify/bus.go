package notify

import (
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Terminal identifies how a Bus was closed.
type Terminal int

// Terminal outcomes. TerminalNone means the bus is still open.
const (
	TerminalNone Terminal = iota
	TerminalComplete
	TerminalError
	TerminalCancelled
)

func (t Terminal) String() string {
	switch t {
	case TerminalComplete:
		return "complete"
	case TerminalError:
		return "error"
	case TerminalCancelled:
		return "cancelled"
	default:
		return "open"
	}
}

type deliveryKind int

const (
	deliverNext deliveryKind = iota
	deliverError
	deliverComplete
)

type delivery[T any] struct {
	seq   uint64
	kind  deliveryKind
	value T
	err   error
}

// Bus multicasts values of type T to subscribers. Publishers never block:
// deliveries are queued and handed to subscribers by a single dispatcher
// goroutine, so callbacks may safely publish to, subscribe to or close the
// bus they are called from.
type Bus[T any] struct {
	logger *zap.Logger

	mu       sync.Mutex
	subs     []*Subscription[T]
	queue    []delivery[T]
	seq      uint64
	closed   bool
	terminal Terminal

	startOnce sync.Once
	wake      chan struct{}
	done      chan struct{}
}

// New constructs an open Bus. The dispatcher goroutine starts with the first
// delivery, so a Bus that never publishes holds no goroutine.
func New[T any](logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Subscribe attaches sub. Only deliveries queued after this call reach it.
// If the bus is already closed, sub.OnComplete runs immediately on the
// caller's goroutine and the returned Subscription is inert.
func (b *Bus[T]) Subscribe(sub Subscriber[T]) *Subscription[T] {
	s := &Subscription[T]{bus: b, sub: sub}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if sub.OnComplete != nil {
			b.invoke(sub.OnComplete)
		}
		return s
	}
	s.from = b.seq + 1
	s.active.Store(true)
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// Publish queues v for every current subscriber. It returns false once the
// bus is closed.
func (b *Bus[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.enqueueLocked(delivery[T]{kind: deliverNext, value: v})
	return true
}

// Complete closes the bus with a completion signal. Only the first terminal
// call on a bus has any effect; the return value reports whether this call
// was it.
func (b *Bus[T]) Complete() bool {
	return b.close(TerminalComplete, delivery[T]{kind: deliverComplete})
}

// Fail closes the bus with err.
func (b *Bus[T]) Fail(err error) bool {
	return b.close(TerminalError, delivery[T]{kind: deliverError, err: err})
}

// Cancel closes the bus by delivering marker as a final value followed by a
// completion signal.
func (b *Bus[T]) Cancel(marker T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.enqueueLocked(delivery[T]{kind: deliverNext, value: marker})
	b.closeLocked(TerminalCancelled, delivery[T]{kind: deliverComplete})
	return true
}

// Closed reports whether a terminal signal has been accepted.
func (b *Bus[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Terminal reports how the bus was closed.
func (b *Bus[T]) Terminal() Terminal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// Subscribers returns the number of attached subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.active.Load() {
			n++
		}
	}
	return n
}

// Done is closed after the terminal signal has been handed to every
// subscriber.
func (b *Bus[T]) Done() <-chan struct{} {
	return b.done
}

func (b *Bus[T]) close(kind Terminal, d delivery[T]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closeLocked(kind, d)
	return true
}

func (b *Bus[T]) closeLocked(kind Terminal, d delivery[T]) {
	b.closed = true
	b.terminal = kind
	b.enqueueLocked(d)
}

func (b *Bus[T]) enqueueLocked(d delivery[T]) {
	b.seq++
	d.seq = b.seq
	b.queue = append(b.queue, d)
	b.startOnce.Do(func() { go b.run() })
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus[T]) run() {
	defer close(b.done)
	for range b.wake {
		for {
			d, targets, ok := b.next()
			if !ok {
				break
			}
			for _, s := range targets {
				b.deliver(s, d)
			}
			if d.kind != deliverNext {
				b.mu.Lock()
				for _, s := range b.subs {
					s.active.Store(false)
				}
				b.subs = nil
				b.mu.Unlock()
				return
			}
		}
	}
}

func (b *Bus[T]) next() (delivery[T], []*Subscription[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return delivery[T]{}, nil, false
	}
	d := b.queue[0]
	b.queue[0] = delivery[T]{}
	b.queue = b.queue[1:]
	targets := make([]*Subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		if s.from <= d.seq {
			targets = append(targets, s)
		}
	}
	return d, targets, true
}

func (b *Bus[T]) deliver(s *Subscription[T], d delivery[T]) {
	if !s.active.Load() {
		return
	}
	switch d.kind {
	case deliverNext:
		if s.sub.OnNext != nil {
			b.invoke(func() { s.sub.OnNext(d.value) })
		}
	case deliverError:
		if s.sub.OnError != nil {
			b.invoke(func() { s.sub.OnError(d.err) })
		}
	case deliverComplete:
		if s.sub.OnComplete != nil {
			b.invoke(s.sub.OnComplete)
		}
	}
}

func (b *Bus[T]) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}
