package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxc663/translation-client/internal/notify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeIDGen struct {
	n   atomic.Int64
	err error
}

func (g *fakeIDGen) NewID() (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("corr-%d", g.n.Add(1)), nil
}

type step struct {
	result string
	err    error
}

// scriptedQuerier answers from a script, repeating the last step once the
// script runs out. Each query advances the clock by tick.
type scriptedQuerier struct {
	clock *fakeClock
	tick  time.Duration

	mu          sync.Mutex
	script      []step
	calls       []string
	inflight    int
	maxInflight int
}

func (q *scriptedQuerier) Query(_ context.Context, correlationID string) (string, error) {
	q.mu.Lock()
	q.inflight++
	if q.inflight > q.maxInflight {
		q.maxInflight = q.inflight
	}
	idx := len(q.calls)
	if idx >= len(q.script) {
		idx = len(q.script) - 1
	}
	st := q.script[idx]
	q.calls = append(q.calls, correlationID)
	q.mu.Unlock()

	if q.clock != nil {
		q.clock.Advance(q.tick)
	}

	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
	return st.result, st.err
}

func (q *scriptedQuerier) Calls() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.calls...)
}

// blockingQuerier holds every query until its context is cancelled, then
// reports a transport error the way an aborted HTTP request would.
type blockingQuerier struct {
	started chan string

	mu          sync.Mutex
	inflight    int
	maxInflight int
	calls       int
}

func newBlockingQuerier() *blockingQuerier {
	return &blockingQuerier{started: make(chan string, 16)}
}

func (q *blockingQuerier) Query(ctx context.Context, correlationID string) (string, error) {
	q.mu.Lock()
	q.calls++
	q.inflight++
	if q.inflight > q.maxInflight {
		q.maxInflight = q.inflight
	}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}()

	q.started <- correlationID
	<-ctx.Done()
	return "", &TransportError{Err: fmt.Errorf("request failed: %w", ctx.Err())}
}

// sleepRecorder returns immediately. With a clock set, each sleep advances
// it by the requested delay.
type sleepRecorder struct {
	clock *fakeClock

	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	if r.clock != nil {
		r.clock.Advance(d)
	}
	return ctx.Err() == nil
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type callbackCounts struct {
	completed atomic.Int32
	pending   atomic.Int32
	cancelled atomic.Int32

	mu   sync.Mutex
	errs []error
}

func (c *callbackCounts) apply(opts *Options) {
	opts.OnCompleted = func() { c.completed.Add(1) }
	opts.OnPending = func() { c.pending.Add(1) }
	opts.OnCancelled = func() { c.cancelled.Add(1) }
	opts.OnError = func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errs = append(c.errs, err)
	}
}

func (c *callbackCounts) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

type eventLog struct {
	mu       sync.Mutex
	events   []Event
	errs     []error
	complete int
}

func (l *eventLog) subscriber() notify.Subscriber[Event] {
	return notify.Subscriber[Event]{
		OnNext: func(ev Event) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, ev)
		},
		OnError: func(err error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.errs = append(l.errs, err)
		},
		OnComplete: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.complete++
		},
	}
}

func (l *eventLog) Statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Status)
	}
	return out
}

func (l *eventLog) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *eventLog) Completions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.complete
}

func waitSession(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "session did not finish")
	return err
}

func waitStarted(t *testing.T, q *blockingQuerier) string {
	t.Helper()
	select {
	case id := <-q.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("query was never issued")
		return ""
	}
}
