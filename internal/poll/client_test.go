package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxc663/translation-client/internal/notify"
)

func newTestClient(t *testing.T, q Querier, clock *fakeClock, rec *sleepRecorder, counts *callbackCounts, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Querier:         q,
		Clock:           clock,
		IDGenerator:     &fakeIDGen{},
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Jitter:          func() float64 { return 0.5 },
		sleep:           rec.sleep,
	}
	if counts != nil {
		counts.apply(&opts)
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func requireDelays(t *testing.T, want []time.Duration, got []time.Duration) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, float64(want[i]), float64(got[i]), float64(time.Millisecond), "delay %d", i)
	}
}

func TestClientPendingThenCompleted(t *testing.T) {
	clock := newFakeClock()
	q := &scriptedQuerier{script: []step{
		{result: "pending"}, {result: "pending"}, {result: "pending"}, {result: "completed"},
	}}
	rec := &sleepRecorder{}
	counts := &callbackCounts{}
	c := newTestClient(t, q, clock, rec, counts)

	log := &eventLog{}
	c.Subscribe(log.subscriber())

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	require.Equal(t, []Status{StatusPending, StatusPending, StatusPending, StatusCompleted}, log.Statuses())
	require.Equal(t, 1, log.Completions())
	require.Empty(t, log.Errors())
	require.EqualValues(t, 3, counts.pending.Load())
	require.EqualValues(t, 1, counts.completed.Load())
	require.Empty(t, counts.Errors())
	requireDelays(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.Delays())

	snap := s.Snapshot()
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 4, snap.Attempts)
	require.Equal(t, StatusCompleted, snap.LastStatus)
	require.False(t, snap.Active)
	require.Empty(t, snap.Error)
	require.Equal(t, []string{"corr-1", "corr-1", "corr-1", "corr-1"}, q.Calls())
}

func TestClientJobFailureFirst(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "error"}}}
	rec := &sleepRecorder{}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), rec, counts)

	log := &eventLog{}
	c.Subscribe(log.subscriber())

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	err = waitSession(t, s)
	require.ErrorIs(t, err, ErrJobFailure)

	require.Equal(t, []Status{StatusFailed}, log.Statuses())
	require.Len(t, log.Errors(), 1)
	require.ErrorIs(t, log.Errors()[0], ErrJobFailure)
	require.Zero(t, log.Completions())

	require.Len(t, counts.Errors(), 1)
	require.ErrorIs(t, counts.Errors()[0], ErrJobFailure)
	require.Zero(t, counts.completed.Load())
	require.Empty(t, rec.Delays())
	require.Equal(t, StateFailed, s.State())
	require.Len(t, q.Calls(), 1)
}

func TestClientCancelWhileQueryInFlight(t *testing.T) {
	q := newBlockingQuerier()
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, counts)

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	log := &eventLog{}
	s.Subscribe(log.subscriber())

	waitStarted(t, q)
	c.Cancel()

	require.ErrorIs(t, waitSession(t, s), ErrCancelled)
	require.Equal(t, []Status{StatusCancelled}, log.Statuses())
	require.Equal(t, 1, log.Completions())
	require.Empty(t, log.Errors())

	require.EqualValues(t, 1, counts.cancelled.Load())
	require.Zero(t, counts.completed.Load())
	require.Empty(t, counts.Errors())
	require.Equal(t, StateCancelled, s.State())
	require.False(t, s.Active())

	// A second cancel is a no-op.
	c.Cancel()
	require.EqualValues(t, 1, counts.cancelled.Load())
}

func TestClientCancelIdleIsNoop(t *testing.T) {
	counts := &callbackCounts{}
	c := newTestClient(t, &scriptedQuerier{script: []step{{result: "pending"}}}, newFakeClock(), &sleepRecorder{}, counts)
	c.Cancel()
	require.Nil(t, c.Session())
	require.Zero(t, counts.cancelled.Load())
}

func TestClientTimeout(t *testing.T) {
	clock := newFakeClock()
	q := &scriptedQuerier{clock: clock, tick: 10 * time.Second, script: []step{{result: "pending"}}}
	rec := &sleepRecorder{}
	counts := &callbackCounts{}
	c := newTestClient(t, q, clock, rec, counts, func(o *Options) {
		o.Timeout = 25 * time.Second
	})

	log := &eventLog{}
	c.Subscribe(log.subscriber())

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, waitSession(t, s), ErrTimeoutExceeded)

	require.Len(t, q.Calls(), 3)
	require.Len(t, rec.Delays(), 2)
	require.Len(t, counts.Errors(), 1)
	require.ErrorIs(t, counts.Errors()[0], ErrTimeoutExceeded)
	require.Len(t, log.Errors(), 1)
	require.Zero(t, log.Completions())
	require.Equal(t, StateTimedOut, s.State())
}

func TestClientNoQueryAfterDeadline(t *testing.T) {
	clock := newFakeClock()
	q := &scriptedQuerier{script: []step{{result: "pending"}, {result: "pending"}, {result: "completed"}}}
	rec := &sleepRecorder{clock: clock}
	counts := &callbackCounts{}
	c := newTestClient(t, q, clock, rec, counts, func(o *Options) {
		o.Timeout = 2 * time.Second
	})

	log := &eventLog{}
	s, err := c.Start(context.Background(), log.subscriber())
	require.NoError(t, err)
	require.ErrorIs(t, waitSession(t, s), ErrTimeoutExceeded)

	// The second wait ends at 3s, past the 2s deadline, so the third
	// query is never sent.
	require.Len(t, q.Calls(), 2)
	requireDelays(t, []time.Duration{time.Second, 2 * time.Second}, rec.Delays())
	require.Equal(t, StateTimedOut, s.State())
	require.Zero(t, counts.completed.Load())
	require.Equal(t, []Status{StatusPending, StatusPending}, log.Statuses())
	require.Len(t, log.Errors(), 1)
	require.Zero(t, log.Completions())
}

func TestClientCancelDuringBackoffWait(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "pending"}}}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, counts, func(o *Options) {
		o.InitialInterval = 5 * time.Second
		o.MaxInterval = 10 * time.Second
		o.sleep = Sleep
	})

	log := &eventLog{}
	s, err := c.Start(context.Background(), log.subscriber())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(log.Statuses()) == 1
	}, time.Second, 5*time.Millisecond)

	cancelledAt := time.Now()
	c.Cancel()
	require.ErrorIs(t, waitSession(t, s), ErrCancelled)
	require.Less(t, time.Since(cancelledAt), time.Second)

	require.Len(t, q.Calls(), 1)
	require.Equal(t, []Status{StatusPending, StatusCancelled}, log.Statuses())
	require.EqualValues(t, 1, counts.cancelled.Load())
	require.False(t, s.Active())
}

func TestClientSecondStartSupersedes(t *testing.T) {
	q := newBlockingQuerier()
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, counts)

	first, err := c.Start(context.Background())
	require.NoError(t, err)
	firstLog := &eventLog{}
	first.Subscribe(firstLog.subscriber())
	require.Equal(t, "corr-1", waitStarted(t, q))

	second, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "corr-2", waitStarted(t, q))
	require.Equal(t, second, c.Session())
	require.EqualValues(t, 2, second.Epoch())

	require.ErrorIs(t, waitSession(t, first), ErrCancelled)
	require.Empty(t, firstLog.Statuses())
	require.Equal(t, 1, firstLog.Completions())
	require.Zero(t, counts.cancelled.Load())

	c.Cancel()
	require.ErrorIs(t, waitSession(t, second), ErrCancelled)
	require.EqualValues(t, 1, counts.cancelled.Load())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Equal(t, 1, q.maxInflight)
}

func TestClientUnknownStatusKeepsPolling(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "queued"}, {result: "completed"}}}
	rec := &sleepRecorder{}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), rec, counts)

	var events []Event
	c.Subscribe(notify.Subscriber[Event]{OnNext: func(ev Event) { events = append(events, ev) }})

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	require.Len(t, events, 2)
	require.Equal(t, StatusUnknown, events[0].Status)
	require.Equal(t, "unknown(queued)", events[0].String())
	require.Equal(t, StatusCompleted, events[1].Status)
	require.Zero(t, counts.pending.Load())
	require.Len(t, rec.Delays(), 1)
}

func TestClientTransportErrorIsTerminal(t *testing.T) {
	cause := &TransportError{StatusCode: 502, Err: errors.New("Bad Gateway")}
	q := &scriptedQuerier{script: []step{{err: cause}}}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, counts)

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	err = waitSession(t, s)
	require.ErrorIs(t, err, ErrTransport)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 502, te.StatusCode)
	require.Len(t, counts.Errors(), 1)
	require.Equal(t, StateFailed, s.State())
	require.Len(t, q.Calls(), 1)
}

func TestClientTransportRetriesRecover(t *testing.T) {
	flaky := &TransportError{Err: errors.New("connection refused")}
	q := &scriptedQuerier{script: []step{{err: flaky}, {err: flaky}, {result: "completed"}}}
	rec := &sleepRecorder{}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), rec, counts, func(o *Options) {
		o.TransportRetries = 2
	})

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))
	require.EqualValues(t, 1, counts.completed.Load())
	require.Empty(t, counts.Errors())
	requireDelays(t, []time.Duration{time.Second, 2 * time.Second}, rec.Delays())
}

func TestClientLateSubscriberGetsCompletionOnly(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "completed"}}}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, nil)

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	log := &eventLog{}
	sub := c.Subscribe(log.subscriber())
	require.Eventually(t, func() bool { return log.Completions() == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, log.Statuses())
	require.False(t, sub.Active())
}

func TestClientCancelFromSubscriber(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "pending"}}}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, counts)

	log := &eventLog{}
	c.Subscribe(log.subscriber())
	c.Subscribe(notify.Subscriber[Event]{OnNext: func(ev Event) {
		if ev.Status == StatusPending {
			c.Cancel()
		}
	}})

	s, err := c.Start(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, waitSession(t, s), ErrCancelled)

	statuses := log.Statuses()
	require.NotEmpty(t, statuses)
	require.Equal(t, StatusPending, statuses[0])
	require.Equal(t, StatusCancelled, statuses[len(statuses)-1])
	require.Equal(t, 1, log.Completions())
	require.EqualValues(t, 1, counts.cancelled.Load())
}

func TestClientStartWithDoneContext(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "pending"}}}
	counts := &callbackCounts{}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, counts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := c.Start(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, waitSession(t, s), ErrCancelled)
	require.Empty(t, q.Calls())
	require.EqualValues(t, 1, counts.cancelled.Load())
}

func TestClientStartIDGeneratorError(t *testing.T) {
	c := newTestClient(t, &scriptedQuerier{script: []step{{result: "pending"}}}, newFakeClock(), &sleepRecorder{}, nil,
		func(o *Options) { o.IDGenerator = &fakeIDGen{err: errors.New("entropy exhausted")} })
	_, err := c.Start(context.Background())
	require.ErrorContains(t, err, "generate correlation id")
	require.Nil(t, c.Session())
}

func TestClientCloseCompletesPendingSubscribers(t *testing.T) {
	c, err := New(Options{Querier: &scriptedQuerier{script: []step{{result: "pending"}}}})
	require.NoError(t, err)

	log := &eventLog{}
	c.Subscribe(log.subscriber())
	c.Close()
	require.Eventually(t, func() bool { return log.Completions() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "missing endpoint", opts: Options{}, want: ErrNoEndpoint.Error()},
		{name: "bad scheme", opts: Options{Endpoint: "ftp://example.com/status"}, want: "scheme must be http or https"},
		{name: "missing host", opts: Options{Endpoint: "http:///status"}, want: "missing host"},
		{name: "negative timeout", opts: Options{Endpoint: "http://localhost/status", Timeout: -time.Second}, want: "must not be negative"},
		{name: "initial above max", opts: Options{
			Endpoint:        "http://localhost/status",
			InitialInterval: 10 * time.Second,
			MaxInterval:     time.Second,
		}, want: "exceeds max interval"},
		{name: "negative retries", opts: Options{Endpoint: "http://localhost/status", TransportRetries: -1}, want: "transport retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Options{Endpoint: "http://localhost:4000/status"})
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, DefaultTimeout, c.opts.Timeout)
	require.Equal(t, DefaultInitialInterval, c.opts.InitialInterval)
	require.Equal(t, DefaultMaxInterval, c.opts.MaxInterval)
	require.Equal(t, DefaultRequestTimeout, c.opts.RequestTimeout)
	require.IsType(t, &HTTPQuerier{}, c.querier)
}

func TestClientStartAttachesSubscribersToNewEpoch(t *testing.T) {
	q := &scriptedQuerier{script: []step{{result: "completed"}}}
	c := newTestClient(t, q, newFakeClock(), &sleepRecorder{}, nil)

	first, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, waitSession(t, first))

	log := &eventLog{}
	second, err := c.Start(context.Background(), log.subscriber())
	require.NoError(t, err)
	require.NoError(t, waitSession(t, second))

	require.Equal(t, []Status{StatusCompleted}, log.Statuses())
	require.Equal(t, 1, log.Completions())
	require.NotEqual(t, first.CorrelationID(), second.CorrelationID())
}
