package poll

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/metrics"
	"github.com/kxc663/translation-client/internal/notify"
)

// Session is one polling epoch. Its state only moves forward:
// Polling, then exactly one of Completed, Failed, Cancelled or TimedOut.
type Session struct {
	epoch         uint64
	correlationID string
	startedAt     time.Time
	deadline      time.Time

	opts    Options
	querier Querier
	slot    chan struct{}
	logger  *zap.Logger
	bus     *notify.Bus[Event]

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	active   atomic.Bool
	drained  chan struct{}
	drainOne sync.Once

	mu         sync.Mutex
	state      State
	err        error
	attempts   int
	lastStatus Status
}

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	Epoch         uint64    `json:"epoch"`
	CorrelationID string    `json:"correlation_id"`
	State         State     `json:"state"`
	Active        bool      `json:"active"`
	StartedAt     time.Time `json:"started_at"`
	Deadline      time.Time `json:"deadline"`
	Attempts      int       `json:"attempts"`
	LastStatus    Status    `json:"last_status,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func newSession(parent context.Context, c *Client, epoch uint64, correlationID string, bus *notify.Bus[Event]) *Session {
	ctx, cancel := context.WithCancel(parent)
	started := c.opts.Clock.Now()
	return &Session{
		epoch:         epoch,
		correlationID: correlationID,
		startedAt:     started,
		deadline:      started.Add(c.opts.Timeout),
		opts:          c.opts,
		querier:       c.querier,
		slot:          c.slot,
		logger: c.logger.With(
			zap.Uint64("epoch", epoch),
			zap.String("correlation_id", correlationID),
		),
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		state:   StatePolling,
	}
}

// Epoch returns the client-local epoch number, starting at 1.
func (s *Session) Epoch() uint64 { return s.epoch }

// CorrelationID returns the id sent to the job server.
func (s *Session) CorrelationID() string { return s.correlationID }

// Active reports whether the poll loop is executing.
func (s *Session) Active() bool { return s.active.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error: nil while polling or after completion,
// ErrCancelled after cancellation, otherwise the failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Epoch:         s.epoch,
		CorrelationID: s.correlationID,
		State:         s.state,
		Active:        s.active.Load(),
		StartedAt:     s.startedAt,
		Deadline:      s.deadline,
		Attempts:      s.attempts,
		LastStatus:    s.lastStatus,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// Subscribe attaches sub to this epoch's bus.
func (s *Session) Subscribe(sub notify.Subscriber[Event]) *notify.Subscription[Event] {
	return s.bus.Subscribe(sub)
}

// Done is closed once the poll loop has exited and the bus has delivered
// its terminal signal.
func (s *Session) Done() <-chan struct{} {
	s.drainOne.Do(func() {
		go func() {
			<-s.done
			<-s.bus.Done()
			close(s.drained)
		}()
	})
	return s.drained
}

// Wait blocks until the epoch is over and returns Err.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("wait for epoch %d: %w", s.epoch, ctx.Err())
	}
}

// Cancel stops the epoch. The cancellation event is published and the bus
// closed right away; a query in flight is aborted and its result dropped.
// Cancelling a finished epoch does nothing.
func (s *Session) Cancel() {
	s.cancel()
	if !s.finish(StateCancelled, ErrCancelled) {
		return
	}
	s.logger.Info("polling cancelled")
	s.bus.Cancel(s.newEvent(StatusCancelled, "", s.attemptCount()))
	s.call("on_cancelled", s.opts.OnCancelled)
}

// supersede ends the epoch because a newer one is starting. Observers get a
// plain completion; OnCancelled is not invoked.
func (s *Session) supersede() {
	s.cancel()
	if s.finish(StateCancelled, ErrCancelled) {
		s.logger.Info("epoch superseded by a new start")
	}
	s.bus.Complete()
}

func (s *Session) run() {
	defer close(s.done)
	select {
	case s.slot <- struct{}{}:
	case <-s.ctx.Done():
		s.Cancel()
		return
	}
	defer func() { <-s.slot }()

	s.active.Store(true)
	metrics.IncActiveEpochs()
	defer func() {
		s.active.Store(false)
		metrics.DecActiveEpochs()
	}()

	backoff := NewBackoff(s.opts.InitialInterval, s.opts.MaxInterval, s.opts.Jitter)
	failures := 0
	for attempt := 1; ; attempt++ {
		if s.ctx.Err() != nil {
			s.Cancel()
			return
		}
		if s.expired() {
			return
		}
		s.setAttempts(attempt)

		raw, err := s.querier.Query(s.ctx, s.correlationID)
		if s.ctx.Err() != nil {
			s.logger.Debug("discarding status received after cancellation", zap.Int("attempt", attempt))
			s.Cancel()
			return
		}
		if err != nil {
			metrics.ObserveQuery("transport_error")
			failures++
			if failures > s.opts.TransportRetries {
				s.fail(StateFailed, err)
				return
			}
			s.logger.Warn("status query failed, retrying", zap.Error(err), zap.Int("failures", failures))
		} else {
			failures = 0
			if s.handle(raw, attempt) {
				return
			}
		}

		if s.expired() {
			return
		}

		nominal, delay := backoff.Advance()
		metrics.ObserveBackoff(delay)
		s.logger.Debug("waiting before next query",
			zap.Duration("nominal", nominal),
			zap.Duration("delay", delay),
		)
		s.opts.sleep(s.ctx, delay)
	}
}

// expired fails the epoch with ErrTimeoutExceeded once the deadline has
// passed. No query is issued after that.
func (s *Session) expired() bool {
	now := s.opts.Clock.Now()
	if now.Before(s.deadline) {
		return false
	}
	elapsed := now.Sub(s.startedAt)
	s.fail(StateTimedOut, fmt.Errorf("%w after %s", ErrTimeoutExceeded, elapsed.Round(time.Millisecond)))
	return true
}

// handle publishes the status read by one query and reports whether it
// ended the epoch.
func (s *Session) handle(raw string, attempt int) bool {
	status := ParseStatus(raw)
	metrics.ObserveQuery(string(status))
	s.setLastStatus(status)
	ev := s.newEvent(status, raw, attempt)

	switch status {
	case StatusCompleted:
		if !s.finish(StateCompleted, nil) {
			return true
		}
		s.bus.Publish(ev)
		s.call("on_completed", s.opts.OnCompleted)
		s.bus.Complete()
		return true
	case StatusFailed:
		err := fmt.Errorf("job %s: %w", s.correlationID, ErrJobFailure)
		if !s.finish(StateFailed, err) {
			return true
		}
		s.bus.Publish(ev)
		s.callError(err)
		s.bus.Fail(err)
		return true
	case StatusPending:
		if s.bus.Publish(ev) {
			s.call("on_pending", s.opts.OnPending)
		}
	default:
		s.logger.Warn("unknown status received", zap.String("status", raw), zap.Int("attempt", attempt))
		s.bus.Publish(ev)
	}
	return false
}

func (s *Session) fail(state State, err error) {
	if !s.finish(state, err) {
		return
	}
	s.logger.Warn("polling stopped", zap.String("state", string(state)), zap.Error(err))
	s.callError(err)
	s.bus.Fail(err)
}

// finish records the terminal state. Only the first caller wins; everybody
// else must not publish or call back.
func (s *Session) finish(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	metrics.ObserveEpoch(string(state))
	return true
}

func (s *Session) newEvent(status Status, raw string, attempt int) Event {
	return Event{
		Status:        status,
		Raw:           raw,
		CorrelationID: s.correlationID,
		Epoch:         s.epoch,
		Attempt:       attempt,
		At:            s.opts.Clock.Now(),
	}
}

func (s *Session) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}

func (s *Session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) setLastStatus(status Status) {
	s.mu.Lock()
	s.lastStatus = status
	s.mu.Unlock()
}

func (s *Session) call(name string, fn func()) {
	defer s.recoverCallback(name)
	fn()
}

func (s *Session) callError(err error) {
	defer s.recoverCallback("on_error")
	s.opts.OnError(err)
}

func (s *Session) recoverCallback(name string) {
	if r := recover(); r != nil {
		s.logger.Error("callback panicked", zap.String("callback", name), zap.Any("panic", r))
	}
}
