package jobserver

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/clock/system"
	"github.com/kxc663/translation-client/internal/metrics"
)

// Result labels written to the "result" field of a status response.
const (
	ResultPending   = "pending"
	ResultCompleted = "completed"
	ResultError     = "error"
)

// SharedID is tracked on behalf of callers that omit the correlation id.
const SharedID = "shared"

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	ProcessingTime time.Duration
	FailureRate    float64
	IdleTTL        time.Duration
	Clock          Clock
	// Sample returns uniform values in [0, 1); nil uses math/rand/v2.
	Sample func() float64
	Logger *zap.Logger
}

type job struct {
	firstSeen time.Time
	lastSeen  time.Time
	fails     bool
}

// Tracker records when each correlation id was first seen and decides its
// outcome. It is safe for concurrent use.
type Tracker struct {
	processing  time.Duration
	failureRate float64
	idleTTL     time.Duration
	clock       Clock
	sample      func() float64
	logger      *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Sample == nil {
		cfg.Sample = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &Tracker{
		processing:  cfg.ProcessingTime,
		failureRate: cfg.FailureRate,
		idleTTL:     cfg.IdleTTL,
		clock:       cfg.Clock,
		sample:      cfg.Sample,
		logger:      cfg.Logger,
		jobs:        make(map[string]*job),
	}
}

// Lookup returns the current result for id and refreshes its idle timer.
// The failure draw happens on first sight so repeated lookups agree.
func (t *Tracker) Lookup(id string) string {
	if id == "" {
		id = SharedID
	}
	now := t.clock.Now()

	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok {
		j = &job{firstSeen: now, fails: t.sample() < t.failureRate}
		t.jobs[id] = j
	}
	j.lastSeen = now
	n := len(t.jobs)
	t.mu.Unlock()

	if !ok {
		metrics.SetTrackedJobs(n)
		t.logger.Debug("tracking new job", zap.String("correlation_id", id))
	}

	switch {
	case now.Sub(j.firstSeen) < t.processing:
		return ResultPending
	case j.fails:
		return ResultError
	default:
		return ResultCompleted
	}
}

// Len returns the number of tracked ids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Sweep evicts entries not looked up for longer than the idle TTL and
// returns how many were removed.
func (t *Tracker) Sweep() int {
	cutoff := t.clock.Now().Add(-t.idleTTL)

	t.mu.Lock()
	evicted := 0
	for id, j := range t.jobs {
		if j.lastSeen.Before(cutoff) {
			delete(t.jobs, id)
			evicted++
		}
	}
	n := len(t.jobs)
	t.mu.Unlock()

	metrics.SetTrackedJobs(n)
	if evicted > 0 {
		metrics.ObserveEvictions(evicted)
		t.logger.Info("evicted idle jobs", zap.Int("evicted", evicted), zap.Int("remaining", n))
	}
	return evicted
}

