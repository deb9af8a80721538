package poll

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/clock/system"
	"github.com/kxc663/translation-client/internal/id/uuid"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 5 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces correlation ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Options configures a Client. Zero values take the documented defaults.
type Options struct {
	// Endpoint is the job server status URL. Required unless Querier is set.
	Endpoint string
	// Timeout is the maximum wall-clock wait of one epoch.
	Timeout time.Duration
	// InitialInterval is the first wait between queries.
	InitialInterval time.Duration
	// MaxInterval caps the exponential schedule.
	MaxInterval time.Duration
	// RequestTimeout bounds a single status query.
	RequestTimeout time.Duration
	// TransportRetries is how many consecutive transport failures are
	// retried on the backoff schedule before the epoch fails. Zero makes
	// every transport failure terminal.
	TransportRetries int

	OnCompleted func()
	OnError     func(error)
	OnPending   func()
	OnCancelled func()

	HTTPClient  *http.Client
	Querier     Querier
	Clock       Clock
	IDGenerator IDGenerator
	// Jitter returns uniform samples in [0, 1) for backoff jitter.
	Jitter func() float64
	Logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) bool
}

func (o Options) withDefaults() (Options, error) {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.InitialInterval == 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval == 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Timeout < 0 || o.InitialInterval < 0 || o.MaxInterval < 0 || o.RequestTimeout < 0 {
		return o, fmt.Errorf("poll: durations must not be negative")
	}
	if o.InitialInterval > o.MaxInterval {
		return o, fmt.Errorf("poll: initial interval %s exceeds max interval %s", o.InitialInterval, o.MaxInterval)
	}
	if o.TransportRetries < 0 {
		return o, fmt.Errorf("poll: transport retries must be >= 0")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.sleep == nil {
		o.sleep = Sleep
	}
	if o.Clock == nil {
		o.Clock = system.New()
	}
	if o.IDGenerator == nil {
		o.IDGenerator = uuid.New()
	}
	logger := o.Logger
	if o.OnCompleted == nil {
		o.OnCompleted = func() { logger.Info("translation completed") }
	}
	if o.OnError == nil {
		o.OnError = func(err error) { logger.Error("an error occurred", zap.Error(err)) }
	}
	if o.OnPending == nil {
		o.OnPending = func() { logger.Debug("translation is still pending") }
	}
	if o.OnCancelled == nil {
		o.OnCancelled = func() { logger.Info("translation polling cancelled") }
	}
	return o, nil
}
