package poll

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/notify"
)

// Client polls one job server endpoint. It is safe for concurrent use; at
// most one Session loop runs at any instant.
type Client struct {
	opts    Options
	querier Querier
	logger  *zap.Logger
	// slot holds a token while a session loop is running, so a superseded
	// loop finishes before its successor issues a query.
	slot chan struct{}

	mu      sync.Mutex
	current *Session
	idle    *notify.Bus[Event]
	epochs  uint64
}

// New validates opts and constructs a Client.
func New(opts Options) (*Client, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	querier := opts.Querier
	if querier == nil {
		q, err := NewHTTPQuerier(opts.Endpoint, opts.HTTPClient, opts.RequestTimeout)
		if err != nil {
			return nil, err
		}
		querier = q
	}
	return &Client{
		opts:    opts,
		querier: querier,
		logger:  opts.Logger,
		slot:    make(chan struct{}, 1),
	}, nil
}

// Start begins a new epoch and returns its Session. Any running epoch is
// cancelled and its bus is closed with a completion before the new loop
// starts. Subscribers that attached through Client.Subscribe before the very
// first Start are carried into that first epoch.
//
// subs are attached to the new epoch's bus before its loop runs, so they
// observe every event of that epoch. The epoch is also cancelled when ctx is
// done.
func (c *Client) Start(ctx context.Context, subs ...notify.Subscriber[Event]) (*Session, error) {
	correlationID, err := c.opts.IDGenerator.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate correlation id: %w", err)
	}

	c.mu.Lock()
	prev := c.current
	bus := c.idle
	c.idle = nil
	if bus == nil {
		bus = notify.New[Event](c.logger)
	}
	c.epochs++
	s := newSession(ctx, c, c.epochs, correlationID, bus)
	c.current = s
	c.mu.Unlock()

	for _, sub := range subs {
		bus.Subscribe(sub)
	}

	if prev != nil {
		prev.supersede()
	}
	s.logger.Info("polling started")
	go s.run()
	return s, nil
}

// Cancel cancels the current epoch, if any.
func (c *Client) Cancel() {
	if s := c.Session(); s != nil {
		s.Cancel()
	}
}

// Subscribe attaches sub to the current epoch's bus. Before the first Start
// the subscriber waits for that epoch; after an epoch has ended it receives
// only a completion signal.
func (c *Client) Subscribe(sub notify.Subscriber[Event]) *notify.Subscription[Event] {
	c.mu.Lock()
	var bus *notify.Bus[Event]
	if c.current != nil {
		bus = c.current.bus
	} else {
		if c.idle == nil {
			c.idle = notify.New[Event](c.logger)
		}
		bus = c.idle
	}
	c.mu.Unlock()
	return bus.Subscribe(sub)
}

// Session returns the most recently started session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close cancels the current epoch, completes any pending pre-start bus and
// releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.current
	idle := c.idle
	c.idle = nil
	c.mu.Unlock()

	if s != nil {
		s.Cancel()
	}
	if idle != nil {
		idle.Complete()
	}
	if closer, ok := c.querier.(interface{ Close() }); ok {
		closer.Close()
	}
}
