package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/notify"
	"github.com/kxc663/translation-client/internal/poll"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 512
	sendBuffer     = 64
)

// Handler upgrades requests to websockets and runs one poll client per
// connection.
type Handler struct {
	opts     poll.Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// NewHandler returns a Handler whose connections poll with opts. The
// connection-specific logger replaces opts.Logger.
func NewHandler(opts poll.Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			// The relay fronts a local mock server; any origin may watch.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// ServeHTTP handles one websocket session until the peer disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("remote_addr", r.RemoteAddr))
	opts := h.opts
	opts.Logger = logger
	client, err := poll.New(opts)
	if err != nil {
		logger.Error("create poll client", zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "poller unavailable"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	c := newConn(ws, client, logger)
	if !h.track(c) {
		c.shutdown()
		return
	}
	defer h.untrack(c)

	logger.Info("watcher connected")
	go c.writePump()
	c.start()
	c.readPump()
	c.shutdown()
	logger.Info("watcher disconnected")
}

// Connections returns the number of live websocket sessions.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every watcher and cancels their polling. New upgrades
// are refused afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type conn struct {
	ws     *websocket.Conn
	client *poll.Client
	logger *zap.Logger

	send     chan Message
	quit     chan struct{}
	quitOnce sync.Once
}

func newConn(ws *websocket.Conn, client *poll.Client, logger *zap.Logger) *conn {
	return &conn{
		ws:     ws,
		client: client,
		logger: logger,
		send:   make(chan Message, sendBuffer),
		quit:   make(chan struct{}),
	}
}

// start begins a new epoch; a running one is superseded.
func (c *conn) start() {
	s, err := c.client.Start(context.Background(), c.subscriber())
	if err != nil {
		c.enqueue(Message{Type: TypeError, Error: err.Error()})
		return
	}
	c.logger.Debug("epoch started", zap.Uint64("epoch", s.Epoch()), zap.String("correlation_id", s.CorrelationID()))
}

func (c *conn) subscriber() notify.Subscriber[poll.Event] {
	return notify.Subscriber[poll.Event]{
		OnNext: func(ev poll.Event) { c.enqueue(statusMessage(ev)) },
		OnError: func(err error) {
			c.enqueue(Message{Type: TypeError, Error: err.Error()})
		},
		OnComplete: func() { c.enqueue(Message{Type: TypeComplete}) },
	}
}

// enqueue hands m to the write pump, dropping it once the connection is
// shutting down.
func (c *conn) enqueue(m Message) {
	select {
	case c.send <- m:
	case <-c.quit:
	}
}

func (c *conn) readPump() {
	c.ws.SetReadLimit(maxControlSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		var ctrl Control
		if err := json.Unmarshal(data, &ctrl); err != nil {
			c.enqueue(Message{Type: TypeError, Error: "malformed control message: " + err.Error()})
			continue
		}
		switch ctrl.Type {
		case TypeCancel:
			c.client.Cancel()
		case TypeStart:
			c.start()
		default:
			c.enqueue(Message{Type: TypeError, Error: "unknown control message " + ctrl.Type})
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case m := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(m); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.quit:
			return
		}
	}
}

// shutdown cancels polling and unblocks both pumps. Safe to call repeatedly.
func (c *conn) shutdown() {
	c.quitOnce.Do(func() {
		close(c.quit)
		c.client.Close()
		_ = c.ws.Close()
	})
}
