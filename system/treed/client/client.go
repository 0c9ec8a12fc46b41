// Package client is a WebSocket client of the livetree server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/signadot/livetree/system/treed/api"
)

var ErrClosed = errors.New("client closed")

// Client is a connection to a server.  Requests may be issued from any
// goroutine; events arrive on Events in the order the server sent them.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *api.Response
	closed    bool

	events    chan *api.Event
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Option configures Dial.
type Option func(*options)

type options struct {
	header http.Header
	buffer int
	log    *slog.Logger
}

// WithHeader sets headers of the WebSocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithEventBuffer sets the number of events buffered before the client
// stops reading from the connection.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Dial connects to url, e.g. ws://localhost:9000/.ws or
// ws://localhost:9000/.ws/chat for a session based at /chat.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := &options{buffer: 1024, log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		log:     o.log,
		pending: make(map[string]chan *api.Response),
		events:  make(chan *api.Event, o.buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.reader()
	return c, nil
}

// Events returns the events sent by the server.  It is closed when the
// connection ends.
func (c *Client) Events() <-chan *api.Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close closes the connection.  The server runs the on-disconnect
// mutations of the session.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) reader() {
	defer close(c.done)
	defer close(c.events)
	defer c.failPending()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			return
		}
		var m api.Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("bad message from server", "error", err)
			continue
		}
		switch {
		case m.Event != nil && m.Event.Type != "":
			select {
			case c.events <- m.Event:
			case <-c.closing:
				return
			}
		case m.Response != nil:
			c.resolve(m.Response)
		}
	}
}

func (c *Client) resolve(r *api.Response) {
	if r.ID == "" {
		c.log.Warn("server error", "error", r.Error)
		return
	}
	c.pendingMu.Lock()
	ch := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.pendingMu.Unlock()
	if ch != nil {
		ch <- r
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Do sends req and waits for its response.  An error response is
// returned as an *api.Error.
func (c *Client) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	req.ID = strconv.FormatInt(c.seq.Add(1), 10)
	ch := make(chan *api.Response, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	if err := c.Send(req); err != nil {
		c.forget(req.ID)
		return nil, err
	}
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if r.Error != nil {
			return r, r.Error
		}
		return r, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Send sends req without waiting.
func (c *Client) Send(req *api.Request) error {
	d, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.SendRaw(d)
}

// SendRaw sends data as one message.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
