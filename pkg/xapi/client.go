package xapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/roomgrid/xapi/internal/backend"
	"github.com/roomgrid/xapi/internal/feedback"
	"github.com/roomgrid/xapi/internal/rpc"
)

// ErrClosed is returned for operations issued against a closed client and
// for requests pending when the connection went down.
var ErrClosed = backend.ErrClosed

// Client is the public surface of one device connection. It owns the
// pending-request table and the feedback tree; the backend owns everything
// below.
type Client struct {
	logger    *zap.Logger
	callbacks Callbacks
	feedback  *feedback.Tree

	mu        sync.Mutex
	transport Transport
	backend   *backend.Backend
	nextID    uint64
	pending   map[string]chan rpc.Response
	closed    bool

	ready chan struct{}
}

// New creates an unbound client. Wire its Callbacks() into a backend, then
// Bind the transport. Most callers use Connect instead.
func New(logger *zap.Logger, callbacks Callbacks) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:    logger,
		callbacks: callbacks,
		feedback:  feedback.NewTree(),
		pending:   make(map[string]chan rpc.Response),
		ready:     make(chan struct{}),
	}
}

// Callbacks returns the backend callback set that routes connection events
// into this client.
func (c *Client) Callbacks() backend.Callbacks {
	return backend.Callbacks{
		OnReady: c.onReady,
		OnData:  c.onData,
		OnError: c.onError,
		OnClose: c.onClose,
	}
}

// Bind attaches the live transport. Must be called exactly once, before
// the first request.
func (c *Client) Bind(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.backend = t.Backend()
	c.mu.Unlock()
}

// Ready is closed once the transport handshake completes. Requests issued
// earlier are queued by the backend, so waiting is optional.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Execute sends one request and blocks until its response, ctx cancellation
// or connection teardown. Device-reported errors come back as *rpc.Error.
func (c *Client) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	b := c.backend
	if b == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("xapi: client is not bound to a transport")
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	ch := make(chan rpc.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := b.Execute(rpc.NewRequest(id, method, params)); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Command executes an xCommand at path. Params may carry a "body" key with
// multi-line payload content (XML extension documents and similar).
func (c *Client) Command(ctx context.Context, path any, params map[string]any) (json.RawMessage, error) {
	segments, err := feedback.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	method := "xCommand"
	for _, seg := range segments {
		method += "/" + seg
	}
	return c.Execute(ctx, method, params)
}

// Status reads the status document at path.
func (c *Client) Status(ctx context.Context, path any) (json.RawMessage, error) {
	segments, err := rootedPath(path, "Status")
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, "xGet", map[string]any{"Path": segments})
}

// Config reads the configuration document at path.
func (c *Client) Config(ctx context.Context, path any) (json.RawMessage, error) {
	segments, err := rootedPath(path, "Configuration")
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, "xGet", map[string]any{"Path": segments})
}

// SetConfig writes a configuration value at path.
func (c *Client) SetConfig(ctx context.Context, path any, value any) error {
	segments, err := rootedPath(path, "Configuration")
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "xSet", map[string]any{"Path": segments, "Value": value})
	return err
}

// Feedback subscribes fn to feedback events at path, both locally and on
// the device. The returned cancel tears both down; it is safe to call once.
func (c *Client) Feedback(ctx context.Context, path any, fn Listener) (func(context.Context) error, error) {
	segments, err := feedback.NormalizePath(path)
	if err != nil {
		return nil, err
	}

	cancelLocal, err := c.feedback.Subscribe(segments, fn)
	if err != nil {
		return nil, err
	}

	result, err := c.Execute(ctx, "xFeedback/Subscribe", map[string]any{"Query": segments})
	if err != nil {
		cancelLocal()
		return nil, err
	}

	var ack struct {
		ID int `json:"Id"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		cancelLocal()
		return nil, fmt.Errorf("decode subscribe ack: %w", err)
	}

	cancel := func(ctx context.Context) error {
		cancelLocal()
		_, err := c.Execute(ctx, "xFeedback/Unsubscribe", map[string]any{"Id": ack.ID})
		return err
	}
	return cancel, nil
}

// Event subscribes fn to device events at path (the Event address space).
func (c *Client) Event(ctx context.Context, path any, fn Listener) (func(context.Context) error, error) {
	segments, err := rootedPath(path, "Event")
	if err != nil {
		return nil, err
	}
	return c.Feedback(ctx, segments, fn)
}

// Close tears the connection down: every pending request is rejected with
// ErrClosed and all feedback registrations are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	b := c.backend
	c.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	if b != nil {
		b.Close(nil)
	}
	return nil
}

func (c *Client) onReady() {
	close(c.ready)
	if c.callbacks.OnReady != nil {
		c.callbacks.OnReady()
	}
}

func (c *Client) onData(msg rpc.Message) {
	switch msg.Kind {
	case rpc.KindResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.Response.ID]
		if ok {
			delete(c.pending, msg.Response.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Policy: already-resolved or unknown ids are logged and
			// dropped, not escalated.
			c.logger.Warn("response with no pending request",
				zap.String("id", msg.Response.ID),
			)
			return
		}
		ch <- msg.Response
	case rpc.KindFeedback:
		c.feedback.Dispatch(msg.Params)
	}
}

func (c *Client) onError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

func (c *Client) onClose(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan rpc.Response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.feedback.Reset()

	if err != nil {
		c.logger.Warn("connection closed", zap.Error(err))
	}
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(err)
	}
}

func rootedPath(path any, root string) ([]string, error) {
	segments, err := feedback.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	head := segments[0]
	// "Config" is an accepted alias for the Configuration space.
	if root == "Configuration" && head == "Config" {
		head = root
	}
	if head != root {
		return append([]string{root}, segments...), nil
	}
	// Rebuild with the canonical root so an alias head never reaches the
	// wire and the caller's slice stays untouched.
	return append([]string{root}, segments[1:]...), nil
}
