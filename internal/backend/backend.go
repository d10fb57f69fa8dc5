// Package backend is the single chokepoint for sending and receiving
// protocol messages on one connection. It owns the handler registry, the
// readiness gate that queues requests issued before the transport handshake
// completes, and the routing of inbound bytes to the data callback.
package backend

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roomgrid/xapi/internal/rpc"
)

// ErrClosed is reported for operations issued against a closed backend and
// carried to every pending request rejected by teardown.
var ErrClosed = errors.New("xapi: connection closed")

// InvalidRequestMethod is the failure message of the default handler.
const InvalidRequestMethod = "Invalid request method"

const codeMethodNotFound = -32601

// Handler serves a locally registered method. The send callback enqueues
// the eventual result as a Response; it may be called synchronously or
// later from another goroutine. A non-nil return value is converted into an
// error Response for the request. A handler that neither calls send nor
// returns an error leaves the response to the wire (pass-through handlers).
type Handler func(req rpc.Request, send func(result any)) error

// Callbacks receives backend lifecycle and data events.
type Callbacks struct {
	// OnReady fires exactly once, when the transport handshake completes.
	OnReady func()
	// OnData fires once per Response or feedback event, in arrival order.
	OnData func(msg rpc.Message)
	// OnError fires on non-fatal transport faults.
	OnError func(err error)
	// OnClose fires exactly once; the backend is terminal afterwards.
	OnClose func(err error)
}

// Backend routes requests to locally registered handlers and inbound wire
// bytes to the data callback.
type Backend struct {
	logger    *zap.Logger
	callbacks Callbacks

	mu       sync.Mutex
	handlers map[string]Handler
	queue    []rpc.Request
	life     *lifecycle
}

// New creates a backend in the connecting state.
func New(callbacks Callbacks, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		logger:    logger,
		callbacks: callbacks,
		handlers:  make(map[string]Handler),
		life:      newLifecycle(),
	}
}

// State returns the connection lifecycle state.
func (b *Backend) State() State {
	return b.life.State()
}

// Register installs a handler for a method name. The name is either a full
// "<Category>/<Action>" pair or a bare category matched as a fallback for
// every action under it.
func (b *Backend) Register(method string, handler Handler) {
	b.mu.Lock()
	b.handlers[method] = handler
	b.mu.Unlock()
}

// Execute routes a request to its handler. Requests issued before the
// readiness gate opens are queued and flushed in issue order on ready.
func (b *Backend) Execute(req rpc.Request) error {
	switch b.life.State() {
	case StateClosing, StateClosed:
		return ErrClosed
	case StateConnecting:
		b.mu.Lock()
		// Re-check under the lock so a concurrent MarkReady cannot
		// strand the request in the queue.
		if b.life.State() == StateConnecting {
			b.queue = append(b.queue, req)
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
	}
	b.dispatch(req)
	return nil
}

// MarkReady opens the readiness gate, fires OnReady once and flushes the
// deferred request queue in issue order.
func (b *Backend) MarkReady() {
	if !b.life.markReady() {
		return
	}
	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	if b.callbacks.OnReady != nil {
		b.callbacks.OnReady()
	}
	for _, req := range queued {
		b.dispatch(req)
	}
}

func (b *Backend) dispatch(req rpc.Request) {
	b.mu.Lock()
	handler, ok := b.handlers[req.Method]
	if !ok {
		if category, _, found := cutMethod(req.Method); found {
			handler, ok = b.handlers[category]
		}
	}
	b.mu.Unlock()
	if !ok {
		handler = b.defaultHandler
	}

	send := func(result any) { b.Send(req.ID, result) }

	defer func() {
		if v := recover(); v != nil {
			b.logger.Warn("handler panic",
				zap.String("method", req.Method),
				zap.Any("panic", v),
			)
			b.SendError(req.ID, toError(v))
		}
	}()
	if err := handler(req, send); err != nil {
		b.SendError(req.ID, toError(err))
	}
}

// defaultHandler rejects every request; live transports shadow it with
// pass-through handlers, mock backends with test handlers.
func (b *Backend) defaultHandler(req rpc.Request, _ func(result any)) error {
	return &rpc.Error{Code: codeMethodNotFound, Message: InvalidRequestMethod}
}

func toError(v any) *rpc.Error {
	switch e := v.(type) {
	case *rpc.Error:
		return e
	case error:
		return &rpc.Error{Message: e.Error()}
	default:
		return &rpc.Error{Message: fmt.Sprint(v)}
	}
}

// Send emits a result-carrying Response through the data callback.
func (b *Backend) Send(id string, result any) {
	resp, err := rpc.NewResponse(id, result)
	if err != nil {
		b.SendError(id, toError(err))
		return
	}
	b.emit(rpc.Message{Kind: rpc.KindResponse, Response: resp})
}

// SendError emits an error-carrying Response through the data callback.
func (b *Backend) SendError(id string, rerr *rpc.Error) {
	b.emit(rpc.Message{Kind: rpc.KindResponse, Response: rpc.NewErrorResponse(id, rerr)})
}

// Feed parses one raw inbound payload and routes it through the data
// callback. Malformed input is logged and dropped; the connection stays
// open.
func (b *Backend) Feed(raw []byte) {
	if b.life.State() == StateClosed {
		return
	}
	msg, err := rpc.ParseMessage(raw)
	if err != nil {
		b.logger.Warn("dropping unparseable message",
			zap.Error(err),
			zap.ByteString("raw", raw),
		)
		return
	}
	b.emit(msg)
}

func (b *Backend) emit(msg rpc.Message) {
	if b.life.State() == StateClosed {
		return
	}
	if b.callbacks.OnData != nil {
		b.callbacks.OnData(msg)
	}
}

// Fail surfaces a non-fatal transport fault.
func (b *Backend) Fail(err error) {
	if b.life.State() == StateClosed {
		return
	}
	b.logger.Warn("transport error", zap.Error(err))
	if b.callbacks.OnError != nil {
		b.callbacks.OnError(err)
	}
}

// Close makes the terminal transition and fires OnClose exactly once. The
// deferred request queue is dropped; rejecting their pending entries is the
// facade's job on OnClose.
func (b *Backend) Close(err error) {
	b.life.markClosing()
	if !b.life.markClosed() {
		return
	}
	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
	if b.callbacks.OnClose != nil {
		b.callbacks.OnClose(err)
	}
}

func cutMethod(method string) (category string, action string, found bool) {
	for i := 0; i < len(method); i++ {
		if method[i] == '/' {
			return method[:i], method[i+1:], true
		}
	}
	return method, "", false
}
