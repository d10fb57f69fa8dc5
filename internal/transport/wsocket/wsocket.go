// Package wsocket drives the device API over a WebSocket connection. The
// wire is message oriented: one JSON-RPC document per WebSocket message in
// both directions.
package wsocket

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomgrid/xapi/internal/backend"
	"github.com/roomgrid/xapi/internal/rpc"
)

// Methods forwarded to the wire by every live transport.
var wireMethods = []string{
	"xCommand",
	"xGet",
	"xSet",
	"xFeedback/Subscribe",
	"xFeedback/Unsubscribe",
}

// Config carries the dial parameters for a WebSocket session.
type Config struct {
	// URL is the full endpoint, e.g. wss://device.example.com/ws.
	URL      string
	Username string
	Password string
	// SkipTLSVerify disables certificate verification for devices with
	// self-signed certificates.
	SkipTLSVerify    bool
	HandshakeTimeout time.Duration
}

// Transport owns one WebSocket connection and its backend.
type Transport struct {
	logger  *zap.Logger
	backend *backend.Backend

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects, authenticates and returns a ready transport. The returned
// backend forwards wire methods to the socket and feeds inbound messages
// back through the supplied callbacks.
func Dial(ctx context.Context, cfg Config, callbacks backend.Callbacks, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is empty")
	}

	headers := http.Header{}
	if cfg.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.SkipTLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	logger.Info("websocket connecting", zap.String("url", cfg.URL))
	conn, _, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	conn.SetPingHandler(nil)

	t := &Transport{
		logger: logger,
		conn:   conn,
	}
	t.backend = backend.New(callbacks, logger)
	for _, method := range wireMethods {
		t.backend.Register(method, t.passthrough)
	}

	go t.readLoop()

	// A WebSocket session is command-ready as soon as the handshake
	// completes; there is no mode switch.
	t.backend.MarkReady()
	logger.Info("websocket connected", zap.String("url", cfg.URL))
	return t, nil
}

// Backend returns the backend bound to this connection.
func (t *Transport) Backend() *backend.Backend {
	return t.backend
}

// passthrough serializes a request as a single text message. The response
// arrives asynchronously through the read loop.
func (t *Transport) passthrough(req rpc.Request, _ func(result any)) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request %s: %w", req.ID, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write request %s: %w", req.ID, err)
	}
	return nil
}

func (t *Transport) readLoop() {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.closeWith(err)
			return
		}
		if msgType != websocket.TextMessage {
			t.backend.Fail(fmt.Errorf("unexpected websocket message type %d", msgType))
			continue
		}
		t.backend.Feed(data)
	}
}

// Close tears the connection down. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeWith(nil)
	return nil
}

func (t *Transport) closeWith(err error) {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
		t.backend.Close(err)
	})
}
