package xapi

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/roomgrid/xapi/internal/config"
	"github.com/roomgrid/xapi/internal/transport/tsh"
	"github.com/roomgrid/xapi/internal/transport/wsocket"
)

// DefaultDialTimeout bounds the transport handshake in Connect.
const DefaultDialTimeout = 10 * time.Second

type connectOptions struct {
	callbacks Callbacks
	recorder  tsh.Recorder
}

// ConnectOption customizes Connect.
type ConnectOption func(*connectOptions)

// WithCallbacks surfaces lifecycle events to the application.
func WithCallbacks(cb Callbacks) ConnectOption {
	return func(o *connectOptions) { o.callbacks = cb }
}

// WithRecorder captures raw shell traffic on tsh connections; ignored for
// WebSocket connections, whose framing needs no transcript analysis.
func WithRecorder(rec tsh.Recorder) ConnectOption {
	return func(o *connectOptions) { o.recorder = rec }
}

// Connect dials the transport selected by cfg.Protocol and returns a bound
// client. The connection may still be completing its handshake; requests
// issued before ready are queued in order.
func Connect(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...ConnectOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var options connectOptions
	for _, opt := range opts {
		opt(&options)
	}

	client := New(logger, options.callbacks)

	switch cfg.Protocol {
	case config.ProtocolWebSocket:
		transport, err := wsocket.Dial(ctx, wsocket.Config{
			URL:              cfg.WebSocketURL(),
			Username:         cfg.Username,
			Password:         cfg.Password,
			SkipTLSVerify:    !cfg.TLSVerify,
			HandshakeTimeout: DefaultDialTimeout,
		}, client.Callbacks(), logger)
		if err != nil {
			return nil, err
		}
		client.Bind(transport)
	case config.ProtocolShell:
		var keyPEM []byte
		if cfg.SSHKeyPath != "" {
			data, err := os.ReadFile(cfg.SSHKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read ssh key: %w", err)
			}
			keyPEM = data
		}
		transport, err := tsh.Dial(ctx, tsh.Config{
			Addr:        cfg.SSHAddr(),
			Username:    cfg.Username,
			Password:    cfg.Password,
			KeyPEM:      keyPEM,
			DialTimeout: DefaultDialTimeout,
			Recorder:    options.recorder,
		}, client.Callbacks(), logger)
		if err != nil {
			return nil, err
		}
		client.Bind(transport)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
	return client, nil
}
