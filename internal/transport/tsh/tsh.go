// Package tsh drives the device API through its interactive shell over
// SSH. The shell is not a clean RPC channel: written commands are echoed
// back, JSON payloads arrive intermixed with prompt noise and split across
// reads, and writes must stay in lockstep with the echo boundary so the
// stripping state machine never desynchronizes.
package tsh

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/roomgrid/xapi/internal/backend"
	"github.com/roomgrid/xapi/internal/rpc"
)

// Methods forwarded to the wire; identical to the WebSocket set.
var wireMethods = []string{
	"xCommand",
	"xGet",
	"xSet",
	"xFeedback/Subscribe",
	"xFeedback/Unsubscribe",
}

// initSequence switches the remote shell from human text to structured
// JSON output. Sent through the same serialized write path as commands so
// the echo filter stays aligned.
var initSequence = [][]byte{
	[]byte("echo off\n"),
	[]byte("xPreferences OutputMode JSON\n"),
}

// Recorder captures raw shell traffic, used to validate boundary
// strategies against real device transcripts.
type Recorder interface {
	RecordInbound(chunk []byte)
	RecordOutbound(chunk []byte)
}

// Config carries the dial parameters for a shell session.
type Config struct {
	// Addr is host:port of the device's SSH endpoint.
	Addr     string
	Username string
	Password string
	// KeyPEM is optional private key material; used instead of the
	// password when set.
	KeyPEM []byte
	// HostKeyCallback defaults to accepting any host key, which matches
	// how these devices ship (self-signed identities).
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
	// Strategy overrides the echo boundary detection; defaults to
	// LineEcho.
	Strategy BoundaryStrategy
	// Recorder, when set, captures the raw stream for offline analysis.
	Recorder Recorder
}

type outgoing struct {
	data  []byte
	after func()
}

// Transport owns one SSH shell session and its backend.
type Transport struct {
	logger  *zap.Logger
	backend *backend.Backend

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	strategy BoundaryStrategy
	scanner  *Scanner
	recorder Recorder

	sendQ        chan outgoing
	echoResolved chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// Dial connects, authenticates, opens the shell channel and starts the
// mode-switch handshake. The backend reaches ready once the handshake's
// echo boundary resolves; requests issued earlier queue in order.
func Dial(ctx context.Context, cfg Config, callbacks backend.Callbacks, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg, err := sshClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("shell connecting", zap.String("addr", cfg.Addr), zap.String("user", cfg.Username))
	client, err := dialContext(ctx, cfg.Addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	strategy := cfg.Strategy
	if strategy == nil {
		strategy = NewLineEcho()
	}

	t := &Transport{
		logger:       logger,
		client:       client,
		session:      session,
		stdin:        stdin,
		stdout:       stdout,
		strategy:     strategy,
		scanner:      NewScanner(),
		recorder:     cfg.Recorder,
		sendQ:        make(chan outgoing, 32),
		echoResolved: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	t.backend = backend.New(callbacks, logger)
	for _, method := range wireMethods {
		t.backend.Register(method, t.passthrough)
	}

	go t.readLoop()
	go t.writeLoop()

	for i, line := range initSequence {
		out := outgoing{data: line}
		if i == len(initSequence)-1 {
			out.after = func() {
				logger.Info("shell handshake complete", zap.String("addr", cfg.Addr))
				t.backend.MarkReady()
			}
		}
		t.sendQ <- out
	}
	return t, nil
}

func sshClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(cfg.KeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}

	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}, nil
}

// dialContext honors ctx cancellation during the TCP+SSH handshake; the
// x/crypto client itself only takes an absolute timeout.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		ch <- result{client: client, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// Backend returns the backend bound to this session.
func (t *Transport) Backend() *backend.Backend {
	return t.backend
}

// passthrough renders a request in shell command syntax and enqueues it.
// The write loop serializes it against the echo boundary; the response
// arrives later through the read loop.
func (t *Transport) passthrough(req rpc.Request, _ func(result any)) error {
	data, err := marshalRequest(req)
	if err != nil {
		return err
	}
	select {
	case t.sendQ <- outgoing{data: data}:
		return nil
	case <-t.done:
		return backend.ErrClosed
	}
}

// writeLoop is the only writer to the shell. It never issues the next
// command before the previous command's echo boundary has resolved; that
// keeps the echo filter synchronized with command order.
func (t *Transport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case out := <-t.sendQ:
			t.strategy.Expect(out.data)
			// Drop any stale boundary signal from idle traffic.
			select {
			case <-t.echoResolved:
			default:
			}

			if t.recorder != nil {
				t.recorder.RecordOutbound(out.data)
			}
			if _, err := t.stdin.Write(out.data); err != nil {
				t.closeWith(fmt.Errorf("shell write: %w", err))
				return
			}

			select {
			case <-t.echoResolved:
			case <-t.done:
				return
			}
			if out.after != nil {
				out.after()
			}
		}
	}
}

func (t *Transport) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.stdout.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if t.recorder != nil {
				t.recorder.RecordInbound(chunk)
			}
			payload, resolved := t.strategy.Filter(chunk)
			if resolved {
				select {
				case t.echoResolved <- struct{}{}:
				default:
				}
			}
			for _, obj := range t.scanner.Scan(payload) {
				t.backend.Feed(obj)
			}
		}
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("shell disconnected: %w", err)
			}
			t.closeWith(err)
			return
		}
	}
}

// Close tears the session down. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeWith(nil)
	return nil
}

func (t *Transport) closeWith(err error) {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.session.Close()
		_ = t.client.Close()
		t.backend.Close(err)
	})
}
