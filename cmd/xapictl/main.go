package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roomgrid/xapi/internal/config"
	"github.com/roomgrid/xapi/internal/logger"
	"github.com/roomgrid/xapi/internal/storage"
	"github.com/roomgrid/xapi/pkg/xapi"
)

type rootFlags struct {
	configPath string
	host       string
	protocol   string
	username   string
	password   string
	sshKey     string
	port       int
	recordDir  string
}

func (f *rootFlags) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file path (or set XAPI_* env vars)")
	pf.StringVar(&f.host, "host", "", "device host name or address")
	pf.StringVar(&f.protocol, "protocol", "", "transport protocol: ws or tsh")
	pf.StringVar(&f.username, "username", "", "device user name")
	pf.StringVar(&f.password, "password", "", "device password")
	pf.StringVar(&f.sshKey, "ssh-key", "", "private key file for tsh connections")
	pf.IntVar(&f.port, "port", 0, "device port (defaults per protocol)")
	pf.StringVar(&f.recordDir, "record", "", "directory to record a wire transcript into")
}

// load merges the config file with flag overrides. Flags win.
func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.protocol != "" {
		cfg.Protocol = f.protocol
	}
	if f.username != "" {
		cfg.Username = f.username
	}
	if f.password != "" {
		cfg.Password = f.password
	}
	if f.sshKey != "" {
		cfg.SSHKeyPath = f.sshKey
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	return cfg, cfg.Validate()
}

// session holds everything one CLI invocation needs to talk to the device.
type session struct {
	client   *xapi.Client
	log      *zap.Logger
	recorder *storage.TranscriptRecorder
}

func (f *rootFlags) connect(ctx context.Context) (*session, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("session", uuid.NewString()))

	opts := []xapi.ConnectOption{}
	var recorder *storage.TranscriptRecorder
	if f.recordDir != "" {
		recorder, err = storage.NewTranscriptRecorder(f.recordDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, xapi.WithRecorder(recorder))
	}

	client, err := xapi.Connect(ctx, cfg, log, opts...)
	if err != nil {
		if recorder != nil {
			_ = recorder.Close()
		}
		return nil, err
	}
	if recorder != nil {
		fmt.Fprintf(os.Stderr, "recording transcript to %s\n", recorder.Path())
	}
	return &session{client: client, log: log, recorder: recorder}, nil
}

func (s *session) close() {
	_ = s.client.Close()
	if s.recorder != nil {
		_ = s.recorder.Close()
	}
	_ = s.log.Sync()
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}

// parseParams turns key=value arguments into command parameters. Values that
// parse as JSON keep their type; everything else stays a string.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", arg)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			params[key] = typed
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func newCommandCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "command <path> [key=value...]",
		Short: "Run an xCommand and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			s, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.client.Command(ctx, args[0], params)
			if err != nil {
				return err
			}
			var decoded any
			if err := json.Unmarshal(result, &decoded); err != nil {
				return err
			}
			return printJSON(decoded)
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <path>",
		Short: "Read a status document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			var decoded any
			if err := json.Unmarshal(result, &decoded); err != nil {
				return err
			}
			return printJSON(decoded)
		},
	}
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config <path> [value]",
		Short: "Read a configuration value, or write it when a value is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			if len(args) == 2 {
				var value any
				if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
					value = args[1]
				}
				return s.client.SetConfig(ctx, args[0], value)
			}

			result, err := s.client.Config(ctx, args[0])
			if err != nil {
				return err
			}
			var decoded any
			if err := json.Unmarshal(result, &decoded); err != nil {
				return err
			}
			return printJSON(decoded)
		},
	}
}

func newFeedbackCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <path>",
		Short: "Subscribe to feedback events and print them until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			events := make(chan map[string]any, 64)
			unsubscribe, err := s.client.Feedback(ctx, args[0], func(params map[string]any) {
				select {
				case events <- params:
				default:
					s.log.Warn("dropping feedback event, printer is behind")
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				// Fresh context: the subscribe context is already canceled
				// by the time the deferred unsubscribe runs.
				dctx, dcancel := context.WithTimeout(context.Background(), xapi.DefaultDialTimeout)
				defer dcancel()
				_ = unsubscribe(dctx)
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case params := <-events:
					b, err := json.Marshal(params)
					if err != nil {
						return err
					}
					if _, err := os.Stdout.Write(append(b, '\n')); err != nil {
						return err
					}
				}
			}
		},
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:           "xapictl",
		Short:         "Control a collaboration device over its JSON API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.bind(cmd)
	cmd.AddCommand(newCommandCmd(&flags))
	cmd.AddCommand(newStatusCmd(&flags))
	cmd.AddCommand(newConfigCmd(&flags))
	cmd.AddCommand(newFeedbackCmd(&flags))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xapictl: %v\n", err)
		os.Exit(1)
	}
}
