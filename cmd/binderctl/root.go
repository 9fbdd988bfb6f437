package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/config"
	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/parcel"
	"github.com/danmuck/edgebinder/internal/protocol/session"
	"github.com/danmuck/edgebinder/internal/servicemanager"
	"github.com/danmuck/edgebinder/internal/transport"
)

const defaultService = "edge.counter"

// rootOptions holds the flags every subcommand shares.
type rootOptions struct {
	configPath string
	socketPath string
	name       string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "binderctl",
		Short: "edgebinder demo client",
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "process config file (toml)")
	cmd.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "kernel socket path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.name, "name", "", "process name (overrides config)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "per-call timeout (overrides config)")

	cmd.AddCommand(newServeCounterCommand(opts))
	cmd.AddCommand(newCallCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newConfigCommand())
	return cmd
}

func (o *rootOptions) resolve(defaultName string) (config.ProcessConfig, error) {
	cfg := config.DefaultProcessConfig()
	cfg.Name = defaultName
	if o.configPath != "" {
		loaded, err := config.LoadProcessConfig(o.configPath)
		if err != nil {
			return config.ProcessConfig{}, err
		}
		cfg = loaded
	}
	if o.socketPath != "" {
		cfg.SocketPath = o.socketPath
	}
	if o.name != "" {
		cfg.Name = o.name
	}
	if o.timeout > 0 {
		cfg.CallTimeout = o.timeout
	}
	if err := config.ValidateProcessConfig(cfg); err != nil {
		return config.ProcessConfig{}, err
	}
	return cfg, nil
}

// attach dials the daemon and starts a process on the connection. The
// returned stop shuts the process down.
func attach(ctx context.Context, cfg config.ProcessConfig) (*binder.Process, func(), error) {
	c, err := transport.Dial(ctx, cfg.SocketPath, session.Hello{
		Name:       cfg.Name,
		MaxThreads: cfg.MaxThreads,
	}, session.DefaultConfig())
	if err != nil {
		return nil, nil, err
	}
	p := binder.New(cfg.BinderConfig(), c)
	if err := p.Start(ctx); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	stop := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(sctx)
	}
	return p, stop, nil
}

func callContext(ctx context.Context, cfg config.ProcessConfig) (context.Context, context.CancelFunc) {
	if cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.CallTimeout)
}

func newServeCounterCommand(opts *rootOptions) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:          "serve-counter",
		Short:        "Register a counter object and serve it until interrupted",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve("counter")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, shutdown, err := attach(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			obj := &counter{}
			s := p.NewStub(obj)
			defer s.Release()
			callCtx, cancel := callContext(ctx, cfg)
			err = servicemanager.Add(callCtx, p, service, s)
			cancel()
			if err != nil {
				return fmt.Errorf("register %s: %w", service, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s\n", service)

			<-ctx.Done()
			fmt.Fprintf(cmd.OutOrStdout(), "served %d calls, total %d\n", obj.calls.Load(), obj.total.Load())
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", defaultService, "service name to register")
	return cmd
}

func newCallCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "call [service] [delta]",
		Short:        "Add delta to a counter service and print its total",
		Args:         cobra.MaximumNArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			service := defaultService
			if len(args) > 0 {
				service = args[0]
			}
			delta := int64(1)
			if len(args) > 1 {
				v, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid delta %q: %w", args[1], err)
				}
				delta = v
			}
			cfg, err := opts.resolve("binderctl")
			if err != nil {
				return err
			}
			p, shutdown, err := attach(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			ctx, cancel := callContext(cmd.Context(), cfg)
			defer cancel()
			b, err := servicemanager.Get(ctx, p, service)
			if err != nil {
				return err
			}
			defer binder.Release(b)

			data := parcel.Get()
			defer binder.Recycle(data)
			if err := data.WriteInt64(delta); err != nil {
				return err
			}
			reply, err := b.Transact(ctx, codeIncrement, data, true)
			if err != nil {
				return fmt.Errorf("call %s: %w", service, err)
			}
			defer binder.Recycle(reply)
			total, err := reply.ReadInt64()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %d\n", service, total)
			return nil
		},
	}
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List registered services",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve("binderctl")
			if err != nil {
				return err
			}
			p, shutdown, err := attach(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			ctx, cancel := callContext(cmd.Context(), cfg)
			defer cancel()
			names, err := servicemanager.List(ctx, p)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
