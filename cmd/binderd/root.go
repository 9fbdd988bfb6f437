package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/edgebinder/internal/config"
	"github.com/danmuck/edgebinder/internal/observability"
)

type serveOptions struct {
	configPath string
	socketPath string
	adminAddr  string
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binderd",
		Short: "edgebinder kernel daemon",
		Long:  "Hosts the binder kernel, serves it on a unix socket and publishes the service manager.",
	}
	cmd.AddCommand(newServeCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the kernel daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(opts)
			if err != nil {
				return err
			}
			observability.InitLogger("binderd")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "daemon config file (toml)")
	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "kernel socket path (overrides config)")
	cmd.Flags().StringVar(&opts.adminAddr, "admin", "", "admin HTTP listen address (overrides config)")
	return cmd
}

// resolveConfig loads the config file if one was given and applies flag
// overrides on top.
func resolveConfig(opts *serveOptions) (config.DaemonConfig, error) {
	cfg := config.DefaultDaemonConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadDaemonConfig(opts.configPath)
		if err != nil {
			return config.DaemonConfig{}, err
		}
		cfg = loaded
	}
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}
	if opts.adminAddr != "" {
		cfg.AdminAddr = opts.adminAddr
	}
	if err := config.ValidateDaemonConfig(cfg); err != nil {
		return config.DaemonConfig{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.DaemonConfig) error {
	d, err := NewDaemon(cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
