package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/config"
	"github.com/danmuck/edgebinder/internal/kernel"
	"github.com/danmuck/edgebinder/internal/logging"
	"github.com/danmuck/edgebinder/internal/protocol/session"
	"github.com/danmuck/edgebinder/internal/servicemanager"
	"github.com/danmuck/edgebinder/internal/transport"
)

const shutdownGrace = 3 * time.Second

// Daemon is one binderd instance: a kernel, the socket server that attaches
// processes to it, the in-kernel service manager and the admin router.
type Daemon struct {
	cfg     config.DaemonConfig
	kernel  *kernel.Kernel
	server  *transport.Server
	smProc  *binder.Process
	manager *servicemanager.Manager
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger
}

func NewDaemon(cfg config.DaemonConfig) (*Daemon, error) {
	k := kernel.New(cfg.KernelConfig())
	ep, err := k.Open("servicemanager", int32(os.Getpid()))
	if err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("attach servicemanager: %w", err)
	}
	proc := binder.New(binder.Config{Name: "servicemanager"}, ep)
	m, err := servicemanager.New(proc, servicemanager.DefaultConfig())
	if err != nil {
		_ = k.Close()
		return nil, err
	}
	d := &Daemon{
		cfg:     cfg,
		kernel:  k,
		server:  transport.NewServer(k, session.DefaultConfig()),
		smProc:  proc,
		manager: m,
		started: time.Now(),
		log:     logging.Logger("binderd"),
	}
	d.router = d.newRouter()
	return d, nil
}

func (d *Daemon) Router() *gin.Engine { return d.router }

func (d *Daemon) Kernel() *kernel.Kernel { return d.kernel }

// Run serves until ctx is done or a server fails, then tears down the
// service manager, the kernel and the socket file.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := listenUnix(d.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer d.teardown()

	if err := d.smProc.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if err := d.manager.Publish(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("publish servicemanager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.server.Serve(gctx, ln)
	})
	if d.cfg.AdminAddr != "" {
		srv := &http.Server{Addr: d.cfg.AdminAddr, Handler: d.router, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	d.log.Info().
		Str("socket", d.cfg.SocketPath).
		Str("admin", d.cfg.AdminAddr).
		Msg("binderd serving")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) teardown() {
	d.manager.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := d.smProc.Shutdown(ctx); err != nil {
		d.log.Warn().Err(err).Msg("servicemanager shutdown")
	}
	if err := d.kernel.Close(); err != nil {
		d.log.Warn().Err(err).Msg("kernel close")
	}
	if err := os.Remove(d.cfg.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log.Warn().Err(err).Msg("remove socket")
	}
	d.log.Info().Msg("binderd stopped")
}

// listenUnix binds path, replacing a socket file left by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("socket path %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return ln, nil
}
