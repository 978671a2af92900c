package slotr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/slotr/internal/config"
	"github.com/loykin/slotr/internal/history"
	histfactory "github.com/loykin/slotr/internal/history/factory"
	"github.com/loykin/slotr/internal/logstore"
	"github.com/loykin/slotr/internal/manager"
	"github.com/loykin/slotr/internal/metrics"
	"github.com/loykin/slotr/internal/process"
	iapi "github.com/loykin/slotr/internal/server"
	"github.com/loykin/slotr/internal/store"
	itls "github.com/loykin/slotr/internal/tls"
	storefactory "github.com/loykin/slotr/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = manager.Status

type StartResult = manager.StartResult

type StopResult = manager.StopResult

type TailResult = manager.TailResult

type Config = cfg.Config

type SlotConfig = cfg.SlotConfig

type HistorySink = history.Sink

type RouterOptions = iapi.Options

var (
	ErrUnknownSlot    = manager.ErrUnknownSlot
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrEmptyCommand   = process.ErrEmptyCommand
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// App owns the stores, history sinks and slot manager built from a Config.
type App struct {
	cfg   *Config
	log   *slog.Logger
	logs  *logstore.Store
	state store.Store
	sinks []history.Sink
	// sinks built from [history]; extra sinks belong to the caller
	owned []history.Sink
	mgr   *manager.Manager
}

// Open builds an App and corrects running records left by a previous process.
// extraSinks are used in addition to the configured [history] sinks.
func Open(ctx context.Context, c *Config, logger *slog.Logger, extraSinks ...HistorySink) (*App, error) {
	if c == nil {
		return nil, errors.New("slotr: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logs, err := logstore.New(c.Logs.Dir, c.LogLimits())
	if err != nil {
		return nil, err
	}
	st, err := storefactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("state schema: %w", err)
	}
	a := &App{cfg: c, log: logger, logs: logs, state: st}
	for _, dsn := range c.History.Sinks {
		s, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		a.owned = append(a.owned, s)
	}
	a.sinks = append(append(a.sinks, a.owned...), extraSinks...)

	genv, err := c.GlobalEnv()
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.mgr, err = manager.New(manager.Options{
		Slots:  c.ManagerSlots(),
		Logs:   logs,
		State:  st,
		Sinks:  a.sinks,
		Env:    genv,
		Grace:  c.Runner.GracePeriod,
		Logger: logger,
	})
	if err != nil {
		a.closeStores()
		return nil, err
	}
	n, err := a.mgr.Reconcile(ctx)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	if n > 0 {
		logger.Warn("corrected stale slot state from previous run", "slots", n)
	}
	return a, nil
}

// Manager exposes the slot manager for embedding.
func (a *App) Manager() *manager.Manager { return a.mgr }

func (a *App) Start(ctx context.Context, slot string, s Spec) (StartResult, error) {
	return a.mgr.Start(ctx, slot, s)
}
func (a *App) Stop(ctx context.Context, slot string) (StopResult, error) { return a.mgr.Stop(ctx, slot) }
func (a *App) Status(ctx context.Context, slot string) (Status, error) {
	return a.mgr.Status(ctx, slot, false)
}
func (a *App) StatusAll(ctx context.Context) ([]Status, error) { return a.mgr.StatusAll(ctx) }
func (a *App) Tail(ctx context.Context, slot string, n int) (TailResult, error) {
	return a.mgr.Tail(ctx, slot, n)
}
func (a *App) ReadAll(slot string) ([]byte, error) { return a.mgr.ReadAll(slot) }

// Handler returns the HTTP API configured from [server], for mounting in any mux.
func (a *App) Handler() http.Handler {
	return iapi.NewRouter(a.mgr, a.cfg.Server.BasePath, a.routerOptions()).Handler()
}

// Router returns the router so callers can mount its routes on their own gin engine.
func (a *App) Router(opts RouterOptions) *iapi.Router {
	if opts.Logger == nil {
		opts.Logger = a.log
	}
	return iapi.NewRouter(a.mgr, a.cfg.Server.BasePath, opts)
}

func (a *App) routerOptions() RouterOptions {
	return RouterOptions{
		Username: a.cfg.Server.Username,
		Password: a.cfg.Server.Password,
		Metrics:  true,
		Logger:   a.log,
	}
}

// Serve runs the HTTP API on [server].listen until ctx is done, sampling
// process usage in the background.
func (a *App) Serve(ctx context.Context) error {
	if err := RegisterMetricsDefault(); err != nil {
		return err
	}
	go a.mgr.RunUsageSampler(ctx, a.cfg.Runner.UsageInterval)
	tlsCfg, err := itls.Setup(a.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv := iapi.NewServer(a.cfg.Server.Listen, iapi.NewRouter(a.mgr, a.cfg.Server.BasePath, a.routerOptions()))
	srv.TLSConfig = tlsCfg
	a.log.Info("http server listening", "addr", a.cfg.Server.Listen, "base_path", a.cfg.Server.BasePath, "tls", tlsCfg != nil)
	return iapi.Serve(ctx, srv, a.cfg.Server.ShutdownTimeout)
}

// Close stops every slot, waits for pending history events and closes the
// stores and the configured history sinks. Sinks passed to Open stay open.
func (a *App) Close(ctx context.Context) error {
	err := a.mgr.Shutdown(ctx)
	a.closeStores()
	return err
}

func (a *App) closeStores() {
	for _, s := range a.owned {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.log.Warn("close history sink", "error", err)
			}
		}
	}
	if err := a.state.Close(); err != nil {
		a.log.Warn("close state store", "error", err)
	}
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
