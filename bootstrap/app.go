// Package bootstrap assembles the engine: configuration, logging, the
// playbook store, the ledger backend, the action registry, the event
// source, and the HTTP endpoints, plus signal-driven lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sentinel/config"
	"sentinel/events"
	"sentinel/ledger"
	"sentinel/metrics"
	"sentinel/playbook"
	"sentinel/service"
	"sentinel/soar"
)

// ErrNoUsablePlaybooks marks a startup abort because the playbook
// directory could not be loaded or yielded zero valid playbooks.
var ErrNoUsablePlaybooks = errors.New("no usable playbooks")

// App holds the assembled engine components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store      *playbook.Store
	Ledger     ledger.Ledger
	Dispatcher *soar.Dispatcher
	Source     events.Source
	Emitter    events.Emitter
	Runner     *service.Runner

	httpServer *http.Server
}

// RunOptions carries the CLI flags into app assembly.
type RunOptions struct {
	PlaybooksDir string
	SourceURI    string
	DryRunAll    bool
	Once         bool
}

// NewApp builds the application. Configuration or playbook validation
// failures return an error without starting anything.
func NewApp(ctx context.Context, opts RunOptions) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if opts.PlaybooksDir != "" {
		cfg.Playbooks.Dir = opts.PlaybooksDir
	}
	if opts.SourceURI != "" {
		cfg.Source.URI = opts.SourceURI
	}
	if opts.DryRunAll {
		cfg.SOAR.DryRunAll = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, Sugar: sugar}
	sugar.Info("Sentinel SOAR engine starting...")

	// Playbooks load before anything else; an empty or invalid
	// directory is a startup failure, not a runtime one.
	store := playbook.NewStore(cfg.Playbooks.Dir, sugar)
	loaded, skipped, err := store.Reload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoUsablePlaybooks, err)
	}
	for _, verr := range skipped {
		sugar.Warnw("Playbook skipped",
			"file", verr.File,
			"playbook_id", verr.PlaybookID,
			"reason", verr.Reason)
	}
	if loaded == 0 {
		return nil, fmt.Errorf("%w: no valid playbooks in %s", ErrNoUsablePlaybooks, cfg.Playbooks.Dir)
	}
	metrics.PlaybookReloads.WithLabelValues("ok").Inc()
	sugar.Infof("Loaded %d playbooks from %s (%d skipped)", loaded, cfg.Playbooks.Dir, len(skipped))
	app.Store = store

	if app.Ledger, err = buildLedger(cfg, sugar); err != nil {
		return nil, err
	}

	app.Dispatcher = buildDispatcher(cfg, sugar)
	app.Source, app.Emitter = buildSource(cfg, sugar)

	app.Runner = service.NewRunner(service.Options{
		Store:        app.Store,
		Ledger:       app.Ledger,
		Dispatcher:   app.Dispatcher,
		Source:       app.Source,
		Emitter:      app.Emitter,
		Logger:       sugar,
		QueueSize:    cfg.Queue.Size,
		LossyQueue:   cfg.Queue.Lossy,
		PollInterval: cfg.Source.PollInterval,
		DrainTimeout: cfg.SOAR.DrainTimeout,
		DryRunAll:    cfg.SOAR.DryRunAll,
		Once:         opts.Once,
	})

	return app, nil
}

func buildLedger(cfg *config.Config, sugar *zap.SugaredLogger) (ledger.Ledger, error) {
	var backend ledger.Ledger
	switch cfg.Ledger.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Ledger.Redis.Addr,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
			PoolSize: cfg.Ledger.Redis.PoolSize,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis ledger at %s: %w", cfg.Ledger.Redis.Addr, err)
		}
		backend = ledger.NewRedisLedger(client, cfg.Ledger.Retention, sugar)
		sugar.Infof("Execution ledger: redis at %s", cfg.Ledger.Redis.Addr)
	default:
		sqlite, err := ledger.NewSQLiteLedger(cfg.Ledger.SQLitePath, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to open execution ledger: %w", err)
		}
		backend = sqlite
	}

	cached, err := ledger.NewCachedLedger(backend, cfg.Ledger.ClaimCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize claim cache: %w", err)
	}
	return cached, nil
}

func buildDispatcher(cfg *config.Config, sugar *zap.SugaredLogger) *soar.Dispatcher {
	d := soar.NewDispatcher(cfg.SOAR.DispatchRatePerSecond, sugar)
	d.Register(soar.NewBlockIPAction(sugar, cfg.SOAR.FirewallEndpoint, cfg.SOAR.DestructiveActionsEnabled))
	d.Register(soar.NewTagDeviceAction(sugar, cfg.SOAR.InventoryEndpoint))
	d.Register(soar.NewNotifyAction(sugar, cfg.SOAR.NotifyChannels))
	d.Register(soar.NewCreateTicketAction(sugar, cfg.SOAR.TicketEndpoint))
	if cfg.SOAR.ScriptsDir != "" {
		d.Register(soar.NewRunScriptAction(sugar, cfg.SOAR.ScriptsDir, cfg.SOAR.ScriptTimeout))
	}
	return d
}

func buildSource(cfg *config.Config, sugar *zap.SugaredLogger) (events.Source, events.Emitter) {
	if strings.HasPrefix(cfg.Source.URI, "file://") {
		sugar.Infof("Event source: file %s", cfg.Source.URI)
		return events.NewFileSource(cfg.Source.URI, sugar), events.NopEmitter{}
	}
	sugar.Infof("Event source: loki at %s", cfg.Source.URI)
	return events.NewLokiSource(cfg.Source.URI, cfg.Source.Selector, sugar),
		events.NewLokiEmitter(cfg.Source.URI, sugar)
}

// Run starts the HTTP endpoints and the pipeline and blocks until a
// signal arrives, the source drains in once mode, or a fatal error
// occurs. SIGHUP reloads the playbook directory in place.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.startHTTP()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if !a.Config.Playbooks.ReloadOnSighup {
					continue
				}
				a.reloadPlaybooks()
			default:
				a.Sugar.Infof("Received %s, shutting down", sig)
				cancel()
				return
			}
		}
	}()

	go a.pruneLoop(ctx)

	err := a.Runner.Run(ctx)

	a.shutdownHTTP()
	if cerr := a.Ledger.Close(); cerr != nil {
		a.Sugar.Warnf("Failed to close ledger: %v", cerr)
	}
	_ = a.Logger.Sync()
	return err
}

// pruneLoop sweeps finalized ledger records past the retention window.
// Records still inside their cooldown survive the sweep regardless of
// age, so dedup suppression is never cut short by retention.
func (a *App) pruneLoop(ctx context.Context) {
	if a.Config.Ledger.Retention <= 0 || a.Config.Ledger.PruneInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.Config.Ledger.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Ledger.Prune(ctx, a.Config.Ledger.Retention)
			if err != nil {
				a.Sugar.Warnw("Ledger prune failed", "error", err)
				continue
			}
			if n > 0 {
				a.Sugar.Infof("Pruned %d ledger records past retention", n)
			}
		}
	}
}

// reloadPlaybooks swaps in a fresh snapshot. A reload that yields no
// valid playbooks keeps the previous snapshot.
func (a *App) reloadPlaybooks() {
	loaded, skipped, err := a.Store.Reload()
	if err != nil {
		metrics.PlaybookReloads.WithLabelValues("error").Inc()
		a.Sugar.Errorw("Playbook reload failed, keeping previous set", "error", err)
		return
	}
	for _, verr := range skipped {
		a.Sugar.Warnw("Playbook skipped on reload",
			"file", verr.File,
			"playbook_id", verr.PlaybookID,
			"reason", verr.Reason)
	}
	metrics.PlaybookReloads.WithLabelValues("ok").Inc()
	a.Sugar.Infof("Reloaded %d playbooks (%d skipped)", loaded, len(skipped))
}

func (a *App) startHTTP() {
	if a.Config.HTTP.Addr == "" {
		return
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","playbooks":%d}`, len(a.Store.Snapshot().Playbooks))
	}).Methods(http.MethodGet)

	a.httpServer = &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		a.Sugar.Infof("HTTP endpoints listening on %s", a.Config.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Sugar.Errorw("HTTP server failed", "error", err)
		}
	}()
}

func (a *App) shutdownHTTP() {
	if a.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.Sugar.Warnf("HTTP shutdown: %v", err)
	}
}
