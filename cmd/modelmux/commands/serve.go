package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/dispatch"
	"github.com/modelmux/modelmux/pkg/engine"
	"github.com/modelmux/modelmux/pkg/health"
	"github.com/modelmux/modelmux/pkg/observability/logging"
	"github.com/modelmux/modelmux/pkg/observability/metrics"
	"github.com/modelmux/modelmux/pkg/ratelimit"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/routing"
	"github.com/modelmux/modelmux/pkg/store"
	"github.com/modelmux/modelmux/pkg/synclock"
	"github.com/modelmux/modelmux/pkg/upstream"
)

// NewServeCmd creates the serve command: build the engine and run until
// SIGINT/SIGTERM.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing engine",
		Long: `Load the configuration, seed the model registry from the catalog,
and run the engine with its metrics endpoint until terminated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), configPath)
		},
	}
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Logging.Level); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logging.Sync()

	kv, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer kv.Close()

	reg := registry.New()
	if cfg.CatalogPath != "" {
		entries, err := registry.LoadCatalogFile(cfg.CatalogPath)
		if err != nil {
			return err
		}
		if err := reg.Swap(entries); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	tracker := health.NewTracker(health.Config{
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         cfg.Health.Cooldown(),
		MaxCooldown:      cfg.Health.MaxCooldown(),
	})
	var persister *health.Persister
	if cfg.Health.Persist {
		persister = health.NewPersister(kv)
		tracker.SetPersister(persister)
		defer persister.Stop()
	}

	limiter := ratelimit.NewEvaluator(cfg.RateLimit, kv, cfg.Store.OpTimeout())
	planner := routing.NewPlanner(reg, tracker)
	caller := upstream.NewCaller(cfg.Upstream.APIKeys)
	executor := dispatch.NewExecutor(caller, tracker, cfg.Dispatch.AttemptTimeout())

	eng := engine.New(limiter, planner, executor,
		cfg.Dispatch.DefaultDeadline(), engine.DefaultInterceptors()...)

	locks := synclock.NewManager(kv, cfg.Store.OpTimeout(), cfg.SyncLock.DefaultLease())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go locks.RunSweeper(ctx, cfg.SyncLock.SweepInterval())
	go serveOps(ctx, cfg.Metrics.Address, kv, reg)
	go serveGateway(ctx, cfg.Gateway.Address, eng)

	logging.Infof("modelmux serving: %d models, store backend=%s", reg.Len(), cfg.Store.Backend)
	<-ctx.Done()
	logging.Infof("shutting down")
	return nil
}

// serveOps exposes the operational endpoints: Prometheus metrics, a store
// liveness probe, and the active model list.
func serveOps(ctx context.Context, addr string, kv store.KVStore, reg *registry.Registry) {
	if addr == "" {
		addr = ":9190"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := kv.Ping(pingCtx); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reg.Models())
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infof("ops server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Errorf("ops server error: %v", err)
	}
}
