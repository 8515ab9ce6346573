// Command sai-server is the single-authority coordinator: it holds the
// global and per-event databases, matches waiting tasks to connected
// builders, and serves both the builder WebSocket link and the web bridge.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"go.skia.org/sai/go/sklog"
	"go.skia.org/sai/sai/config"
	"go.skia.org/sai/sai/eventdb"
	"go.skia.org/sai/sai/httpapi"
	"go.skia.org/sai/sai/leases"
	"go.skia.org/sai/sai/metrics"
	"go.skia.org/sai/sai/notify"
	"go.skia.org/sai/sai/registry"
	"go.skia.org/sai/sai/scheduler"
	"go.skia.org/sai/sai/taskstore"
)

var (
	configDir string
	logMask   string
)

func main() {
	root := &cobra.Command{
		Use:   "sai-server",
		Short: "Sai's central coordinator: event/task store, scheduler, builder and web links",
		RunE:  run,
	}
	root.Flags().StringVarP(&configDir, "config-dir", "c", ".", "directory containing conf")
	root.Flags().StringVarP(&logMask, "log-mask", "d", "", "debug log mask (unused by the zap-backed logger, kept for CLI compatibility)")

	if err := root.Execute(); err != nil {
		sklog.Fatalf("sai-server: %s", err)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	global, err := taskstore.OpenGlobal(ctx, filepath.Join(cfg.Home, "sai-events.sqlite3"))
	if err != nil {
		return err
	}
	defer global.Close()

	buildMetrics, err := taskstore.OpenBuildMetrics(ctx, filepath.Join(cfg.Home, "sai-build-metrics.sqlite3"))
	if err != nil {
		return err
	}
	defer buildMetrics.Close()

	pool := eventdb.New(cfg.Home, "sai")
	defer pool.Close()

	store := taskstore.New(global, buildMetrics, pool)
	logs := taskstore.NewLogCoalescer(store)
	defer logs.Stop()

	promReg := metrics.New(prometheus.DefaultRegisterer)

	reg := registry.New(global.DB)
	reg.SetMetrics(promReg)
	links := httpapi.NewBuilderLinks()
	hub := notify.New()

	budgets, err := config.ParseResources(cfg.Resources)
	if err != nil {
		return err
	}
	mgr := leases.New(budgets, links.ForwardResourceGrant)

	sched := scheduler.New(store, reg, links, hub)
	sched.SetMetrics(promReg)
	go sched.Run(ctx)
	defer sched.Stop()

	srv := httpapi.New(httpapi.Deps{
		Store:     store,
		Registry:  reg,
		Scheduler: sched,
		Leases:    mgr,
		Logs:      logs,
		Hub:       hub,
		Links:     links,
	})

	addr := cfg.Host
	if addr == "" {
		addr = ":8080"
	}
	sklog.Infof("sai-server: listening on %s", addr)
	return srv.Start(addr)
}
