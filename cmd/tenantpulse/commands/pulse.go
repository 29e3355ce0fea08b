package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/am"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/internal/observability"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/sym"
)

// PulseCmd represents the pulse command - the tenant scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Manage the Pulse daemon (tenant job schedulers)",
	Long: sym.Pulse + ` Pulse daemon - per-tenant job queues and schedules.

The Pulse daemon provides:
- One job engine per tenant-org, created on first use
- LRU and idle eviction of schedulers (scheduler.max_schedulers, scheduler.ttl_minutes)
- Cron schedules and event-triggered job chains
- Graceful shutdown (in-flight jobs finish before exit)

Example:
  tenantpulse pulse start                 # Start daemon in foreground
  tenantpulse pulse start --warm acme/ops # Build a scheduler at startup`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Build tenant schedulers on demand and keep the most recent ones warm
- Sweep idle schedulers every scheduler.eviction_interval_seconds
- Apply max_schedulers and ttl_minutes changes from am.toml without restart
- Run until interrupted (Ctrl+C), then stop every scheduler`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().StringSlice("warm", nil, "tenant/org pairs to initialize at startup")
	PulseCmd.AddCommand(PulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	warm, _ := cmd.Flags().GetStringSlice("warm")

	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("pulse")

	shutdownTracing, err := observability.InitTracing("tenantpulse", cfg.Tracing.Exporter)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, cfg.Pulse.Worker, log)
	if err != nil {
		return err
	}

	for _, pair := range warm {
		tenantID, orgID := splitPair(pair)
		if _, err := schedulerFor(ctx, rt, tenantID, orgID); err != nil {
			log.Warnw("Failed to warm scheduler", logger.FieldTenantID, tenantID, logger.FieldOrgID, orgID, logger.FieldError, err)
		}
	}

	watcher := watchConfig(rt, log)

	pterm.Success.Printfln("%s Pulse daemon started", sym.Pulse)
	pterm.Printfln("  Mode: %s", cfg.Scheduler.Mode)
	pterm.Printfln("  Queue backend: %s", cfg.Pulse.QueueBackend)
	pterm.Printfln("  Max schedulers: %d", cfg.Scheduler.MaxSchedulers)
	pterm.Printfln("  Idle TTL: %v", cfg.Scheduler.TTL())
	pterm.Printfln("  Poll interval: %v", cfg.Pulse.PollInterval())
	pterm.Printfln("  Log level: %s", logger.LevelName(logger.Verbosity()))
	pterm.Printfln("\n%s Press Ctrl+C for graceful shutdown\n", sym.Pulse)

	sweepEvictions(ctx, rt, cfg.Scheduler.EvictionInterval())

	pterm.Info.Printfln("%s Initiating graceful shutdown...", sym.PulseClose)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	err = rt.Close(shutdownCtx)
	err = errors.CombineErrors(err, shutdownTracing(shutdownCtx))
	if err != nil {
		return errors.Wrap(err, "shutdown")
	}
	pterm.Success.Printfln("%s Pulse daemon stopped", sym.PulseClose)
	return nil
}

// sweepEvictions blocks until ctx is done, evicting idle schedulers on each tick.
func sweepEvictions(ctx context.Context, rt *runtime, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.manager.EvictExpired(ctx)
		}
	}
}

// watchConfig reapplies cache limits when the highest-precedence config file changes.
func watchConfig(rt *runtime, log *zap.SugaredLogger) *am.ConfigWatcher {
	files := am.LoadedFiles()
	if len(files) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(files[len(files)-1], logger.ComponentLogger("am"))
	if err != nil {
		log.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		rt.manager.Reconfigure(context.Background(), cfg.Scheduler.MaxSchedulers, cfg.Scheduler.TTL())
		return nil
	})
	watcher.Start()
	return watcher
}

// loadValidConfig loads and validates the merged configuration.
func loadValidConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}
