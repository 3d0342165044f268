// Package main — cmd/agentrun/main.go
//
// agentrun agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/agentrun/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the durable audit sink (BoltDB) if enabled; always wire the
//     in-memory sink. Only the durable copy is hash-chained; every sink
//     is fanned out through one Emitter.
//  4. Start the Prometheus metrics server.
//  5. Build the tenant store, kill switch, budget evaluator, and executor.
//  6. Start the scheduler (heartbeat, consumer, idle evictor).
//  7. Start the admin Unix-socket control surface, if enabled.
//  8. Register a SIGHUP handler for config hot-reload. The handler
//     updates the loaded Config value only; the running scheduler and
//     the logger keep the budget, circuit and log-level values they were
//     built with at startup.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to scheduler, admin socket, metrics).
//  2. Stop the scheduler (waits for its goroutines to return).
//  3. Close the durable audit sink.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure at startup: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowreflex/agentrun/internal/adminsock"
	"github.com/flowreflex/agentrun/internal/audit"
	"github.com/flowreflex/agentrun/internal/breaker"
	"github.com/flowreflex/agentrun/internal/budget"
	"github.com/flowreflex/agentrun/internal/clock"
	"github.com/flowreflex/agentrun/internal/config"
	"github.com/flowreflex/agentrun/internal/executor"
	"github.com/flowreflex/agentrun/internal/killswitch"
	"github.com/flowreflex/agentrun/internal/observability"
	"github.com/flowreflex/agentrun/internal/scheduler"
	"github.com/flowreflex/agentrun/internal/ssrf"
	"github.com/flowreflex/agentrun/internal/tenant"
)

func main() {
	configPath := flag.String("config", "/etc/agentrun/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("agentrun %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("agentrun starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := []audit.Sink{audit.NewMemorySink(1000)}
	var boltSink *audit.BoltSink
	if cfg.Audit.DurableEnabled {
		boltSink, err = audit.OpenBoltSink(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
		if err != nil {
			log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.Audit.DBPath))
		}
		defer boltSink.Close() //nolint:errcheck
		log.Info("audit ledger opened", zap.String("path", cfg.Audit.DBPath))

		if pruned, err := boltSink.PruneOld(); err != nil {
			log.Warn("audit ledger pruning failed", zap.Error(err))
		} else {
			log.Info("audit ledger pruned", zap.Int("deleted", pruned))
		}
		// Chain-hash only the durable copy: the in-memory sink is a
		// best-effort debugging aid, the ledger is what an operator
		// verifies for tamper evidence.
		sinks = append(sinks, audit.NewChainSink(boltSink))
	}

	metrics := observability.NewMetrics()
	sinks = append(sinks, observability.NewAuditSink(metrics))
	emitter := audit.NewEmitter(log, sinks...)

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	tenants := tenant.NewStore()
	kill := killswitch.New()
	budgetEv := budget.New()

	// The SSRF classifier is constructed here from config and handed to
	// whatever observation.Source implementations the deployment registers
	// (HTTP-fetch sources consult it before dialing a tenant-supplied URL).
	// agentrun ships no first-party observation source, so it is otherwise
	// unused by this binary.
	_ = ssrf.New(ssrf.Options{
		AllowPrivateNetworks: cfg.SSRF.AllowPrivateNetworks,
		CacheTTL:             msToDuration(cfg.SSRF.CacheTTLMs),
		CacheMaxEntries:      cfg.SSRF.CacheMaxEntries,
	})

	ex := executor.New(noopProvider{}, tenants, budgetEv, kill, emitter, nil, nil, log)

	sched := scheduler.New(
		scheduler.Config{
			HeartbeatInterval: msToDuration(cfg.Runtime.HeartbeatIntervalMs),
			MaxEventQueueSize: cfg.Runtime.MaxEventQueueSize,
			TenantIdleEvict:   msToDuration(cfg.Runtime.TenantIdleEvictionMs),
		},
		scheduler.BudgetAndCircuitConfig{
			Budget: budget.Limits{
				MaxRunsPerHour:  cfg.Runtime.DefaultMaxRunsPerHour,
				MaxTokensPerDay: cfg.Runtime.DefaultMaxTokensPerDay,
			},
			Circuit: breaker.Config{
				FailureThreshold: cfg.Runtime.DefaultCircuitFailureThreshold,
				CooldownMs:       cfg.Runtime.DefaultCircuitCooldownMs,
			},
			Exec: executor.Config{
				RunTimeoutMs:            cfg.Runtime.RunTimeoutMs,
				RunTimeoutGraceMs:       cfg.Runtime.RunTimeoutGraceMs,
				RunTimeoutMaxLockHoldMs: cfg.Runtime.RunTimeoutMaxLockHoldMs,
				RunTimeoutChargeTokens:  cfg.Runtime.RunTimeoutChargeTokens,
			},
			TenantBudgets:  tenantIDBudgets(cfg.TenantBudgets()),
			TenantCircuits: tenantIDCircuits(cfg.TenantCircuits()),
		},
		tenants, ex, nil, clock.System{}, nil, log,
	)
	sched.Start(ctx)
	metrics.RegisterScheduler(sched)
	log.Info("scheduler started")

	var adminSrv *adminsock.Server
	if cfg.AdminSocket.Enabled {
		adminSrv = adminsock.NewServer(
			cfg.AdminSocket.SocketPath,
			cfg.AdminSocket.MaxConnections,
			tenants, kill, emitter,
			breaker.Config{
				FailureThreshold: cfg.Runtime.DefaultCircuitFailureThreshold,
				CooldownMs:       cfg.Runtime.DefaultCircuitCooldownMs,
			},
			log,
		)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				log.Error("admin socket server error", zap.Error(err))
			}
		}()
		log.Info("admin socket listening", zap.String("path", cfg.AdminSocket.SocketPath))
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			if config.Destructive(cfg, newCfg) {
				log.Warn("config reload contains destructive changes — restart required to apply them",
					zap.String("heartbeat_interval_ms_current", fmt.Sprint(cfg.Runtime.HeartbeatIntervalMs)),
					zap.String("heartbeat_interval_ms_new", fmt.Sprint(newCfg.Runtime.HeartbeatIntervalMs)),
				)
			}
			config.ReconsiderNonDestructive(cfg, newCfg)
			log.Info("config hot-reload applied (non-destructive fields only)",
				zap.Int("new_max_runs_per_hour", cfg.Runtime.DefaultMaxRunsPerHour),
				zap.Int64("new_max_tokens_per_day", cfg.Runtime.DefaultMaxTokensPerDay),
			)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	sched.Stop()

	log.Info("agentrun shutdown complete")
}

// noopProvider is the default RunProvider wired when no real model backend
// is configured. Operators replace this with their own executor.RunProvider
// implementation at embed time; agentrun ships no first-party provider.
type noopProvider struct{}

func (noopProvider) Run(ctx context.Context, rc executor.RunContext) (executor.RunOutcome, error) {
	<-ctx.Done()
	return executor.RunOutcome{}, ctx.Err()
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// tenantIDBudgets re-keys a string-keyed tenant budget map onto
// tenant.TenantID, the type the scheduler indexes by.
func tenantIDBudgets(in map[string]budget.Limits) map[tenant.TenantID]budget.Limits {
	out := make(map[tenant.TenantID]budget.Limits, len(in))
	for id, lim := range in {
		out[tenant.TenantID(id)] = lim
	}
	return out
}

// tenantIDCircuits re-keys a string-keyed tenant circuit map onto
// tenant.TenantID, mirroring tenantIDBudgets.
func tenantIDCircuits(in map[string]breaker.Config) map[tenant.TenantID]breaker.Config {
	out := make(map[tenant.TenantID]breaker.Config, len(in))
	for id, cfg := range in {
		out[tenant.TenantID(id)] = cfg
	}
	return out
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
