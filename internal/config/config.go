// Package config provides configuration loading, validation, and hot-reload
// for the agentrun runtime.
//
// Configuration file: /etc/agentrun/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (tenant budgets, circuit
//     thresholds, log level). Heartbeat interval is destructive.
//   - Destructive changes (heartbeat interval, admin socket path, audit
//     DB path) require a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced per field.
//   - Invalid config on startup: process refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowreflex/agentrun/internal/breaker"
	"github.com/flowreflex/agentrun/internal/budget"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for agentrun.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this process in logs and audit entries.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Runtime configures the scheduler, executor, and tenant defaults.
	Runtime RuntimeConfig `yaml:"runtime"`

	// SSRF configures the outbound-observation-source classifier.
	SSRF SSRFConfig `yaml:"ssrf"`

	// Audit configures the audit sink(s).
	Audit AuditConfig `yaml:"audit"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// AdminSocket configures the optional operator control surface.
	AdminSocket AdminSocketConfig `yaml:"admin_socket"`
}

// RuntimeConfig holds scheduler/executor/tenant operational parameters.
// Field names follow spec.md §6's configuration table.
type RuntimeConfig struct {
	// HeartbeatIntervalMs is the scheduler tick period. Destructive on
	// reload (requires restart). Default: 1000.
	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms"`

	// MaxEventQueueSize bounds the coalescing event queue. When full, the
	// oldest queued event is dropped to admit the newest. Default: 100.
	MaxEventQueueSize int `yaml:"max_event_queue_size"`

	// TenantIdleEvictionMs is how long a tenant may sit with no activity
	// before its in-memory state is evicted. Default: 3600000 (1h).
	TenantIdleEvictionMs int64 `yaml:"tenant_idle_eviction_ms"`

	// RunTimeoutMs bounds a single provider invocation. Default: 30000.
	RunTimeoutMs int64 `yaml:"run_timeout_ms"`

	// RunTimeoutGraceMs is the extra time granted to a provider that
	// ignores context cancellation before the per-tenant lock is force
	// released. Default: 5000.
	RunTimeoutGraceMs int64 `yaml:"run_timeout_grace_ms"`

	// RunTimeoutMaxLockHoldMs bounds how long the per-tenant lock is held
	// past the original timeout before it is force-released, even if
	// RunTimeoutGraceMs is longer. Default: equal to RunTimeoutGraceMs.
	RunTimeoutMaxLockHoldMs int64 `yaml:"run_timeout_max_lock_hold_ms"`

	// RunTimeoutChargeTokens is charged against the tenant's token budget
	// when a run is force-released after exceeding its grace period.
	// Default: 0.
	RunTimeoutChargeTokens int64 `yaml:"run_timeout_charge_tokens"`

	// DefaultMaxRunsPerHour is the per-tenant sliding-window run budget
	// used when a tenant has no explicit override. Default: 60.
	DefaultMaxRunsPerHour int `yaml:"default_max_runs_per_hour"`

	// DefaultMaxTokensPerDay is the per-tenant sliding-window token budget
	// used when a tenant has no explicit override. Default: 1000000.
	DefaultMaxTokensPerDay int64 `yaml:"default_max_tokens_per_day"`

	// DefaultCircuitFailureThreshold is the number of consecutive run
	// failures that opens a tenant's circuit breaker. Default: 5.
	DefaultCircuitFailureThreshold int `yaml:"default_circuit_failure_threshold"`

	// DefaultCircuitCooldownMs is how long a tenant's circuit stays open
	// before a run is again allowed to probe recovery. Default: 60000.
	DefaultCircuitCooldownMs int64 `yaml:"default_circuit_cooldown_ms"`

	// TenantOverrides holds per-tenant budget/circuit overrides, keyed by
	// tenant id. A tenant absent from this map, or an override field left
	// nil, falls back to the Default* values above. Default: empty.
	TenantOverrides map[string]TenantOverride `yaml:"tenant_overrides"`
}

// TenantOverride holds one tenant's budget/circuit-breaker overrides.
// Every field is optional; an unset field falls back to the runtime's
// Default* value.
type TenantOverride struct {
	MaxRunsPerHour          *int   `yaml:"max_runs_per_hour"`
	MaxTokensPerDay         *int64 `yaml:"max_tokens_per_day"`
	CircuitFailureThreshold *int   `yaml:"circuit_failure_threshold"`
	CircuitCooldownMs       *int64 `yaml:"circuit_cooldown_ms"`
}

// SSRFConfig configures the observation-source URL classifier.
type SSRFConfig struct {
	// AllowPrivateNetworks permits structural/resolved classification to
	// pass private, loopback, and link-local addresses. Intended only for
	// local development. Default: false.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`

	// CacheTTLMs is how long a classification verdict is cached per URL.
	// Default: 300000 (5m).
	CacheTTLMs int64 `yaml:"cache_ttl_ms"`

	// CacheMaxEntries bounds the classifier's verdict cache. Default: 10000.
	CacheMaxEntries int `yaml:"cache_max_entries"`
}

// AuditConfig configures the audit sink(s).
type AuditConfig struct {
	// DurableEnabled turns on the BoltDB-backed durable sink in addition
	// to the always-on in-memory best-effort sink. Default: false.
	DurableEnabled bool `yaml:"durable_enabled"`

	// DBPath is the absolute path to the BoltDB audit ledger.
	// Default: /var/lib/agentrun/audit.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// AdminSocketConfig holds the optional operator control-surface parameters.
type AdminSocketConfig struct {
	// Enabled controls whether the admin socket is active. Default: true.
	Enabled bool `yaml:"enabled"`

	// SocketPath is the Unix domain socket path. Permissions: 0600.
	// Default: /run/agentrun/admin.sock.
	SocketPath string `yaml:"socket_path"`

	// MaxConnections bounds concurrent admin-socket clients. Default: 4.
	MaxConnections int `yaml:"max_connections"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Runtime: RuntimeConfig{
			HeartbeatIntervalMs:            1000,
			MaxEventQueueSize:              100,
			TenantIdleEvictionMs:           int64(time.Hour / time.Millisecond),
			RunTimeoutMs:                   30000,
			RunTimeoutGraceMs:              5000,
			RunTimeoutMaxLockHoldMs:        5000,
			RunTimeoutChargeTokens:         0,
			DefaultMaxRunsPerHour:          60,
			DefaultMaxTokensPerDay:         1000000,
			DefaultCircuitFailureThreshold: 5,
			DefaultCircuitCooldownMs:       60000,
		},
		SSRF: SSRFConfig{
			AllowPrivateNetworks: false,
			CacheTTLMs:           int64(5 * time.Minute / time.Millisecond),
			CacheMaxEntries:      10000,
		},
		Audit: AuditConfig{
			DurableEnabled: false,
			DBPath:         DefaultDBPath,
			RetentionDays:  30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		AdminSocket: AdminSocketConfig{
			Enabled:        true,
			SocketPath:     "/run/agentrun/admin.sock",
			MaxConnections: 4,
		},
	}
}

// DefaultDBPath is the default audit ledger location.
const DefaultDBPath = "/var/lib/agentrun/audit.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	r := cfg.Runtime
	if r.HeartbeatIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("runtime.heartbeat_interval_ms must be >= 1, got %d", r.HeartbeatIntervalMs))
	}
	if r.MaxEventQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("runtime.max_event_queue_size must be >= 1, got %d", r.MaxEventQueueSize))
	}
	if r.TenantIdleEvictionMs < 0 {
		errs = append(errs, fmt.Sprintf("runtime.tenant_idle_eviction_ms must be >= 0, got %d", r.TenantIdleEvictionMs))
	}
	if r.RunTimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("runtime.run_timeout_ms must be >= 1, got %d", r.RunTimeoutMs))
	}
	if r.RunTimeoutGraceMs < 0 {
		errs = append(errs, fmt.Sprintf("runtime.run_timeout_grace_ms must be >= 0, got %d", r.RunTimeoutGraceMs))
	}
	if r.RunTimeoutChargeTokens < 0 {
		errs = append(errs, fmt.Sprintf("runtime.run_timeout_charge_tokens must be >= 0, got %d", r.RunTimeoutChargeTokens))
	}
	if r.DefaultMaxRunsPerHour < 1 {
		errs = append(errs, fmt.Sprintf("runtime.default_max_runs_per_hour must be >= 1, got %d", r.DefaultMaxRunsPerHour))
	}
	if r.DefaultMaxTokensPerDay < 1 {
		errs = append(errs, fmt.Sprintf("runtime.default_max_tokens_per_day must be >= 1, got %d", r.DefaultMaxTokensPerDay))
	}
	if r.DefaultCircuitFailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("runtime.default_circuit_failure_threshold must be >= 1, got %d", r.DefaultCircuitFailureThreshold))
	}
	if r.DefaultCircuitCooldownMs < 0 {
		errs = append(errs, fmt.Sprintf("runtime.default_circuit_cooldown_ms must be >= 0, got %d", r.DefaultCircuitCooldownMs))
	}
	if r.RunTimeoutMaxLockHoldMs < 0 {
		errs = append(errs, fmt.Sprintf("runtime.run_timeout_max_lock_hold_ms must be >= 0, got %d", r.RunTimeoutMaxLockHoldMs))
	}
	for id, o := range r.TenantOverrides {
		if o.MaxRunsPerHour != nil && *o.MaxRunsPerHour < 1 {
			errs = append(errs, fmt.Sprintf("runtime.tenant_overrides[%s].max_runs_per_hour must be >= 1, got %d", id, *o.MaxRunsPerHour))
		}
		if o.MaxTokensPerDay != nil && *o.MaxTokensPerDay < 1 {
			errs = append(errs, fmt.Sprintf("runtime.tenant_overrides[%s].max_tokens_per_day must be >= 1, got %d", id, *o.MaxTokensPerDay))
		}
		if o.CircuitFailureThreshold != nil && *o.CircuitFailureThreshold < 1 {
			errs = append(errs, fmt.Sprintf("runtime.tenant_overrides[%s].circuit_failure_threshold must be >= 1, got %d", id, *o.CircuitFailureThreshold))
		}
		if o.CircuitCooldownMs != nil && *o.CircuitCooldownMs < 0 {
			errs = append(errs, fmt.Sprintf("runtime.tenant_overrides[%s].circuit_cooldown_ms must be >= 0, got %d", id, *o.CircuitCooldownMs))
		}
	}

	if cfg.SSRF.CacheTTLMs < 0 {
		errs = append(errs, fmt.Sprintf("ssrf.cache_ttl_ms must be >= 0, got %d", cfg.SSRF.CacheTTLMs))
	}
	if cfg.SSRF.CacheMaxEntries < 1 {
		errs = append(errs, fmt.Sprintf("ssrf.cache_max_entries must be >= 1, got %d", cfg.SSRF.CacheMaxEntries))
	}

	if cfg.Audit.DurableEnabled {
		if cfg.Audit.DBPath == "" {
			errs = append(errs, "audit.db_path must not be empty when audit.durable_enabled is true")
		}
		if cfg.Audit.RetentionDays < 1 {
			errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
		}
	}

	if cfg.AdminSocket.Enabled {
		if cfg.AdminSocket.SocketPath == "" {
			errs = append(errs, "admin_socket.socket_path must not be empty when admin_socket.enabled is true")
		}
		if cfg.AdminSocket.MaxConnections < 1 {
			errs = append(errs, fmt.Sprintf("admin_socket.max_connections must be >= 1, got %d", cfg.AdminSocket.MaxConnections))
		}
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json|console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// TenantBudgets resolves the per-tenant run/token budgets, merging each
// tenant's override (if any) onto the runtime-wide defaults. Only
// tenants present in Runtime.TenantOverrides are returned — a tenant
// absent from the result uses the caller's own runtime-wide default
// budget.Limits.
func (c *Config) TenantBudgets() map[string]budget.Limits {
	out := make(map[string]budget.Limits, len(c.Runtime.TenantOverrides))
	for id, o := range c.Runtime.TenantOverrides {
		lim := budget.Limits{
			MaxRunsPerHour:  c.Runtime.DefaultMaxRunsPerHour,
			MaxTokensPerDay: c.Runtime.DefaultMaxTokensPerDay,
		}
		if o.MaxRunsPerHour != nil {
			lim.MaxRunsPerHour = *o.MaxRunsPerHour
		}
		if o.MaxTokensPerDay != nil {
			lim.MaxTokensPerDay = *o.MaxTokensPerDay
		}
		out[id] = lim
	}
	return out
}

// TenantCircuits resolves the per-tenant circuit breaker configuration,
// merging each tenant's override (if any) onto the runtime-wide
// defaults. Only tenants present in Runtime.TenantOverrides are
// returned, mirroring TenantBudgets.
func (c *Config) TenantCircuits() map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(c.Runtime.TenantOverrides))
	for id, o := range c.Runtime.TenantOverrides {
		cfg := breaker.Config{
			FailureThreshold: c.Runtime.DefaultCircuitFailureThreshold,
			CooldownMs:       c.Runtime.DefaultCircuitCooldownMs,
		}
		if o.CircuitFailureThreshold != nil {
			cfg.FailureThreshold = *o.CircuitFailureThreshold
		}
		if o.CircuitCooldownMs != nil {
			cfg.CooldownMs = *o.CircuitCooldownMs
		}
		out[id] = cfg
	}
	return out
}

// ReconsiderNonDestructive applies the non-destructive fields of next onto
// cur in place: tenant budget/circuit defaults and log level. Destructive
// fields (heartbeat interval, socket paths, audit DB path) are left
// untouched — the caller logs a warning when it detects those differ so an
// operator knows a restart is required to pick them up.
func ReconsiderNonDestructive(cur *Config, next *Config) {
	cur.Runtime.DefaultMaxRunsPerHour = next.Runtime.DefaultMaxRunsPerHour
	cur.Runtime.DefaultMaxTokensPerDay = next.Runtime.DefaultMaxTokensPerDay
	cur.Runtime.DefaultCircuitFailureThreshold = next.Runtime.DefaultCircuitFailureThreshold
	cur.Runtime.DefaultCircuitCooldownMs = next.Runtime.DefaultCircuitCooldownMs
	cur.Runtime.TenantOverrides = next.Runtime.TenantOverrides
	cur.Observability.LogLevel = next.Observability.LogLevel
}

// Destructive reports whether any destructive-on-reload field differs
// between cur and next.
func Destructive(cur *Config, next *Config) bool {
	return cur.Runtime.HeartbeatIntervalMs != next.Runtime.HeartbeatIntervalMs ||
		cur.AdminSocket.SocketPath != next.AdminSocket.SocketPath ||
		cur.Audit.DBPath != next.Audit.DBPath ||
		cur.Observability.MetricsAddr != next.Observability.MetricsAddr
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
