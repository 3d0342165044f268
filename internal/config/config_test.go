package config

import "testing"

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("defaults must validate cleanly: %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad schema version", func(c *Config) { c.SchemaVersion = "2" }},
		{"empty node id", func(c *Config) { c.NodeID = "" }},
		{"zero event queue size", func(c *Config) { c.Runtime.MaxEventQueueSize = 0 }},
		{"negative idle eviction", func(c *Config) { c.Runtime.TenantIdleEvictionMs = -1 }},
		{"zero run timeout", func(c *Config) { c.Runtime.RunTimeoutMs = 0 }},
		{"negative grace", func(c *Config) { c.Runtime.RunTimeoutGraceMs = -1 }},
		{"negative max lock hold", func(c *Config) { c.Runtime.RunTimeoutMaxLockHoldMs = -1 }},
		{"bad tenant override run budget", func(c *Config) {
			zero := 0
			c.Runtime.TenantOverrides = map[string]TenantOverride{"t1": {MaxRunsPerHour: &zero}}
		}},
		{"negative charge tokens", func(c *Config) { c.Runtime.RunTimeoutChargeTokens = -1 }},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }},
		{"durable enabled no path", func(c *Config) {
			c.Audit.DurableEnabled = true
			c.Audit.DBPath = ""
		}},
		{"admin socket enabled no path", func(c *Config) {
			c.AdminSocket.Enabled = true
			c.AdminSocket.SocketPath = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			if err := Validate(&cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTenantOverridesFallBackToDefaults(t *testing.T) {
	cfg := Defaults()
	maxRuns := 5
	cfg.Runtime.TenantOverrides = map[string]TenantOverride{
		"t1": {MaxRunsPerHour: &maxRuns},
	}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	budgets := cfg.TenantBudgets()
	lim, ok := budgets["t1"]
	if !ok {
		t.Fatalf("expected t1 in resolved tenant budgets")
	}
	if lim.MaxRunsPerHour != 5 {
		t.Fatalf("expected overridden max runs per hour, got %d", lim.MaxRunsPerHour)
	}
	if lim.MaxTokensPerDay != cfg.Runtime.DefaultMaxTokensPerDay {
		t.Fatalf("expected unset field to fall back to default, got %d", lim.MaxTokensPerDay)
	}

	circuits := cfg.TenantCircuits()
	if _, ok := circuits["t1"]; !ok {
		t.Fatalf("expected t1 in resolved tenant circuits even with no circuit override fields set")
	}
	if circuits["t1"].FailureThreshold != cfg.Runtime.DefaultCircuitFailureThreshold {
		t.Fatalf("expected circuit defaults to carry through for t1")
	}

	if _, ok := budgets["t2"]; ok {
		t.Fatalf("expected tenant with no override to be absent from the resolved map")
	}
}

func TestReconsiderNonDestructiveLeavesDestructiveFieldsAlone(t *testing.T) {
	cur := Defaults()
	next := Defaults()
	next.Runtime.HeartbeatIntervalMs = 5000
	next.Runtime.DefaultMaxRunsPerHour = 999
	next.Observability.LogLevel = "debug"

	if !Destructive(&cur, &next) {
		t.Fatalf("expected heartbeat interval change to be flagged destructive")
	}

	ReconsiderNonDestructive(&cur, &next)
	if cur.Runtime.HeartbeatIntervalMs == next.Runtime.HeartbeatIntervalMs {
		t.Fatalf("heartbeat interval must not be reconsidered live")
	}
	if cur.Runtime.DefaultMaxRunsPerHour != 999 {
		t.Fatalf("expected non-destructive field to be applied")
	}
	if cur.Observability.LogLevel != "debug" {
		t.Fatalf("expected log level to be applied")
	}
}
