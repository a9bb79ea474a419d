package config

import (
	"strings"
	"testing"
)

const sampleYAML = `
agents:
  - id: ContentAgent
    secret: content-secret
    risk: medium
  - id: OpsAgent
    secret: ops-secret
    risk: low
  - id: CommerceAgent
    secret: commerce-secret
    risk: high
server:
  port: "9090"
  admin_secret: hunter2
  workers: 2
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Agents) != 3 {
		t.Fatalf("got %d agents, want 3", len(cfg.Agents))
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Server.Workers)
	}

	// Unset settings fall back to defaults.
	if cfg.Server.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", cfg.Server.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Server.TimestampWindowSec != DefaultTimestampWindow {
		t.Errorf("TimestampWindowSec = %d, want default %d", cfg.Server.TimestampWindowSec, DefaultTimestampWindow)
	}
}

func TestParseRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"no agents",
			`server: {port: "8080"}`,
			"no agents",
		},
		{
			"missing id",
			"agents:\n  - secret: s\n    risk: low\n",
			"no id",
		},
		{
			"duplicate id",
			"agents:\n  - {id: A, secret: s, risk: low}\n  - {id: A, secret: t, risk: high}\n",
			"duplicate",
		},
		{
			"bad risk",
			"agents:\n  - {id: A, secret: s, risk: extreme}\n",
			"invalid risk",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg := NewRegistry(cfg)

	a, ok := reg.Lookup("CommerceAgent")
	if !ok {
		t.Fatal("CommerceAgent not found")
	}
	if a.Risk != RiskHigh {
		t.Errorf("Risk = %q, want high", a.Risk)
	}

	secret, known := reg.AgentSecret("OpsAgent")
	if !known || secret != "ops-secret" {
		t.Errorf("AgentSecret = (%q, %v), want (ops-secret, true)", secret, known)
	}
	if _, known := reg.AgentSecret("GhostAgent"); known {
		t.Error("unknown agent reported as known")
	}
}
