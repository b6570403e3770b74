package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfig_OverlaysDefaults(t *testing.T) {
	data := []byte(`
rules:
  multiple_approvers:
    severity: warning
  generic_role:
    enabled: false
known_roles: [Writer, Reviewer]
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	rc := cfg.Rule(RuleMultipleApprovers)
	if !rc.Enabled || rc.Severity != SeverityWarning {
		t.Errorf("multiple_approvers = %+v, want enabled warning", rc)
	}
	if cfg.Rule(RuleGenericRole).Enabled {
		t.Errorf("generic_role should be disabled")
	}
	if rc := cfg.Rule(RuleMissingResponsible); !rc.Enabled || rc.Severity != SeverityError {
		t.Errorf("untouched rule lost its default: %+v", rc)
	}
	if len(cfg.GenericRoles) != len(DefaultGenericRoles) {
		t.Errorf("generic roles should keep defaults when not set")
	}
	if len(cfg.KnownRoles) != 2 {
		t.Errorf("expected 2 known roles, got %v", cfg.KnownRoles)
	}
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown rule":     "rules:\n  no_such_rule:\n    enabled: true\n",
		"invalid severity": "rules:\n  missing_responsible:\n    severity: fatal\n",
		"bad yaml":         "rules: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(body)); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("generic_roles: [intern]\n"), 0644); err != nil {
		t.Fatalf("failed to write rules: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if strings.Join(cfg.GenericRoles, ",") != "intern" {
		t.Errorf("unexpected generic roles %v", cfg.GenericRoles)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}
