package validation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity decides whether an issue blocks reconciliation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// RuleID names a validation rule.
type RuleID string

const (
	RuleMissingResponsible  RuleID = "missing_responsible"
	RuleMultipleResponsible RuleID = "multiple_responsible"
	RuleMultipleApprovers   RuleID = "multiple_approvers"
	RuleNoAssignments       RuleID = "no_assignments"
	RuleGenericRole         RuleID = "generic_role"
	RuleCombinedCodes       RuleID = "combined_codes"
	RuleBindingOfDuties     RuleID = "binding_of_duties"
	RuleUnknownRole         RuleID = "unknown_role"
)

// RuleConfig toggles a rule and sets its severity.
type RuleConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Severity Severity `yaml:"severity" json:"severity"`
}

// Config is the full rule set used by a Validator.
type Config struct {
	Rules map[RuleID]RuleConfig `yaml:"rules" json:"rules"`

	// GenericRoles are names too vague to identify a real role. Compared
	// case-insensitively.
	GenericRoles []string `yaml:"generic_roles" json:"generic_roles"`

	// KnownRoles is the organizational role catalog. When empty the
	// unknown_role rule has nothing to check against and stays silent.
	KnownRoles []string `yaml:"known_roles" json:"known_roles"`
}

// DefaultGenericRoles are placeholder names people reach for before the
// organizational model is settled.
var DefaultGenericRoles = []string{
	"user", "person", "technician", "employee", "worker", "member",
	"operator", "staff", "personnel", "collaborator", "responsible",
	"supervisor", "coordinator", "manager", "officer",
}

// DefaultConfig returns the standard hard/soft split: responsibility and
// approver cardinality block, everything else warns.
func DefaultConfig() Config {
	generic := make([]string, len(DefaultGenericRoles))
	copy(generic, DefaultGenericRoles)
	return Config{
		Rules: map[RuleID]RuleConfig{
			RuleMissingResponsible:  {Enabled: true, Severity: SeverityError},
			RuleMultipleResponsible: {Enabled: true, Severity: SeverityError},
			RuleMultipleApprovers:   {Enabled: true, Severity: SeverityError},
			RuleNoAssignments:       {Enabled: true, Severity: SeverityWarning},
			RuleGenericRole:         {Enabled: true, Severity: SeverityWarning},
			RuleCombinedCodes:       {Enabled: true, Severity: SeverityWarning},
			RuleBindingOfDuties:     {Enabled: true, Severity: SeverityWarning},
			RuleUnknownRole:         {Enabled: true, Severity: SeverityWarning},
		},
		GenericRoles: generic,
	}
}

// WithRule returns a copy of c with one rule overridden.
func (c Config) WithRule(id RuleID, rc RuleConfig) Config {
	rules := make(map[RuleID]RuleConfig, len(c.Rules)+1)
	for k, v := range c.Rules {
		rules[k] = v
	}
	rules[id] = rc
	c.Rules = rules
	return c
}

// Rule returns the effective configuration for id. Unknown rules are
// disabled.
func (c Config) Rule(id RuleID) RuleConfig {
	rc, ok := c.Rules[id]
	if !ok {
		return RuleConfig{}
	}
	if rc.Severity == "" {
		rc.Severity = SeverityWarning
	}
	return rc
}

// fileConfig mirrors Config with optional fields so a rules file only needs
// to mention what it changes.
type fileConfig struct {
	Rules map[RuleID]struct {
		Enabled  *bool     `yaml:"enabled"`
		Severity *Severity `yaml:"severity"`
	} `yaml:"rules"`
	GenericRoles []string `yaml:"generic_roles"`
	KnownRoles   []string `yaml:"known_roles"`
}

// LoadConfig reads a YAML rules file and overlays it on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig overlays YAML rule settings on DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse rules: %w", err)
	}

	for id, override := range fc.Rules {
		rc, known := cfg.Rules[id]
		if !known {
			return Config{}, fmt.Errorf("unknown rule %q", id)
		}
		if override.Enabled != nil {
			rc.Enabled = *override.Enabled
		}
		if override.Severity != nil {
			switch *override.Severity {
			case SeverityError, SeverityWarning:
				rc.Severity = *override.Severity
			default:
				return Config{}, fmt.Errorf("rule %q: invalid severity %q", id, *override.Severity)
			}
		}
		cfg.Rules[id] = rc
	}
	if fc.GenericRoles != nil {
		cfg.GenericRoles = fc.GenericRoles
	}
	cfg.KnownRoles = fc.KnownRoles
	return cfg, nil
}
