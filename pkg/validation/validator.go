package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rmax-ai/raciflow/pkg/matrix"
)

// Issue is one rule violation.
type Issue struct {
	Rule     RuleID   `json:"rule"`
	Severity Severity `json:"severity"`
	Task     string   `json:"task,omitempty"`
	Role     string   `json:"role,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return i.Message
}

// Result is the outcome of validating a matrix.
type Result struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err returns a *ValidationError when the result is invalid.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return &ValidationError{Issues: r.Errors}
}

// ErrorsFor returns the blocking issues reported for task.
func (r Result) ErrorsFor(task string) []Issue {
	var out []Issue
	for _, issue := range r.Errors {
		if issue.Task == task {
			out = append(out, issue)
		}
	}
	return out
}

// ValidationError reports the blocking issues of a matrix.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Message)
	}
	return fmt.Sprintf("matrix invalid (%d error(s)): %s", len(e.Issues), strings.Join(msgs, "; "))
}

// Validator checks matrices against a rule Config.
// It is safe for concurrent use and can be reconfigured in place.
type Validator struct {
	mu      sync.RWMutex
	cfg     Config
	generic map[string]struct{}
	known   map[string]struct{}
}

// New creates a validator for cfg.
func New(cfg Config) *Validator {
	v := &Validator{}
	v.Update(cfg)
	return v
}

// Update swaps the rule set used by later Validate calls.
func (v *Validator) Update(cfg Config) {
	generic := make(map[string]struct{}, len(cfg.GenericRoles))
	for _, name := range cfg.GenericRoles {
		generic[normalize(name)] = struct{}{}
	}
	known := make(map[string]struct{}, len(cfg.KnownRoles))
	for _, name := range cfg.KnownRoles {
		known[name] = struct{}{}
	}

	v.mu.Lock()
	v.cfg, v.generic, v.known = cfg, generic, known
	v.mu.Unlock()
}

// NewDefault creates a validator with DefaultConfig.
func NewDefault() *Validator {
	return New(DefaultConfig())
}

// Config returns the rule set in use.
func (v *Validator) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// Validate checks every task and collects all issues. Tasks named like
// synthetic steps are skipped. An empty matrix is valid.
func (v *Validator) Validate(m *matrix.Matrix) Result {
	res := Result{Errors: []Issue{}, Warnings: []Issue{}}
	if m == nil {
		res.IsValid = true
		return res
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	flagged := make(map[string]struct{})
	for _, task := range m.Tasks() {
		if matrix.IsChainName(task) {
			continue
		}
		v.checkTask(m, task, flagged, &res)
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

func (v *Validator) checkTask(m *matrix.Matrix, task string, flagged map[string]struct{}, res *Result) {
	roles := m.Roles(task)
	if len(roles) == 0 {
		v.report(res, RuleNoAssignments, task, "",
			fmt.Sprintf("task %q has no assignments", task))
		return
	}

	responsible := m.RolesWith(task, matrix.Responsible)
	switch {
	case len(responsible) == 0:
		v.report(res, RuleMissingResponsible, task, "",
			fmt.Sprintf("task %q has no responsible role (R)", task))
	case len(responsible) > 1:
		v.report(res, RuleMultipleResponsible, task, "",
			fmt.Sprintf("task %q has %d responsible roles (%s); exactly one is required",
				task, len(responsible), strings.Join(responsible, ", ")))
	}

	if approvers := m.RolesWith(task, matrix.Accountable); len(approvers) > 1 {
		v.report(res, RuleMultipleApprovers, task, "",
			fmt.Sprintf("task %q has %d approvers (%s); at most one is allowed",
				task, len(approvers), strings.Join(approvers, ", ")))
	}

	for _, role := range roles {
		cell := m.Get(task, role)
		if cell.Len() > 1 {
			v.report(res, RuleCombinedCodes, task, role,
				fmt.Sprintf("role %q holds combined codes %q on task %q", role, cell.String(), task))
		}
		if cell.Has(matrix.Responsible) && cell.Has(matrix.Accountable) {
			v.report(res, RuleBindingOfDuties, task, role,
				fmt.Sprintf("role %q is both responsible and accountable on task %q", role, task))
		}

		if _, done := flagged[role]; done {
			continue
		}
		flagged[role] = struct{}{}
		if _, generic := v.generic[normalize(role)]; generic {
			v.report(res, RuleGenericRole, task, role,
				fmt.Sprintf("role %q is too generic; use a concrete role name", role))
		}
		if len(v.known) > 0 {
			if _, known := v.known[role]; !known {
				v.report(res, RuleUnknownRole, task, role,
					fmt.Sprintf("role %q is not defined in the organizational model", role))
			}
		}
	}
}

func (v *Validator) report(res *Result, id RuleID, task, role, msg string) {
	rc := v.cfg.Rule(id)
	if !rc.Enabled {
		return
	}
	issue := Issue{Rule: id, Severity: rc.Severity, Task: task, Role: role, Message: msg}
	if rc.Severity == SeverityError {
		res.Errors = append(res.Errors, issue)
		return
	}
	res.Warnings = append(res.Warnings, issue)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
