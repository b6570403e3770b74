package reconcile

import (
	"errors"

	"github.com/rmax-ai/raciflow/pkg/validation"
)

// Result summarises one reconciliation pass.
type Result struct {
	RolesCreated    int      `json:"roles_created"`
	Assignments     int      `json:"assignments"`
	ChainNodes      int      `json:"chain_nodes"`
	GatewaysCreated int      `json:"gateways_created"`
	ElementsRemoved int      `json:"elements_removed"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`

	// Error is set when the pass could not run at all.
	Error string `json:"error,omitempty"`

	// Validation is set when the validity gate ran.
	Validation *validation.Result `json:"validation,omitempty"`

	Causes []error `json:"-"`
}

func newResult() Result {
	return Result{Errors: []string{}, Warnings: []string{}}
}

// OK reports whether the pass ran and recorded no errors.
func (r Result) OK() bool {
	return r.Error == "" && len(r.Errors) == 0
}

// Blocked reports whether the validity gate stopped the pass.
func (r Result) Blocked() bool {
	return r.Validation != nil && !r.Validation.IsValid
}

// HasCause reports whether any recorded cause matches target.
func (r Result) HasCause(target error) bool {
	for _, c := range r.Causes {
		if errors.Is(c, target) {
			return true
		}
	}
	return false
}

func (r *Result) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
	r.Causes = append(r.Causes, err)
}

func (r *Result) addWarning(err error) {
	r.Warnings = append(r.Warnings, err.Error())
	r.Causes = append(r.Causes, err)
}

func (r *Result) fail(err error) {
	r.Error = err.Error()
	r.Causes = append(r.Causes, err)
}
