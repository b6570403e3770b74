package matrix

import "strings"

// Labels of the synthetic steps spliced into the process flow.
const (
	ConsultPrefix = "Consult "
	ApprovePrefix = "Approve "
	InformPrefix  = "Inform "
)

// ChainLabel returns the step label for a role's consult, approve or inform
// obligation. Other codes have no step and yield "".
func ChainLabel(code Code, role string) string {
	switch code {
	case Consulted:
		return ConsultPrefix + role
	case Accountable:
		return ApprovePrefix + role
	case Informed:
		return InformPrefix + role
	}
	return ""
}

// IsChainName reports whether name follows the synthetic step convention.
// Such names are never treated as source tasks.
func IsChainName(name string) bool {
	_, _, ok := ParseChainLabel(name)
	return ok
}

// ParseChainLabel splits a step label into its code and role.
func ParseChainLabel(name string) (Code, string, bool) {
	for _, p := range []struct {
		prefix string
		code   Code
	}{
		{ConsultPrefix, Consulted},
		{ApprovePrefix, Accountable},
		{InformPrefix, Informed},
	} {
		if role, ok := strings.CutPrefix(name, p.prefix); ok && strings.TrimSpace(role) != "" {
			return p.code, role, true
		}
	}
	return 0, "", false
}

// ChainCodes lists the codes that produce flow steps, in splice order.
func ChainCodes() []Code {
	return []Code{Consulted, Accountable, Informed}
}
