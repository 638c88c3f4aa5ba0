package policy

import (
	"strings"

	"github.com/parachutes/chutes-admission/internal/config"
)

// Decision is the evaluator's output for one admission request.
type Decision struct {
	// Allowed is the verdict. Reasons is non-empty iff Allowed is
	// false.
	Allowed bool
	Reasons []string

	// Warnings records violations that did not block the request
	// because the namespace is in warn mode. The guard never produces
	// warnings: its violations always land in Reasons.
	Warnings []string

	// Mode is the enforcement mode that was applied.
	Mode config.Mode

	// ViolatedFamilies lists the rule families that produced at least
	// one violation, warn-mode ones included. Deduplicated, in registry
	// order.
	ViolatedFamilies []string
}

// Message joins the deny reasons for the admission response status.
func (d Decision) Message() string {
	return strings.Join(d.Reasons, "; ")
}
