// Package rules holds the general admission rule set: named, pure
// predicates over a single admission request. Rules are independent of
// each other and order-insensitive; the evaluator unions their deny
// reasons. A rule that cannot determine applicability for an unexpected
// object shape abstains rather than failing the request.
package rules

import (
	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/config"
)

// Family groups rules for reporting and metrics.
type Family string

const (
	FamilyPrivileges Family = "privileges"
	FamilyContainers Family = "containers"
	FamilyVolumes    Family = "volumes"
	FamilyEnv        Family = "env"
	FamilyImages     Family = "images"
	FamilyResources  Family = "resources"
	FamilyConnect    Family = "connect"
	FamilyLockdown   Family = "lockdown"
)

// Rule is a pure function from an admission request to zero or more
// deny reasons. Applies gates evaluation by resource kind and
// operation; Check must be side-effect-free and total.
type Rule struct {
	Name    string
	Family  Family
	Applies func(req *admission.Request) bool
	Check   func(req *admission.Request) []string
}

// Policy constants for the chutes platform. Fixed at build time:
// these values are the deployed policy, not configuration.
const (
	// RestrictedNamespace is the tenant workload namespace under the
	// strictest rules.
	RestrictedNamespace = "chutes"

	// ChuteLabel marks the namespace's first-class workload type. Only
	// Pods may carry it; any other kind doing so is an impersonation
	// attempt.
	ChuteLabel      = "chutes/chute"
	ChuteLabelValue = "true"

	// InitContainerName and InitContainerImagePrefix identify the single
	// init container permitted to run as root.
	InitContainerName        = "chutes-init"
	InitContainerImagePrefix = "parachutes/"

	// AgentContainerName is the only container allowed to override the
	// image entrypoint, and only with AgentCommandPrefix.
	AgentContainerName = "chutes-agent"

	// HostPathAllowedPrefix is the only host filesystem subtree broadly
	// mountable; HostPathPinnedPath is additionally allowed for
	// chute-labelled workloads inside the restricted namespace.
	HostPathAllowedPrefix = "/cache"
	HostPathPinnedPath    = "/var/lib/chutes"
)

// AgentCommandPrefix is the required leading tokens of an agent
// container command override. Arguments beyond the prefix are free.
var AgentCommandPrefix = []string{"chutes-agent", "run"}

// workloadRule is the shared applicability gate for rules that inspect
// pod specs: only CREATE/UPDATE of a decodable workload kind qualifies.
// DELETE never reaches these rules, so a delete decision can never
// depend on stored spec state.
func workloadRule(req *admission.Request) bool {
	return req.Workload != nil && req.Workload.PodSpec != nil
}

// All returns the full general rule set for the given configuration.
// The slice order is fixed and only affects reason ordering, never the
// allow/deny outcome.
func All(cfg *config.Config) []Rule {
	return []Rule{
		runAsUserRule(),
		runAsNonRootRule(),
		impersonationRule(),
		commandOverrideRule(),
		capabilitiesRule(),
		privilegedRule(),
		hostNamespaceRule(),
		privilegeEscalationRule(),
		resourceLimitsRule(cfg),
		hostPathRule(),
		envAllowlistRule(),
		imageRegistryRule(cfg),
		connectRule(cfg),
	}
}
