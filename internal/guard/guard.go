// Package guard holds the self-protection rule family: the rules that
// defend the admission system's own control objects. They are evaluated
// unconditionally, ignore per-namespace enforcement modes, and their
// deny cannot be suppressed by any configuration. This asymmetry is
// what keeps a workload-level foothold from disabling admission control
// itself.
package guard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	admissionv1 "k8s.io/api/admission/v1"
	admissionregv1 "k8s.io/api/admissionregistration/v1"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/config"
	"github.com/parachutes/chutes-admission/internal/rules"
)

const (
	// WebhookConfigName is the admission system's own registration
	// object.
	WebhookConfigName = "chutes-admission"

	// BootstrapIdentity is the only principal allowed to touch the
	// webhook registration, and only inside the bootstrap window.
	BootstrapIdentity = "system:serviceaccount:chutes-system:chutes-bootstrap"

	// ManagedCRDSuffix marks the platform's own CRDs, which stay
	// mutable for its controllers.
	ManagedCRDSuffix = ".chutes.ai"
)

// systemNameSuffixes identify the orchestrator's self-managed RBAC and
// CRD objects, which churn during normal operation.
var systemNameSuffixes = []string{".cattle.io", ".k3s.io"}

var rbacKinds = map[string]bool{
	"Role":               true,
	"RoleBinding":        true,
	"ClusterRole":        true,
	"ClusterRoleBinding": true,
}

// Guard builds the self-protection rules. The bootstrap window is
// anchored at process start; Now is swappable for tests.
type Guard struct {
	cfg       *config.Config
	startedAt time.Time
	Now       func() time.Time
}

func New(cfg *config.Config, startedAt time.Time) *Guard {
	return &Guard{cfg: cfg, startedAt: startedAt, Now: time.Now}
}

// inBootstrapWindow reports whether the process is still inside its
// configured bring-up window.
func (g *Guard) inBootstrapWindow() bool {
	return g.Now().Sub(g.startedAt) < g.cfg.BootstrapWindow.Duration
}

// maintenanceOpen reports whether RBAC/CRD changes are currently
// admitted: either bootstrap or an active cron maintenance window.
func (g *Guard) maintenanceOpen() bool {
	if g.inBootstrapWindow() {
		return true
	}
	return inAnyMaintenanceWindow(g.Now(), g.cfg.MaintenanceWindows)
}

func mutating(op admissionv1.Operation) bool {
	return op == admissionv1.Create || op == admissionv1.Update || op == admissionv1.Delete
}

// Rules returns the guard family. The evaluator runs these before and
// independently of the general rule set.
func (g *Guard) Rules() []rules.Rule {
	return []rules.Rule{
		g.namespaceLockdownRule(),
		g.webhookRegistrationRule(),
		g.failOpenRegistrationRule(),
		g.rbacCRDLockdownRule(),
	}
}

// namespaceLockdownRule denies every namespace mutation. Namespaces
// define the tenancy boundary; there is no legitimate runtime path that
// creates or removes one.
func (g *Guard) namespaceLockdownRule() rules.Rule {
	return rules.Rule{
		Name:   "namespace-lockdown",
		Family: rules.FamilyLockdown,
		Applies: func(req *admission.Request) bool {
			return req.Group == "" && req.Kind == "Namespace" && mutating(req.Operation)
		},
		Check: func(req *admission.Request) []string {
			if req.Operation == admissionv1.Create {
				return []string{"Creation of new namespaces is prohibited"}
			}
			return []string{fmt.Sprintf("%s of namespaces is prohibited", strings.ToLower(string(req.Operation)))}
		},
	}
}

// webhookRegistrationRule protects the system's own webhook
// registration. Only the bootstrap identity inside the bootstrap window
// may touch it; nothing else, under any mode, ever can.
func (g *Guard) webhookRegistrationRule() rules.Rule {
	return rules.Rule{
		Name:   "webhook-registration",
		Family: rules.FamilyLockdown,
		Applies: func(req *admission.Request) bool {
			return isWebhookConfigKind(req) && mutating(req.Operation) && objectName(req) == WebhookConfigName
		},
		Check: func(req *admission.Request) []string {
			if req.Username == BootstrapIdentity && g.inBootstrapWindow() {
				return nil
			}
			return []string{fmt.Sprintf("%s of the admission webhook configuration %q is prohibited", strings.ToLower(string(req.Operation)), WebhookConfigName)}
		},
	}
}

// failOpenRegistrationRule denies any webhook registration whose
// failure policy is Ignore. A fail-open webhook is a standing bypass of
// the admission boundary, so an unreadable registration body is a
// denial too.
func (g *Guard) failOpenRegistrationRule() rules.Rule {
	return rules.Rule{
		Name:   "fail-open-registration",
		Family: rules.FamilyLockdown,
		Applies: func(req *admission.Request) bool {
			return isWebhookConfigKind(req) && (req.Operation == admissionv1.Create || req.Operation == admissionv1.Update)
		},
		Check: func(req *admission.Request) []string {
			policies, err := failurePolicies(req)
			if err != nil {
				return []string{fmt.Sprintf("cannot verify failure policy of %s %q: %v", req.Kind, objectName(req), err)}
			}
			var reasons []string
			for name, p := range policies {
				if p == admissionregv1.Ignore {
					reasons = append(reasons, fmt.Sprintf("webhook %q sets failurePolicy Ignore; admission webhooks must fail closed", name))
				}
			}
			return reasons
		},
	}
}

// rbacCRDLockdownRule freezes RBAC and CRD mutation outside the
// bootstrap and maintenance windows, excepting orchestrator-managed
// names and the platform's own CRDs.
func (g *Guard) rbacCRDLockdownRule() rules.Rule {
	return rules.Rule{
		Name:   "rbac-crd-lockdown",
		Family: rules.FamilyLockdown,
		Applies: func(req *admission.Request) bool {
			if !mutating(req.Operation) {
				return false
			}
			if req.Group == "rbac.authorization.k8s.io" && rbacKinds[req.Kind] {
				return true
			}
			return req.Group == "apiextensions.k8s.io" && req.Kind == "CustomResourceDefinition"
		},
		Check: func(req *admission.Request) []string {
			name := objectName(req)
			for _, suffix := range systemNameSuffixes {
				if strings.HasSuffix(name, suffix) {
					return nil
				}
			}
			if req.Kind == "CustomResourceDefinition" && strings.HasSuffix(name, ManagedCRDSuffix) {
				return nil
			}
			if g.maintenanceOpen() {
				return nil
			}
			return []string{fmt.Sprintf("%s of %s %q is prohibited outside a maintenance window", strings.ToLower(string(req.Operation)), req.Kind, name)}
		},
	}
}

func isWebhookConfigKind(req *admission.Request) bool {
	return req.Group == "admissionregistration.k8s.io" &&
		(req.Kind == "ValidatingWebhookConfiguration" || req.Kind == "MutatingWebhookConfiguration")
}

// objectName resolves the target name, falling back to the body's
// metadata for CREATE requests where the envelope name can be empty.
func objectName(req *admission.Request) string {
	if req.Name != "" {
		return req.Name
	}
	raw := req.RawObject
	if len(raw) == 0 {
		raw = req.RawOldObject
	}
	if len(raw) == 0 {
		return ""
	}
	var meta struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.Metadata.Name
}

// failurePolicies extracts webhook name → failure policy from the
// proposed registration body.
func failurePolicies(req *admission.Request) (map[string]admissionregv1.FailurePolicyType, error) {
	if len(req.RawObject) == 0 {
		return nil, fmt.Errorf("empty object body")
	}
	out := map[string]admissionregv1.FailurePolicyType{}
	switch req.Kind {
	case "ValidatingWebhookConfiguration":
		obj := &admissionregv1.ValidatingWebhookConfiguration{}
		if err := json.Unmarshal(req.RawObject, obj); err != nil {
			return nil, err
		}
		for _, wh := range obj.Webhooks {
			if wh.FailurePolicy != nil {
				out[wh.Name] = *wh.FailurePolicy
			}
		}
	case "MutatingWebhookConfiguration":
		obj := &admissionregv1.MutatingWebhookConfiguration{}
		if err := json.Unmarshal(req.RawObject, obj); err != nil {
			return nil, err
		}
		for _, wh := range obj.Webhooks {
			if wh.FailurePolicy != nil {
				out[wh.Name] = *wh.FailurePolicy
			}
		}
	default:
		return nil, fmt.Errorf("unexpected kind %s", req.Kind)
	}
	return out, nil
}
