package rules

import (
	"fmt"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/config"
)

// blockedSubResources are the pod subresources that open an interactive
// channel into a running workload.
var blockedSubResources = map[string]bool{
	"exec":        true,
	"attach":      true,
	"portforward": true,
}

// connectRule blocks exec, attach and port-forward everywhere except
// the configured exempt namespaces. The control-plane system namespaces
// are always exempt.
func connectRule(cfg *config.Config) Rule {
	return Rule{
		Name:   "connect-block",
		Family: FamilyConnect,
		Applies: func(req *admission.Request) bool {
			return blockedSubResources[req.SubResource]
		},
		Check: func(req *admission.Request) []string {
			if cfg.IsExemptNamespace(req.Namespace) {
				return nil
			}
			return []string{fmt.Sprintf("%s on pods is not allowed in namespace %q", req.SubResource, req.Namespace)}
		},
	}
}
