package rules

import (
	"fmt"
	"strings"

	"github.com/parachutes/chutes-admission/internal/admission"
)

// hostPathRule denies hostPath volumes outside the allowlisted /cache
// subtree. The pinned platform path is additionally allowed, but only
// for a chute-labelled workload in the restricted namespace. emptyDir
// scratch volumes of batch workloads are ignored entirely.
func hostPathRule() Rule {
	return Rule{
		Name:    "host-path",
		Family:  FamilyVolumes,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			w := req.Workload
			var reasons []string
			for _, vol := range w.PodSpec.Volumes {
				if vol.HostPath == nil {
					// Non-hostPath volumes (including Job emptyDir
					// scratch space) are out of scope for this rule.
					continue
				}
				path := vol.HostPath.Path
				if pathUnder(path, HostPathAllowedPrefix) {
					continue
				}
				if path == HostPathPinnedPath &&
					req.Namespace == RestrictedNamespace &&
					w.Labels[ChuteLabel] == ChuteLabelValue {
					continue
				}
				reasons = append(reasons, fmt.Sprintf("hostPath volume '%s' not allowed. Only %s paths are permitted", path, HostPathAllowedPrefix))
			}
			return reasons
		},
	}
}

// pathUnder reports whether path equals prefix or is nested below it.
// Plain prefix matching would let "/cachefoo" through.
func pathUnder(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
