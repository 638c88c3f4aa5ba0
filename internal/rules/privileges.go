package rules

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/parachutes/chutes-admission/internal/admission"
)

// deniedCapabilities is the fixed high-risk set: module loading, raw
// I/O, ptrace, chroot, admin, boot.
var deniedCapabilities = map[corev1.Capability]bool{
	"SYS_MODULE": true,
	"SYS_RAWIO":  true,
	"SYS_PTRACE": true,
	"SYS_CHROOT": true,
	"SYS_ADMIN":  true,
	"SYS_BOOT":   true,
}

// runAsUserRule denies any container whose effective runAsUser resolves
// to root. An unset runAsUser at both container and pod level is a
// denial as well: the image UID must never pass silently. The one
// exception is the platform init container, identified by name and
// image prefix.
func runAsUserRule() Rule {
	return Rule{
		Name:    "run-as-user",
		Family:  FamilyPrivileges,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			w := req.Workload
			var reasons []string
			for _, c := range w.AllContainers() {
				if c.Init && c.Name == InitContainerName && strings.HasPrefix(c.Image, InitContainerImagePrefix) {
					continue
				}
				uid := w.EffectiveRunAsUser(c)
				switch {
				case uid == nil:
					reasons = append(reasons, fmt.Sprintf("container %q must set runAsUser explicitly", c.Name))
				case *uid == 0:
					reasons = append(reasons, fmt.Sprintf("container %q must not run as root (runAsUser: 0)", c.Name))
				}
			}
			return reasons
		},
	}
}

// runAsNonRootRule requires pod-level runAsNonRoot: true for every
// workload in the restricted namespace, except the first-class chute
// workload (kind Pod carrying the chute label).
func runAsNonRootRule() Rule {
	return Rule{
		Name:   "run-as-non-root",
		Family: FamilyPrivileges,
		Applies: func(req *admission.Request) bool {
			return workloadRule(req) && req.Namespace == RestrictedNamespace
		},
		Check: func(req *admission.Request) []string {
			w := req.Workload
			if w.Kind == "Pod" && w.Labels[ChuteLabel] == ChuteLabelValue {
				return nil
			}
			sc := w.PodSpec.SecurityContext
			if sc == nil || sc.RunAsNonRoot == nil || !*sc.RunAsNonRoot {
				return []string{fmt.Sprintf("workloads in namespace %q must set securityContext.runAsNonRoot: true", RestrictedNamespace)}
			}
			return nil
		},
	}
}

// impersonationRule rejects non-Pod kinds that carry the chute label.
// The label grants the runAsNonRoot exception only to Pods; any other
// kind wearing it is trying to inherit that exception.
func impersonationRule() Rule {
	return Rule{
		Name:    "chute-impersonation",
		Family:  FamilyPrivileges,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			w := req.Workload
			if w.Kind != "Pod" && w.Labels[ChuteLabel] == ChuteLabelValue {
				return []string{fmt.Sprintf("label %s=%s is reserved for Pods; %s may not carry it", ChuteLabel, ChuteLabelValue, w.Kind)}
			}
			return nil
		},
	}
}

// capabilitiesRule denies any container requesting a capability from
// the high-risk set.
func capabilitiesRule() Rule {
	return Rule{
		Name:    "dangerous-capabilities",
		Family:  FamilyPrivileges,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				if c.SecurityContext == nil || c.SecurityContext.Capabilities == nil {
					continue
				}
				for _, capability := range c.SecurityContext.Capabilities.Add {
					if deniedCapabilities[normalizeCapability(capability)] {
						reasons = append(reasons, fmt.Sprintf("container %q requests dangerous capability %s", c.Name, capability))
					}
				}
			}
			return reasons
		},
	}
}

// normalizeCapability strips the optional CAP_ prefix so both spellings
// match the denied set.
func normalizeCapability(c corev1.Capability) corev1.Capability {
	return corev1.Capability(strings.TrimPrefix(string(c), "CAP_"))
}

// privilegedRule denies privileged containers.
func privilegedRule() Rule {
	return Rule{
		Name:    "privileged",
		Family:  FamilyPrivileges,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				if c.SecurityContext != nil && c.SecurityContext.Privileged != nil && *c.SecurityContext.Privileged {
					reasons = append(reasons, fmt.Sprintf("container %q has privileged security context", c.Name))
				}
			}
			return reasons
		},
	}
}

// hostNamespaceRule denies sharing the host network, PID or IPC
// namespaces.
func hostNamespaceRule() Rule {
	return Rule{
		Name:    "host-namespaces",
		Family:  FamilyPrivileges,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			spec := req.Workload.PodSpec
			var reasons []string
			if spec.HostNetwork {
				reasons = append(reasons, "pod uses host network which is not allowed")
			}
			if spec.HostPID {
				reasons = append(reasons, "pod shares the host PID namespace")
			}
			if spec.HostIPC {
				reasons = append(reasons, "pod shares the host IPC namespace")
			}
			return reasons
		},
	}
}

// privilegeEscalationRule denies allowPrivilegeEscalation: true.
func privilegeEscalationRule() Rule {
	return Rule{
		Name:    "privilege-escalation",
		Family:  FamilyPrivileges,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				if c.SecurityContext != nil && c.SecurityContext.AllowPrivilegeEscalation != nil && *c.SecurityContext.AllowPrivilegeEscalation {
					reasons = append(reasons, fmt.Sprintf("container %q allows privilege escalation", c.Name))
				}
			}
			return reasons
		},
	}
}
