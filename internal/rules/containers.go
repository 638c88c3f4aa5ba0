package rules

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/config"
)

// deniedEnvNames are credential-bearing variables called out by name so
// the deny message is specific. Every entry is already outside the
// allowlist; the explicit check is kept deliberately for the clearer
// error message.
var deniedEnvNames = map[string]bool{
	"AWS_ACCESS_KEY_ID":     true,
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
	"GITHUB_TOKEN":          true,
	"KUBECONFIG":            true,
}

// allowedEnvNames is the fixed environment-variable allowlist. Names
// prefixed with CHUTES_ are additionally allowed.
var allowedEnvNames = map[string]bool{
	"PATH":                       true,
	"HOME":                       true,
	"HOSTNAME":                   true,
	"TERM":                       true,
	"LANG":                       true,
	"LC_ALL":                     true,
	"TZ":                         true,
	"NVIDIA_VISIBLE_DEVICES":     true,
	"NVIDIA_DRIVER_CAPABILITIES": true,
	"CUDA_VISIBLE_DEVICES":       true,
	"LD_LIBRARY_PATH":            true,
	"HF_HOME":                    true,
	"VLLM_USAGE_SOURCE":          true,
}

const allowedEnvPrefix = "CHUTES_"

// commandOverrideRule requires containers to use the image entrypoint.
// The agent container alone may override it, and only with the fixed
// two-token prefix; dynamic arguments after the prefix are permitted.
func commandOverrideRule() Rule {
	return Rule{
		Name:    "command-override",
		Family:  FamilyContainers,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				if len(c.Command) == 0 {
					continue
				}
				if c.Name != AgentContainerName {
					reasons = append(reasons, fmt.Sprintf("container %q must use the image entrypoint (command override not allowed)", c.Name))
					continue
				}
				if len(c.Command) < len(AgentCommandPrefix) || c.Command[0] != AgentCommandPrefix[0] || c.Command[1] != AgentCommandPrefix[1] {
					reasons = append(reasons, fmt.Sprintf("container %q command must start with %q", c.Name, strings.Join(AgentCommandPrefix, " ")))
				}
			}
			return reasons
		},
	}
}

// resourceLimitsRule requires limits on every container, a memory limit
// specifically, and caps CPU at the configured ceiling.
func resourceLimitsRule(cfg *config.Config) Rule {
	ceiling := cfg.CPUCeiling()
	return Rule{
		Name:    "resource-limits",
		Family:  FamilyResources,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				if c.Ephemeral {
					// Ephemeral containers cannot declare resources.
					continue
				}
				if len(c.Resources.Limits) == 0 {
					reasons = append(reasons, fmt.Sprintf("container %q missing resource limits", c.Name))
					continue
				}
				if _, ok := c.Resources.Limits[corev1.ResourceMemory]; !ok {
					reasons = append(reasons, fmt.Sprintf("container %q missing memory limit", c.Name))
				}
				if !ceiling.IsZero() {
					if cpu, ok := c.Resources.Limits[corev1.ResourceCPU]; ok && cpu.Cmp(ceiling) > 0 {
						reasons = append(reasons, fmt.Sprintf("container %q cpu limit %s exceeds ceiling %s", c.Name, cpu.String(), ceiling.String()))
					}
					if cpu, ok := c.Resources.Requests[corev1.ResourceCPU]; ok && cpu.Cmp(ceiling) > 0 {
						reasons = append(reasons, fmt.Sprintf("container %q cpu request %s exceeds ceiling %s", c.Name, cpu.String(), ceiling.String()))
					}
				}
			}
			return reasons
		},
	}
}

// envAllowlistRule denies environment variables outside the fixed
// allowlist. The credential denylist is checked first so leaked-secret
// attempts get a specific message.
func envAllowlistRule() Rule {
	return Rule{
		Name:    "env-allowlist",
		Family:  FamilyEnv,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				for _, env := range c.Env {
					if deniedEnvNames[env.Name] {
						reasons = append(reasons, fmt.Sprintf("container %q sets credential environment variable %s", c.Name, env.Name))
						continue
					}
					if !allowedEnvNames[env.Name] && !strings.HasPrefix(env.Name, allowedEnvPrefix) {
						reasons = append(reasons, fmt.Sprintf("container %q sets environment variable %s outside the allowlist", c.Name, env.Name))
					}
				}
			}
			return reasons
		},
	}
}
