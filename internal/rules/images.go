package rules

import (
	"fmt"
	"strings"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/config"
)

// imageRegistryRule denies containers whose image comes from a registry
// outside the configured allowlist. An allowlist entry ending in "*"
// matches by prefix; plain entries match case-insensitively.
func imageRegistryRule(cfg *config.Config) Rule {
	allowed := cfg.AllowedRegistries
	return Rule{
		Name:    "image-registry",
		Family:  FamilyImages,
		Applies: workloadRule,
		Check: func(req *admission.Request) []string {
			var reasons []string
			for _, c := range req.Workload.AllContainers() {
				if c.Image == "" {
					continue
				}
				registry := imageRegistry(c.Image)
				if !registryAllowed(registry, allowed) {
					reasons = append(reasons, fmt.Sprintf("image %s uses disallowed registry %s", c.Image, registry))
				}
			}
			return reasons
		},
	}
}

// imageRegistry extracts the registry host from an image reference. A
// reference without a registry component resolves to Docker Hub: the
// first path segment names a registry only when it contains a dot or a
// port, or is "localhost".
func imageRegistry(image string) string {
	first, _, found := strings.Cut(image, "/")
	if !found {
		return "docker.io"
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return "docker.io"
}

func registryAllowed(registry string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasSuffix(a, "*") {
			if strings.HasPrefix(registry, strings.TrimSuffix(a, "*")) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, registry) {
			return true
		}
	}
	return false
}
