package config

import (
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"
)

// Mode controls whether rule violations block a request or are only
// recorded.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeWarn    Mode = "warn"
)

// Namespaces that always bypass exec/attach/port-forward blocking,
// regardless of configuration.
var systemExemptNamespaces = []string{
	"kube-system",
	"kube-public",
	"kube-node-lease",
}

// defaultNamespaceModes mirrors the shipped deployment configuration:
// control-plane and GPU-operator namespaces report violations without
// blocking, everything else enforces.
var defaultNamespaceModes = map[string]Mode{
	"kube-system":     ModeWarn,
	"kube-public":     ModeWarn,
	"kube-node-lease": ModeWarn,
	"gpu-operator":    ModeWarn,
}

// MaintenanceWindow is a recurring interval during which RBAC and CRD
// changes are admitted. Schedule is a standard 5-field cron expression.
type MaintenanceWindow struct {
	Schedule string   `json:"schedule"`
	Duration Duration `json:"duration"`
	Timezone string   `json:"timezone,omitempty"`
}

// Duration is a yaml-friendly wrapper so windows can be written as
// "1h30m" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.Duration.String())), nil
}

// Config is the startup configuration surface. It is read once at
// process start; policy changes require redeployment.
type Config struct {
	// ExemptNamespaces are additional namespaces allowed to use
	// exec/attach/port-forward. The control-plane system namespaces are
	// always included.
	ExemptNamespaces []string `json:"exemptNamespaces,omitempty"`

	// NamespaceModes overrides the default enforcement-mode mapping.
	NamespaceModes map[string]Mode `json:"namespaceModes,omitempty"`

	// CacheTTLSeconds bounds the lifetime of cached decisions. It must
	// stay short relative to the policy-update cadence: cached verdicts
	// are never invalidated explicitly.
	CacheTTLSeconds int `json:"cacheTTLSeconds,omitempty"`

	// CacheMaxEntries bounds cache size. Tuning knob, not correctness.
	CacheMaxEntries int64 `json:"cacheMaxEntries,omitempty"`

	// RequestTimeoutSeconds bounds per-request evaluation. A request
	// that exceeds it is denied, never allowed.
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds,omitempty"`

	// CPULimitCeiling is the maximum CPU a single container may request.
	CPULimitCeiling string `json:"cpuLimitCeiling,omitempty"`

	// AllowedRegistries are the container-image registries workloads may
	// pull from. An entry ending in "*" matches by prefix.
	AllowedRegistries []string `json:"allowedRegistries,omitempty"`

	// BootstrapWindow is the duration after process start during which
	// the bootstrap identity may modify the admission system's own
	// control objects, and RBAC/CRD changes are admitted.
	BootstrapWindow Duration `json:"bootstrapWindow,omitempty"`

	// MaintenanceWindows admit RBAC/CRD changes on a schedule.
	MaintenanceWindows []MaintenanceWindow `json:"maintenanceWindows,omitempty"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		NamespaceModes:        map[string]Mode{},
		CacheTTLSeconds:       300,
		CacheMaxEntries:       1000,
		RequestTimeoutSeconds: 5,
		CPULimitCeiling:       "64",
		AllowedRegistries:     []string{"docker.io", "gcr.io", "quay.io", "localhost:30500"},
		BootstrapWindow:       Duration{15 * time.Minute},
	}
}

// Load reads a YAML config file and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.CacheTTLSeconds < 0 {
		return fmt.Errorf("cacheTTLSeconds must be >= 0")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("requestTimeoutSeconds must be > 0")
	}
	if c.CPULimitCeiling != "" {
		if _, err := resource.ParseQuantity(c.CPULimitCeiling); err != nil {
			return fmt.Errorf("cpuLimitCeiling: %w", err)
		}
	}
	for i, r := range c.AllowedRegistries {
		if r == "" {
			return fmt.Errorf("allowedRegistries[%d]: must not be empty", i)
		}
	}
	for ns, mode := range c.NamespaceModes {
		if mode != ModeEnforce && mode != ModeWarn {
			return fmt.Errorf("namespaceModes[%s]: unknown mode %q", ns, mode)
		}
	}
	for i, w := range c.MaintenanceWindows {
		if w.Schedule == "" {
			return fmt.Errorf("maintenanceWindows[%d]: schedule is required", i)
		}
		if w.Duration.Duration <= 0 {
			return fmt.Errorf("maintenanceWindows[%d]: duration must be > 0", i)
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				return fmt.Errorf("maintenanceWindows[%d]: invalid timezone %q: %w", i, w.Timezone, err)
			}
		}
	}
	return nil
}

// ModeFor resolves the enforcement mode for a namespace: explicit
// override first, then the system defaults, then enforce.
func (c *Config) ModeFor(namespace string) Mode {
	if m, ok := c.NamespaceModes[namespace]; ok {
		return m
	}
	if m, ok := defaultNamespaceModes[namespace]; ok {
		return m
	}
	return ModeEnforce
}

// IsExemptNamespace reports whether a namespace may use
// exec/attach/port-forward.
func (c *Config) IsExemptNamespace(namespace string) bool {
	for _, ns := range systemExemptNamespaces {
		if ns == namespace {
			return true
		}
	}
	for _, ns := range c.ExemptNamespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// CacheTTL returns the decision-cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// RequestTimeout returns the per-request deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CPUCeiling parses the configured CPU ceiling. The zero quantity means
// no ceiling.
func (c *Config) CPUCeiling() resource.Quantity {
	if c.CPULimitCeiling == "" {
		return resource.Quantity{}
	}
	q, err := resource.ParseQuantity(c.CPULimitCeiling)
	if err != nil {
		return resource.Quantity{}
	}
	return q
}
