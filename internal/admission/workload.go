package admission

import (
	"encoding/json"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// Workload is the decoded view of a workload object: the labels on the
// object itself and the pod spec pulled out of the pod or its template.
type Workload struct {
	Kind    string
	Labels  map[string]string
	PodSpec *corev1.PodSpec

	// IsJob marks batch workloads whose volumes are judged with the
	// ephemeral-scratch exemption.
	IsJob bool
}

// IsWorkloadKind reports whether group/kind carries a pod spec we know
// how to extract.
func IsWorkloadKind(group, kind string) bool {
	switch {
	case group == "" && kind == "Pod":
		return true
	case group == "apps" && (kind == "Deployment" || kind == "StatefulSet" || kind == "DaemonSet" || kind == "ReplicaSet"):
		return true
	case group == "batch" && (kind == "Job" || kind == "CronJob"):
		return true
	default:
		return false
	}
}

// decodeWorkload unmarshals the proposed object and extracts its pod
// spec. Kinds are decoded into their typed form so that rules never
// walk untyped maps.
func decodeWorkload(group, kind string, raw []byte) (*Workload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty object body for %s", kind)
	}

	w := &Workload{Kind: kind}
	switch {
	case group == "" && kind == "Pod":
		obj := &corev1.Pod{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode Pod: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec

	case group == "apps" && kind == "Deployment":
		obj := &appsv1.Deployment{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode Deployment: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec.Template.Spec

	case group == "apps" && kind == "StatefulSet":
		obj := &appsv1.StatefulSet{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode StatefulSet: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec.Template.Spec

	case group == "apps" && kind == "DaemonSet":
		obj := &appsv1.DaemonSet{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode DaemonSet: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec.Template.Spec

	case group == "apps" && kind == "ReplicaSet":
		obj := &appsv1.ReplicaSet{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode ReplicaSet: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec.Template.Spec

	case group == "batch" && kind == "Job":
		obj := &batchv1.Job{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode Job: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec.Template.Spec
		w.IsJob = true

	case group == "batch" && kind == "CronJob":
		obj := &batchv1.CronJob{}
		if err := json.Unmarshal(raw, obj); err != nil {
			return nil, fmt.Errorf("decode CronJob: %w", err)
		}
		w.Labels = obj.Labels
		w.PodSpec = &obj.Spec.JobTemplate.Spec.Template.Spec
		w.IsJob = true

	default:
		return nil, fmt.Errorf("unsupported workload kind: %s/%s", group, kind)
	}
	return w, nil
}

// AllContainers returns main, init and ephemeral containers in a single
// slice of a common view, so rules apply uniformly to every class.
func (w *Workload) AllContainers() []ContainerView {
	if w == nil || w.PodSpec == nil {
		return nil
	}
	out := make([]ContainerView, 0, len(w.PodSpec.Containers)+len(w.PodSpec.InitContainers)+len(w.PodSpec.EphemeralContainers))
	for i := range w.PodSpec.InitContainers {
		c := &w.PodSpec.InitContainers[i]
		out = append(out, ContainerView{Name: c.Name, Image: c.Image, Command: c.Command, Env: c.Env, Resources: c.Resources, SecurityContext: c.SecurityContext, Init: true})
	}
	for i := range w.PodSpec.Containers {
		c := &w.PodSpec.Containers[i]
		out = append(out, ContainerView{Name: c.Name, Image: c.Image, Command: c.Command, Env: c.Env, Resources: c.Resources, SecurityContext: c.SecurityContext})
	}
	for i := range w.PodSpec.EphemeralContainers {
		c := &w.PodSpec.EphemeralContainers[i]
		out = append(out, ContainerView{Name: c.Name, Image: c.Image, Command: c.Command, Env: c.Env, Resources: c.Resources, SecurityContext: c.SecurityContext, Ephemeral: true})
	}
	return out
}

// ContainerView is the subset of container fields the rules consult,
// shared across the three container classes.
type ContainerView struct {
	Name            string
	Image           string
	Command         []string
	Env             []corev1.EnvVar
	Resources       corev1.ResourceRequirements
	SecurityContext *corev1.SecurityContext
	Init            bool
	Ephemeral       bool
}

// EffectiveRunAsUser resolves the container-level runAsUser override,
// falling back to the pod-level default. nil means neither is set; the
// image UID would apply silently, which callers must treat as absent.
func (w *Workload) EffectiveRunAsUser(c ContainerView) *int64 {
	if c.SecurityContext != nil && c.SecurityContext.RunAsUser != nil {
		return c.SecurityContext.RunAsUser
	}
	if w.PodSpec != nil && w.PodSpec.SecurityContext != nil {
		return w.PodSpec.SecurityContext.RunAsUser
	}
	return nil
}
