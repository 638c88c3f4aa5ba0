package admission

import (
	"encoding/json"
	"testing"

	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	appsv1 "k8s.io/api/apps/v1"
	authenticationv1 "k8s.io/api/authentication/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
)

func mustRaw(t *testing.T, obj interface{}) runtime.RawExtension {
	t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return runtime.RawExtension{Raw: data}
}

func TestFromReview_PodCreateDecodesWorkload(t *testing.T) {
	g := NewWithT(t)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p", Namespace: "chutes", Labels: map[string]string{"app": "x"}},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "main", Image: "parachutes/app:1"}},
		},
	}
	req, err := FromReview(admissionv1.AdmissionRequest{
		UID:       "uid-1",
		Operation: admissionv1.Create,
		Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
		Resource:  metav1.GroupVersionResource{Version: "v1", Resource: "pods"},
		Namespace: "chutes",
		Name:      "p",
		UserInfo:  authenticationv1.UserInfo{Username: "alice"},
		Object:    mustRaw(t, pod),
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(req.Workload).ToNot(BeNil())
	g.Expect(req.Workload.Kind).To(Equal("Pod"))
	g.Expect(req.Workload.Labels).To(HaveKeyWithValue("app", "x"))
	g.Expect(req.Workload.PodSpec.Containers).To(HaveLen(1))
	g.Expect(req.Workload.IsJob).To(BeFalse())
}

func TestFromReview_DeleteNeverDecodesWorkload(t *testing.T) {
	g := NewWithT(t)

	pod := &corev1.Pod{
		Spec: corev1.PodSpec{
			HostNetwork: true,
			Containers:  []corev1.Container{{Name: "main", SecurityContext: &corev1.SecurityContext{RunAsUser: ptr.To(int64(0))}}},
		},
	}
	req, err := FromReview(admissionv1.AdmissionRequest{
		UID:       "uid-2",
		Operation: admissionv1.Delete,
		Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
		Namespace: "chutes",
		Name:      "p",
		OldObject: mustRaw(t, pod),
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(req.Workload).To(BeNil())
	g.Expect(req.IsDelete()).To(BeTrue())
}

func TestFromReview_MalformedWorkloadBody(t *testing.T) {
	g := NewWithT(t)

	_, err := FromReview(admissionv1.AdmissionRequest{
		UID:       "uid-3",
		Operation: admissionv1.Create,
		Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
		Object:    runtime.RawExtension{Raw: []byte(`{"spec": "not-a-spec"}`)},
	})
	g.Expect(err).To(HaveOccurred())
}

func TestFromReview_SubResourceSkipsDecode(t *testing.T) {
	g := NewWithT(t)

	req, err := FromReview(admissionv1.AdmissionRequest{
		UID:         "uid-4",
		Operation:   admissionv1.Connect,
		Kind:        metav1.GroupVersionKind{Version: "v1", Kind: "PodExecOptions"},
		Resource:    metav1.GroupVersionResource{Version: "v1", Resource: "pods"},
		SubResource: "exec",
		Namespace:   "default",
	})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(req.Workload).To(BeNil())
	g.Expect(req.IsConnect()).To(BeTrue())
}

func TestDecodeWorkload_TemplateKinds(t *testing.T) {
	g := NewWithT(t)

	spec := corev1.PodSpec{Containers: []corev1.Container{{Name: "main"}}}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"tier": "web"}},
		Spec:       appsv1.DeploymentSpec{Template: corev1.PodTemplateSpec{Spec: spec}},
	}
	raw, err := json.Marshal(dep)
	g.Expect(err).ToNot(HaveOccurred())
	w, err := decodeWorkload("apps", "Deployment", raw)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(w.PodSpec.Containers).To(HaveLen(1))
	g.Expect(w.Labels).To(HaveKeyWithValue("tier", "web"))
	g.Expect(w.IsJob).To(BeFalse())

	cj := &batchv1.CronJob{
		Spec: batchv1.CronJobSpec{
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{Template: corev1.PodTemplateSpec{Spec: spec}},
			},
		},
	}
	raw, err = json.Marshal(cj)
	g.Expect(err).ToNot(HaveOccurred())
	w, err = decodeWorkload("batch", "CronJob", raw)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(w.PodSpec.Containers).To(HaveLen(1))
	g.Expect(w.IsJob).To(BeTrue())
}

func TestEffectiveRunAsUser(t *testing.T) {
	g := NewWithT(t)

	w := &Workload{PodSpec: &corev1.PodSpec{
		SecurityContext: &corev1.PodSecurityContext{RunAsUser: ptr.To(int64(1000))},
	}}

	// Container override wins over the pod default.
	c := ContainerView{SecurityContext: &corev1.SecurityContext{RunAsUser: ptr.To(int64(0))}}
	g.Expect(*w.EffectiveRunAsUser(c)).To(Equal(int64(0)))

	// No override falls back to the pod default.
	g.Expect(*w.EffectiveRunAsUser(ContainerView{})).To(Equal(int64(1000)))

	// Neither set resolves to nil, never to a default UID.
	none := &Workload{PodSpec: &corev1.PodSpec{}}
	g.Expect(none.EffectiveRunAsUser(ContainerView{})).To(BeNil())
}

func TestAllContainers_IncludesAllClasses(t *testing.T) {
	g := NewWithT(t)

	w := &Workload{PodSpec: &corev1.PodSpec{
		InitContainers:      []corev1.Container{{Name: "init"}},
		Containers:          []corev1.Container{{Name: "main"}},
		EphemeralContainers: []corev1.EphemeralContainer{{EphemeralContainerCommon: corev1.EphemeralContainerCommon{Name: "debug"}}},
	}}
	views := w.AllContainers()
	g.Expect(views).To(HaveLen(3))
	g.Expect(views[0].Init).To(BeTrue())
	g.Expect(views[2].Ephemeral).To(BeTrue())
}
