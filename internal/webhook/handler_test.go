package webhook

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	cradmission "sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/cache"
	"github.com/parachutes/chutes-admission/internal/config"
	"github.com/parachutes/chutes-admission/internal/guard"
	"github.com/parachutes/chutes-admission/internal/policy"
	"github.com/parachutes/chutes-admission/internal/rules"
)

func podReview(name, ns string, pod *corev1.Pod) cradmission.Request {
	raw, err := json.Marshal(pod)
	Expect(err).NotTo(HaveOccurred())
	return cradmission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
		UID:       "h",
		Operation: admissionv1.Create,
		Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
		Resource:  metav1.GroupVersionResource{Version: "v1", Resource: "pods"},
		Namespace: ns,
		Name:      name,
		Object:    runtime.RawExtension{Raw: raw},
	}}
}

func handlerPod(ns string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "w", Namespace: ns},
		Spec: corev1.PodSpec{
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:    ptr.To(int64(1000)),
				RunAsNonRoot: ptr.To(true),
			},
			Containers: []corev1.Container{{
				Name:  "app",
				Image: "parachutes/app:1",
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("2"),
						corev1.ResourceMemory: resource.MustParse("4Gi"),
					},
				},
			}},
		},
	}
}

var _ = Describe("Admission handler", func() {
	var h *Handler

	newHandler := func(cfg *config.Config) *Handler {
		g := guard.New(cfg, time.Now().Add(-time.Hour))
		return &Handler{
			Evaluator: policy.New(cfg, g.Rules()),
			Cache:     cache.New(time.Minute, 100),
			Timeout:   5 * time.Second,
		}
	}

	BeforeEach(func() {
		h = newHandler(config.Default())
	})

	Context("with a compliant workload", func() {
		It("allows the request", func() {
			resp := h.Handle(context.Background(), podReview("w", "chutes", handlerPod("chutes")))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Warnings).To(BeEmpty())
		})
	})

	Context("with a violating workload", func() {
		It("denies with the violation reasons", func() {
			pod := handlerPod("chutes")
			pod.Spec.Containers[0].SecurityContext = &corev1.SecurityContext{Privileged: ptr.To(true)}
			resp := h.Handle(context.Background(), podReview("w", "chutes", pod))
			Expect(resp.Allowed).To(BeFalse())
			Expect(resp.Result.Message).To(ContainSubstring("privileged security context"))
		})

		It("allows with warnings in a warn-mode namespace", func() {
			pod := handlerPod("kube-system")
			pod.Spec.Containers[0].SecurityContext = &corev1.SecurityContext{Privileged: ptr.To(true)}
			resp := h.Handle(context.Background(), podReview("w", "kube-system", pod))
			Expect(resp.Allowed).To(BeTrue())
			Expect(resp.Warnings).NotTo(BeEmpty())
		})
	})

	Context("with an unparsable object body", func() {
		It("fails closed", func() {
			resp := h.Handle(context.Background(), cradmission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
				UID:       "bad",
				Operation: admissionv1.Create,
				Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
				Object:    runtime.RawExtension{Raw: []byte(`{"spec": 42}`)},
			}})
			Expect(resp.Allowed).To(BeFalse())
			Expect(resp.Result.Message).To(ContainSubstring("malformed admission request"))
		})
	})

	Context("decision caching", func() {
		It("serves repeats without re-evaluating", func() {
			var calls int64
			h.Evaluator.Rules = append(h.Evaluator.Rules, rules.Rule{
				Name:    "call-counter",
				Family:  rules.FamilyContainers,
				Applies: func(*admission.Request) bool { return true },
				Check: func(*admission.Request) []string {
					atomic.AddInt64(&calls, 1)
					return nil
				},
			})

			first := h.Handle(context.Background(), podReview("runner-a", "chutes", handlerPod("chutes")))
			Expect(first.Allowed).To(BeTrue())
			Expect(atomic.LoadInt64(&calls)).To(Equal(int64(1)))
			h.Cache.Wait()

			// Same spec under a different generated name hits the cache.
			second := h.Handle(context.Background(), podReview("runner-b", "chutes", handlerPod("chutes")))
			Expect(second.Allowed).To(BeTrue())
			Expect(atomic.LoadInt64(&calls)).To(Equal(int64(1)))
		})

		It("never caches control-object verdicts", func() {
			var calls int64
			h.Evaluator.Rules = append(h.Evaluator.Rules, rules.Rule{
				Name:    "call-counter",
				Family:  rules.FamilyContainers,
				Applies: func(*admission.Request) bool { return true },
				Check: func(*admission.Request) []string {
					atomic.AddInt64(&calls, 1)
					return nil
				},
			})

			review := cradmission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
				UID:       "crd",
				Operation: admissionv1.Update,
				Kind:      metav1.GroupVersionKind{Group: "apiextensions.k8s.io", Version: "v1", Kind: "CustomResourceDefinition"},
				Name:      "addons.k3s.io",
			}}
			h.Handle(context.Background(), review)
			h.Cache.Wait()
			h.Handle(context.Background(), review)
			Expect(atomic.LoadInt64(&calls)).To(Equal(int64(2)))
		})
	})

	Context("when evaluation overruns its deadline", func() {
		It("denies and does not cache the partial result", func() {
			h.Timeout = 10 * time.Millisecond
			h.Evaluator.Rules = append(h.Evaluator.Rules, rules.Rule{
				Name:    "stuck",
				Family:  rules.FamilyContainers,
				Applies: func(*admission.Request) bool { return true },
				Check: func(*admission.Request) []string {
					time.Sleep(time.Second)
					return nil
				},
			})

			resp := h.Handle(context.Background(), podReview("w", "chutes", handlerPod("chutes")))
			Expect(resp.Allowed).To(BeFalse())
			Expect(resp.Result.Message).To(ContainSubstring("did not complete in time"))

			h.Cache.Wait()
			_, cached := h.Cache.Get(cache.ForRequest(mustParse(podReview("w", "chutes", handlerPod("chutes")))))
			Expect(cached).To(BeFalse())
		})
	})

	Context("guard-protected objects", func() {
		It("denies namespace creation regardless of mode", func() {
			resp := h.Handle(context.Background(), cradmission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
				UID:       "ns",
				Operation: admissionv1.Create,
				Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Namespace"},
				Name:      "new-tenant",
			}})
			Expect(resp.Allowed).To(BeFalse())
			Expect(resp.Result.Message).To(ContainSubstring("Creation of new namespaces is prohibited"))
		})
	})
})

func mustParse(req cradmission.Request) *admission.Request {
	parsed, err := admission.FromReview(req.AdmissionRequest)
	Expect(err).NotTo(HaveOccurred())
	return parsed
}
