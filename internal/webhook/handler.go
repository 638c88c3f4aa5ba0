package webhook

import (
	"context"
	"fmt"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	cradmission "sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/cache"
	"github.com/parachutes/chutes-admission/internal/metrics"
	"github.com/parachutes/chutes-admission/internal/policy"
)

const (
	// WebhookPath is where the orchestrator sends admission reviews.
	WebhookPath = "/validate"
)

// Handler terminates the admission-review protocol: it builds the
// immutable request snapshot, consults the decision cache, evaluates
// policy on a miss, and answers. Every failure path answers with a
// deny — an unparsable envelope, a timeout or an internal error is
// never an allow.
type Handler struct {
	Evaluator *policy.Evaluator
	Cache     *cache.Cache

	// Timeout bounds one request's processing. The orchestrator is
	// configured fail-closed, so an overrun is answered with an
	// explicit deny rather than left to hang.
	Timeout time.Duration
}

func (h *Handler) Handle(ctx context.Context, req cradmission.Request) cradmission.Response {
	log := ctrl.Log.WithName("webhook")
	start := time.Now()
	defer func() {
		metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	}()

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	parsed, err := admission.FromReview(req.AdmissionRequest)
	if err != nil {
		log.Error(err, "denying malformed request", "uid", req.UID, "kind", req.Kind.Kind)
		return h.deny(parsed, policy.Decision{
			Allowed: false,
			Reasons: []string{fmt.Sprintf("malformed admission request: %v", err)},
		})
	}

	// Only workload-spec requests are cacheable: their verdict is a
	// pure function of the fingerprinted fields. Control-object and
	// connect verdicts also depend on requester identity, target name
	// and the bootstrap clock, which the fingerprint excludes.
	cacheable := parsed.Workload != nil
	var fp cache.Fingerprint
	if cacheable {
		fp = cache.ForRequest(parsed)
		if dec, ok := h.Cache.Get(fp); ok {
			metrics.CacheHits.Inc()
			return h.respond(parsed, dec)
		}
		metrics.CacheMisses.Inc()
	}

	dec, err := h.evaluate(ctx, parsed)
	if err != nil {
		// Deadline or caller disconnect. The decision may be partial;
		// it is discarded, never cached.
		log.Error(err, "denying request without full evaluation", "uid", parsed.UID, "kind", parsed.Kind, "namespace", parsed.Namespace)
		return h.deny(parsed, policy.Decision{
			Allowed: false,
			Reasons: []string{"admission evaluation did not complete in time"},
		})
	}

	if cacheable && ctx.Err() == nil {
		h.Cache.Set(fp, dec)
	}
	return h.respond(parsed, dec)
}

// evaluate runs the evaluator unless the context expires first. A
// request abandoned by the caller or past its deadline yields an error,
// and the partial result is thrown away.
func (h *Handler) evaluate(ctx context.Context, req *admission.Request) (policy.Decision, error) {
	if err := ctx.Err(); err != nil {
		return policy.Decision{}, err
	}
	done := make(chan policy.Decision, 1)
	go func() {
		done <- h.Evaluator.Evaluate(req)
	}()
	select {
	case dec := <-done:
		return dec, nil
	case <-ctx.Done():
		return policy.Decision{}, ctx.Err()
	}
}

// respond converts a decision into the admission-review response and
// records decision metrics.
func (h *Handler) respond(req *admission.Request, dec policy.Decision) cradmission.Response {
	log := ctrl.Log.WithName("webhook")
	for _, family := range dec.ViolatedFamilies {
		metrics.PolicyViolations.WithLabelValues(family).Inc()
	}
	if !dec.Allowed {
		return h.deny(req, dec)
	}
	metrics.AdmissionRequests.WithLabelValues("allowed").Inc()
	if req != nil {
		metrics.AdmissionRequestsByKind.WithLabelValues(req.Kind, string(req.Operation), "allowed").Inc()
	}
	resp := cradmission.Allowed("")
	if len(dec.Warnings) > 0 {
		if req != nil {
			log.Info("policy violations recorded in warn mode", "uid", req.UID, "kind", req.Kind, "namespace", req.Namespace, "violations", dec.Warnings)
		}
		resp = resp.WithWarnings(dec.Warnings...)
	}
	return resp
}

func (h *Handler) deny(req *admission.Request, dec policy.Decision) cradmission.Response {
	log := ctrl.Log.WithName("webhook")
	metrics.AdmissionRequests.WithLabelValues("denied").Inc()
	if req != nil {
		metrics.AdmissionRequestsByKind.WithLabelValues(req.Kind, string(req.Operation), "denied").Inc()
		log.Info("denied", "uid", req.UID, "kind", req.Kind, "namespace", req.Namespace, "operation", req.Operation, "user", req.Username, "reason", dec.Message())
	}
	return cradmission.Denied(dec.Message())
}
