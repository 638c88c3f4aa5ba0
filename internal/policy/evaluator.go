package policy

import (
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/parachutes/chutes-admission/internal/admission"
	"github.com/parachutes/chutes-admission/internal/config"
	"github.com/parachutes/chutes-admission/internal/rules"
)

var log = ctrl.Log.WithName("policy")

// Evaluator runs the guard and the general rule set against one
// request and folds the results into a single Decision. Evaluation is
// pure, deterministic and total: the same request always yields the
// same Decision, and no rule performs I/O or blocks.
type Evaluator struct {
	// Guard rules are evaluated first, unconditionally, and ignore the
	// namespace mode entirely.
	Guard []rules.Rule

	// Rules is the general set; its violations respect the namespace
	// mode.
	Rules []rules.Rule

	// Modes resolves the per-namespace enforcement mode.
	Modes interface {
		ModeFor(namespace string) config.Mode
	}
}

// New wires an evaluator from the configured rule set and guard.
func New(cfg *config.Config, guardRules []rules.Rule) *Evaluator {
	return &Evaluator{
		Guard: guardRules,
		Rules: rules.All(cfg),
		Modes: cfg,
	}
}

// Evaluate produces the decision for a request. Rule order never
// changes the verdict, only the order of reported reasons.
func (e *Evaluator) Evaluate(req *admission.Request) Decision {
	guardReasons, guardFamilies := runRules(e.Guard, req)
	generalReasons, generalFamilies := runRules(e.Rules, req)
	families := dedupe(append(guardFamilies, generalFamilies...))

	mode := config.ModeEnforce
	if e.Modes != nil {
		mode = e.Modes.ModeFor(req.Namespace)
	}

	// Self-protection cannot be overridden: a guard match denies in
	// every mode, in every namespace, for every requester. General-rule
	// violations riding along still honor the namespace mode: in warn
	// mode they surface as warnings, never as blocking reasons.
	if len(guardReasons) > 0 {
		d := Decision{
			Allowed:          false,
			Reasons:          guardReasons,
			Mode:             config.ModeEnforce,
			ViolatedFamilies: families,
		}
		if mode == config.ModeWarn {
			d.Warnings = generalReasons
		} else {
			d.Reasons = append(d.Reasons, generalReasons...)
		}
		return d
	}

	if len(generalReasons) == 0 {
		return Decision{Allowed: true, Mode: mode}
	}
	if mode == config.ModeWarn {
		return Decision{Allowed: true, Warnings: generalReasons, Mode: mode, ViolatedFamilies: families}
	}
	return Decision{Allowed: false, Reasons: generalReasons, Mode: mode, ViolatedFamilies: families}
}

// runRules evaluates every applicable rule and unions reasons and
// violated families in registry order.
func runRules(ruleSet []rules.Rule, req *admission.Request) ([]string, []string) {
	var reasons []string
	var families []string
	for _, r := range ruleSet {
		if r.Applies == nil || !r.Applies(req) {
			continue
		}
		rs := checkRule(r, req)
		if len(rs) == 0 {
			continue
		}
		reasons = append(reasons, rs...)
		families = append(families, string(r.Family))
	}
	return reasons, families
}

func dedupe(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// checkRule runs one rule, converting a panic on an unexpected object
// shape into an abstention. A single misbehaving rule must not take
// down the request or the process; the remaining rules still apply.
func checkRule(r rules.Rule, req *admission.Request) (reasons []string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(fmt.Errorf("rule panic: %v", rec), "rule abstained", "rule", r.Name, "uid", req.UID)
			reasons = nil
		}
	}()
	return r.Check(req)
}
