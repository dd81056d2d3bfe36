package rules

import (
	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// Decision is the outcome of a selection pass (§4.3 selection algorithm).
type Decision int

const (
	// DecisionWait means no rule is yet decidable; the caller should feed
	// more body bytes (or signal body completion) and re-evaluate.
	DecisionWait Decision = iota
	// DecisionMatched means an ordinary rule was selected.
	DecisionMatched
	// DecisionFallback means the fallback rule was selected.
	DecisionFallback
	// DecisionNoMatch means no ordinary rule matched, body is complete,
	// and no fallback is registered; the caller should synthesize the
	// explanatory 503 (§4.3 step 4, §8 scenario 8).
	DecisionNoMatch
)

type ruleResult struct {
	matched   bool
	uncertain bool
}

func evaluateRule(r *Rule, req *request.Request) ruleResult {
	anyUncertain := false
	for _, m := range r.Matchers {
		matched, uncertain := m.Match(req)
		if uncertain {
			anyUncertain = true
			continue
		}
		if !matched {
			return ruleResult{}
		}
	}
	if anyUncertain {
		return ruleResult{uncertain: true}
	}
	return ruleResult{matched: true}
}

// Engine evaluates a Store's rule table against a request as its body
// arrives, implementing the short-circuit selection algorithm of §4.3.
type Engine struct {
	Store *Store
}

// NewEngine wraps a rule store with the matcher/handler selection logic.
func NewEngine(store *Store) *Engine {
	return &Engine{Store: store}
}

// Select evaluates the current rule table against req's currently-known
// state (headers always known; body matchers consult req.Body.IsCompleted).
// Call it again as more body arrives until it returns a decision other than
// DecisionWait.
func (e *Engine) Select(req *request.Request) (*Rule, Decision) {
	rules := e.Store.Rules()

	// A rule earlier in registration order has higher priority: if it is
	// still uncertain, it could yet resolve into a match and pre-empt any
	// later rule's definite match, so we must wait rather than commit.
	// Rules with no uncertain matchers resolve (match or fail) regardless
	// of body arrival, which is what lets header-only rules short-circuit
	// past a later, still-uncertain, body-dependent rule (§4.3).
	sawUncertainBeforeMatch := false
	for _, r := range rules {
		if !r.eligible() {
			continue
		}
		res := evaluateRule(r, req)
		if res.uncertain {
			sawUncertainBeforeMatch = true
			continue
		}
		if res.matched {
			if sawUncertainBeforeMatch {
				return nil, DecisionWait
			}
			r.recordMatch(SeenRequest{RequestID: req.ID, Method: req.Method, URL: req.URL})
			return r, DecisionMatched
		}
	}

	if !req.Body.IsCompleted() {
		return nil, DecisionWait
	}

	// Body complete: re-evaluate and pick the first rule whose matchers
	// all succeed outright (§4.3 step 4).
	for _, r := range rules {
		if !r.eligible() {
			continue
		}
		if res := evaluateRule(r, req); res.matched {
			r.recordMatch(SeenRequest{RequestID: req.ID, Method: req.Method, URL: req.URL})
			return r, DecisionMatched
		}
	}

	if fb := e.Store.Fallback(); fb != nil {
		fb.recordMatch(SeenRequest{RequestID: req.ID, Method: req.Method, URL: req.URL})
		return fb, DecisionFallback
	}
	return nil, DecisionNoMatch
}

// NoMatchResponse synthesizes the explanatory 503 used when no ordinary
// rule and no fallback apply (§4.3 step 4, §8 scenario 8).
func NoMatchResponse() ResponseSpec {
	return ResponseSpec{
		StatusCode: 503,
		Body:       []byte("No rules were found matching this request"),
	}
}
