// Package rules implements the rule store, matcher engine and handler
// engine (§4.3, §4.4): an ordered table of rules, each pairing matchers
// against a handler and a completion predicate, plus a single distinguished
// fallback rule.
package rules

import (
	"sync"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// CompletionPredicate governs how many times a rule stays eligible after
// matching (§3 "completion predicate").
type CompletionPredicate interface {
	// Eligible reports whether the rule may still be selected, given the
	// number of times it has already matched.
	Eligible(matchCount int) bool
}

type always struct{}

func (always) Eligible(int) bool { return true }

// Always never exhausts.
func Always() CompletionPredicate { return always{} }

type once struct{}

func (once) Eligible(count int) bool { return count == 0 }

// Once is eligible for exactly one match.
func Once() CompletionPredicate { return once{} }

type times struct{ n int }

func (t times) Eligible(count int) bool { return count < t.n }

// Times is eligible for exactly n matches.
func Times(n int) CompletionPredicate { return times{n: n} }

// Default is the predicate used when a rule declares none explicitly. It is
// always eligible, so with the selection algorithm's tie-break (first
// registered wins) a rule using it keeps matching even after a later rule
// that matches the same request becomes eligible.
func Default() CompletionPredicate { return always{} }

// Rule is one entry in the rule table: an ordered list of matchers, a
// handler, and a completion predicate (§3).
type Rule struct {
	ID         string
	Matchers   []Matcher
	Handler    Handler
	Completion CompletionPredicate

	mu         sync.Mutex
	matchCount int
	seen       []SeenRequest
}

// SeenRequest is a lightweight record of a request this rule matched,
// returned by Store.GetSeenRequests (§6, §9 "weak back-pointer").
type SeenRequest struct {
	RequestID string
	Method    string
	URL       string
}

func newRule(id string, matchers []Matcher, handler Handler, completion CompletionPredicate) *Rule {
	if completion == nil {
		completion = Default()
	}
	return &Rule{ID: id, Matchers: matchers, Handler: handler, Completion: completion}
}

func (r *Rule) eligible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Completion.Eligible(r.matchCount)
}

func (r *Rule) hasMatchedAtLeastOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchCount > 0
}

func (r *Rule) recordMatch(seen SeenRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchCount++
	r.seen = append(r.seen, seen)
}

func (r *Rule) seenRequests() []SeenRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SeenRequest, len(r.seen))
	copy(out, r.seen)
	return out
}

// Store holds the ordered rule table plus the single fallback slot (§3).
type Store struct {
	mu       sync.RWMutex
	rules    []*Rule
	fallback *Rule
}

// NewStore creates an empty rule table.
func NewStore() *Store {
	return &Store{}
}

// AddRule appends a new ordinary rule to the table.
func (s *Store) AddRule(id string, matchers []Matcher, handler Handler, completion CompletionPredicate) *Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newRule(id, matchers, handler, completion)
	s.rules = append(s.rules, r)
	return r
}

// AddRules appends many rules at once, preserving relative order (§6
// "addRules").
func (s *Store) AddRules(specs []RuleSpec) []*Rule {
	added := make([]*Rule, 0, len(specs))
	for _, spec := range specs {
		added = append(added, s.AddRule(spec.ID, spec.Matchers, spec.Handler, spec.Completion))
	}
	return added
}

// RuleSpec is the plain-data form used by AddRules/SetRules (§6).
type RuleSpec struct {
	ID         string
	Matchers   []Matcher
	Handler    Handler
	Completion CompletionPredicate
}

// SetRules replaces the entire ordinary rule table atomically (§6 "setRules").
func (s *Store) SetRules(specs []RuleSpec) []*Rule {
	rules := make([]*Rule, 0, len(specs))
	for _, spec := range specs {
		rules = append(rules, newRule(spec.ID, spec.Matchers, spec.Handler, spec.Completion))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	return rules
}

// SetFallback registers the single fallback rule (§3 "attempting to
// register a second fallback fails").
func (s *Store) SetFallback(id string, handler Handler) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return nil, errors.NewMatchError(id, "a fallback rule is already registered", nil)
	}
	s.fallback = newRule(id, nil, handler, Always())
	return s.fallback, nil
}

// Rules returns a snapshot of the ordinary rule table in registration order.
func (s *Store) Rules() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Fallback returns the fallback rule, or nil if none is registered.
func (s *Store) Fallback() *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// GetSeenRequests returns the requests a specific rule has matched so far.
func (s *Store) GetSeenRequests(ruleID string) []SeenRequest {
	for _, r := range s.Rules() {
		if r.ID == ruleID {
			return r.seenRequests()
		}
	}
	if fb := s.Fallback(); fb != nil && fb.ID == ruleID {
		return fb.seenRequests()
	}
	return nil
}

// MockedEndpoint is a human-readable description of a registered rule,
// returned by GetMockedEndpoints/GetPendingEndpoints (§6 supplemented
// introspection surface).
type MockedEndpoint struct {
	RuleID string
	Method string
	Path   string
}

// GetMockedEndpoints returns every ordinary rule that has matched at least
// once.
func (s *Store) GetMockedEndpoints() []MockedEndpoint {
	var out []MockedEndpoint
	for _, r := range s.Rules() {
		if r.hasMatchedAtLeastOnce() {
			out = append(out, describeRule(r))
		}
	}
	return out
}

// GetPendingEndpoints returns every ordinary rule that is still eligible but
// has not matched yet.
func (s *Store) GetPendingEndpoints() []MockedEndpoint {
	var out []MockedEndpoint
	for _, r := range s.Rules() {
		if r.eligible() && !r.hasMatchedAtLeastOnce() {
			out = append(out, describeRule(r))
		}
	}
	return out
}

func describeRule(r *Rule) MockedEndpoint {
	ep := MockedEndpoint{RuleID: r.ID}
	for _, m := range r.Matchers {
		switch mm := m.(type) {
		case MethodMatcher:
			ep.Method = mm.Method
		case PathMatcher:
			ep.Path = mm.Path
		case PathQueryMatcher:
			ep.Path = mm.Path
		}
	}
	return ep
}
