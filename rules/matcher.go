package rules

import (
	"sort"
	"strings"

	"github.com/upb/jano/models"
)

// Matcher selects the rules applicable to a request from a snapshot.
//
// Endpoint patterns are literal paths or prefix wildcards ("/api/tasks*").
// When several rules of the same type match an endpoint, the most specific
// pattern wins: longest matched prefix first, then priority ascending, then
// id as the final deterministic tiebreak. An exact pattern outranks a
// wildcard of the same length.
type Matcher struct{}

// NewMatcher creates a rule matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

type matched struct {
	rule        *models.Rule
	specificity int
}

// Match returns the active rules applicable to the request, ordered by
// specificity descending, then priority ascending, then id.
func (m *Matcher) Match(snap *Snapshot, endpoint, role string, groups []string) []*models.Rule {
	var hits []matched
	for _, r := range snap.Rules {
		if !r.Active {
			continue
		}
		if !r.AppliesToRole(role, groups) {
			continue
		}
		spec, ok := matchEndpoint(r.AppliesToEndpoints, endpoint)
		if !ok {
			continue
		}
		hits = append(hits, matched{rule: r, specificity: spec})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].specificity != hits[j].specificity {
			return hits[i].specificity > hits[j].specificity
		}
		if hits[i].rule.Priority != hits[j].rule.Priority {
			return hits[i].rule.Priority < hits[j].rule.Priority
		}
		return hits[i].rule.ID.String() < hits[j].rule.ID.String()
	})

	rules := make([]*models.Rule, len(hits))
	for i, h := range hits {
		rules[i] = h.rule
	}
	return rules
}

// MatchType returns the matching rules of one type, in match order.
func (m *Matcher) MatchType(snap *Snapshot, t models.RuleType, endpoint, role string, groups []string) []*models.Rule {
	var out []*models.Rule
	for _, r := range m.Match(snap, endpoint, role, groups) {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// BestMatch returns the single most specific matching rule of the given type,
// or nil when none matches.
func (m *Matcher) BestMatch(snap *Snapshot, t models.RuleType, endpoint, role string, groups []string) *models.Rule {
	for _, r := range m.Match(snap, endpoint, role, groups) {
		if r.Type == t {
			return r
		}
	}
	return nil
}

// matchEndpoint reports whether any pattern matches the endpoint and returns
// the specificity of the best match. An empty pattern list matches every
// endpoint with zero specificity.
func matchEndpoint(patterns []string, endpoint string) (int, bool) {
	if len(patterns) == 0 {
		return 0, true
	}

	best := -1
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(endpoint, prefix) {
				// 2*len keeps wildcard and exact specificities comparable
				// with exact matches ranked above a same-length wildcard.
				if spec := 2 * len(prefix); spec > best {
					best = spec
				}
			}
			continue
		}
		if p == endpoint {
			if spec := 2*len(p) + 1; spec > best {
				best = spec
			}
		}
	}

	if best < 0 {
		return 0, false
	}
	return best, true
}
