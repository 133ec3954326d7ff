// Package rules compiles a mapping's filters, transforms and user-authored
// regex rules into an immutable policy and evaluates inbound events against
// it. Evaluation is pure: the same event and policy always produce the same
// decision, and no stage panics.
package rules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/relaymesh/relayd/pkg/models"
)

// Action is the outcome class of an evaluation.
type Action string

const (
	// ActionForward delivers the rendered text to the destination
	ActionForward Action = "forward"
	// ActionFiltered stops the message at one of the gates
	ActionFiltered Action = "filtered"
	// ActionNeedsApproval holds the rendered text for a decision
	ActionNeedsApproval Action = "needs_approval"
	// ActionBlocked stops the message because a transform stage failed
	ActionBlocked Action = "blocked"
)

// Decision is the result of evaluating one event against one policy.
// Rendered carries the transformed text for forward and needs-approval
// outcomes; Reason names the gate or failure for the other two.
type Decision struct {
	Action   Action
	Rendered string
	Reason   string
}

// Event is the evaluation view of a platform update. The pipeline builds
// it from the worker's event report.
type Event struct {
	Type      string
	Text      string
	IsForward bool
}

// SkippedRule records a regex rule left out of the compiled policy
// because its pattern would not compile.
type SkippedRule struct {
	RuleID string
	Name   string
	Err    string
}

type compiledRule struct {
	id          string
	kind        models.RuleKind
	re          *regexp.Regexp
	replacement string
}

// Policy is the immutable compiled form of one mapping's filter, transform
// and delay settings plus its applicable regex rules. Build one with
// Compile; never mutate it afterwards.
type Policy struct {
	MappingID string
	Version   int64

	Sync  models.SyncConfig
	Delay models.DelayConfig

	filters models.FilterConfig
	editing models.EditConfig
	rules   []compiledRule

	// includeKeywords and excludeKeywords are pre-folded per the mapping's
	// case sensitivity so evaluation never re-normalizes.
	includeKeywords []string
	excludeKeywords []string
	allowedTypes    map[string]bool

	// SkippedRules lists rules dropped at compile time, for logging.
	SkippedRules []SkippedRule
}

// Compile builds the policy for a mapping. userRules are the owner's
// global rules, mappingRules the mapping-scoped ones; each set is ordered
// by order_index ascending and globals run first. Inactive rules and rules
// whose pattern fails to compile are left out, the latter recorded in
// SkippedRules.
func Compile(m *models.Mapping, userRules, mappingRules []*models.RegexRule) *Policy {
	p := &Policy{
		MappingID: m.ID,
		Version:   m.Version,
		Sync:      m.Sync,
		Delay:     m.Delay,
		filters:   m.Filters,
		editing:   m.Editing,
	}

	p.includeKeywords = foldAll(m.Filters.IncludeKeywords, m.Filters.CaseSensitive)
	p.excludeKeywords = foldAll(m.Filters.ExcludeKeywords, m.Filters.CaseSensitive)
	if len(m.Filters.AllowedTypes) > 0 {
		p.allowedTypes = make(map[string]bool, len(m.Filters.AllowedTypes))
		for _, t := range m.Filters.AllowedTypes {
			p.allowedTypes[t] = true
		}
	}

	for _, scope := range [][]*models.RegexRule{userRules, mappingRules} {
		ordered := make([]*models.RegexRule, len(scope))
		copy(ordered, scope)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		})
		for _, r := range ordered {
			if !r.Active {
				continue
			}
			pattern := r.Pattern
			if !r.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				p.SkippedRules = append(p.SkippedRules, SkippedRule{
					RuleID: r.ID, Name: r.Name, Err: err.Error(),
				})
				continue
			}
			p.rules = append(p.rules, compiledRule{
				id: r.ID, kind: r.Kind, re: re, replacement: r.Replacement,
			})
		}
	}

	return p
}

// CacheKey identifies one compiled policy version.
func (p *Policy) CacheKey() string {
	return fmt.Sprintf("%s@%d", p.MappingID, p.Version)
}

// RuleCount reports how many regex rules made it into the policy.
func (p *Policy) RuleCount() int {
	return len(p.rules)
}
