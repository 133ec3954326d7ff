package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaymesh/relayd/pkg/models"
)

// Fixed transform regexes. These are the toggle-driven removals that run
// after the user's regex rules.
var (
	mentionRe = regexp.MustCompile(`@[A-Za-z0-9_]{2,}`)
	urlRe     = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	hashtagRe = regexp.MustCompile(`#[\p{L}\p{N}_]+`)
	// senderRe strips the attribution line a forwarded message carries at
	// its head, e.g. "Forwarded from Some Channel".
	senderRe = regexp.MustCompile(`(?mi)^\s*forwarded from\b[^\n]*\n?`)

	multiBlankRe = regexp.MustCompile(`\n{3,}`)
)

// ContainsURL reports whether text carries a link, per the same pattern the
// url removal transform uses.
func ContainsURL(text string) bool {
	return urlRe.MatchString(text)
}

// Evaluate runs the event through the policy's gates and transforms.
// Gate order is fixed: type, forward, length, exclude keywords, include
// keywords, url. A message passing every gate is transformed (regex rules,
// removal toggles, header/footer) and either forwarded or, when the
// mapping requires approval, held.
func Evaluate(event Event, p *Policy) Decision {
	if p.allowedTypes != nil && !p.allowedTypes[event.Type] {
		return Decision{Action: ActionFiltered, Reason: "type"}
	}
	if event.IsForward && p.filters.BlockForwards {
		return Decision{Action: ActionFiltered, Reason: "forward"}
	}

	n := len([]rune(event.Text))
	if n < p.filters.MinLength {
		return Decision{Action: ActionFiltered, Reason: "length"}
	}
	if p.filters.MaxLength > 0 && n > p.filters.MaxLength {
		return Decision{Action: ActionFiltered, Reason: "length"}
	}

	haystack := fold(event.Text, p.filters.CaseSensitive)
	for _, kw := range p.excludeKeywords {
		if strings.Contains(haystack, kw) {
			return Decision{Action: ActionFiltered, Reason: "exclude_kw"}
		}
	}
	if len(p.includeKeywords) > 0 {
		matched := 0
		for _, kw := range p.includeKeywords {
			if strings.Contains(haystack, kw) {
				matched++
			}
		}
		switch p.filters.KeywordMode {
		case models.KeywordModeAll:
			if matched < len(p.includeKeywords) {
				return Decision{Action: ActionFiltered, Reason: "include_kw"}
			}
		default: // any
			if matched == 0 {
				return Decision{Action: ActionFiltered, Reason: "include_kw"}
			}
		}
	}

	if p.filters.BlockURLs && ContainsURL(event.Text) {
		return Decision{Action: ActionFiltered, Reason: "url"}
	}

	rendered, err := p.render(event.Text)
	if err != nil {
		return Decision{Action: ActionBlocked, Reason: err.Error()}
	}

	if p.Delay.RequireApproval {
		return Decision{Action: ActionNeedsApproval, Rendered: rendered}
	}
	return Decision{Action: ActionForward, Rendered: rendered}
}

// render runs Transform, converting a panic in any stage into an error so
// evaluation stays total and the caller sees a blocked decision instead.
func (p *Policy) render(text string) (rendered string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform: %v", r)
		}
	}()
	return p.Transform(text), nil
}

// Transform applies the policy's text pipeline: regex rules in order, then
// the removal toggles, then header and footer. Used directly by the
// approval path and the rule-test endpoint.
func (p *Policy) Transform(text string) string {
	for _, r := range p.rules {
		text = r.apply(text)
	}

	if p.editing.RemoveSender {
		text = senderRe.ReplaceAllString(text, "")
	}
	if p.editing.RemoveMentions {
		text = mentionRe.ReplaceAllString(text, "")
	}
	if p.editing.RemoveURLs {
		text = urlRe.ReplaceAllString(text, "")
	}
	if p.editing.RemoveHashtags {
		text = hashtagRe.ReplaceAllString(text, "")
	}
	if !p.editing.PreserveFormatting {
		text = multiBlankRe.ReplaceAllString(text, "\n\n")
		text = strings.TrimSpace(text)
	}

	if p.editing.Header != "" {
		text = p.editing.Header + "\n" + text
	}
	if p.editing.Footer != "" {
		text = text + "\n" + p.editing.Footer
	}
	return text
}

func (r compiledRule) apply(text string) string {
	switch r.kind {
	case models.RuleKindFindReplace:
		return r.re.ReplaceAllString(text, r.replacement)
	case models.RuleKindRemove:
		return r.re.ReplaceAllString(text, "")
	case models.RuleKindExtract:
		// The whole text becomes the concatenation of every capture; a
		// pattern without groups contributes its full matches.
		var b strings.Builder
		for _, m := range r.re.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 {
				for _, g := range m[1:] {
					b.WriteString(g)
				}
			} else {
				b.WriteString(m[0])
			}
		}
		return b.String()
	case models.RuleKindConditionalReplace:
		// Whole-text replacement, triggered by a match anywhere.
		if r.re.MatchString(text) {
			return r.replacement
		}
		return text
	default:
		return text
	}
}

// ApplyRule runs one stored rule against text outside of a compiled
// policy, returning the transformed text and the raw matches. Backs the
// rule-test endpoint; inactive flags are ignored here so a draft rule can
// be tried before enabling it.
func ApplyRule(r *models.RegexRule, text string) (string, []string, error) {
	pattern := r.Pattern
	if !r.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", nil, err
	}
	matches := re.FindAllString(text, -1)
	c := compiledRule{id: r.ID, kind: r.Kind, re: re, replacement: r.Replacement}
	return c.apply(text), matches, nil
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func foldAll(in []string, caseSensitive bool) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		out = append(out, fold(s, caseSensitive))
	}
	return out
}
