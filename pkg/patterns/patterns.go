// Package patterns compiles versioned clause-pattern rules into a text
// matcher and manages the on-disk rule library.
//
// Rules come from two places with one shape: the persisted pattern_rules
// table (what analysis evaluates) and YAML library files under
// patterns.library_dir (how operators author rules). Library files are
// schema-validated, compiled once, hot-reloaded on change, and synced to
// the store, which owns version numbering.
package patterns

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/fineprintai/engine/pkg/store"
)

// Confidence assigned by match mechanism. A regex hit is a stronger signal
// than a keyword hit; semantic scores from the vector index override both
// when higher.
const (
	KeywordConfidence = 0.7
	RegexConfidence   = 0.9
)

// Match is one candidate clause located in normalized text. Start and End
// are byte offsets.
type Match struct {
	RuleID     string
	RuleName   string
	Category   string
	Severity   store.Severity
	Confidence float64
	Start      int
	End        int
}

// Title renders the rule name as a finding headline.
func (m Match) Title() string {
	t := strings.NewReplacer("-", " ", "_", " ").Replace(m.RuleName)
	for i, r := range t {
		return string(unicode.ToUpper(r)) + t[i+len(string(r)):]
	}
	return t
}

// Span is the matched length in bytes.
func (m Match) Span() int { return m.End - m.Start }

type compiledRule struct {
	rule     store.PatternRule
	keywords []*regexp.Regexp
	regex    *regexp.Regexp
}

// Matcher is an immutable compiled rule set. Compile once, share across
// workers.
type Matcher struct {
	rules []compiledRule
}

// Compile builds a Matcher from rule definitions. Rules whose regex does
// not compile are skipped and reported; the returned errors name the rule
// so callers can log or fail validation on them.
func Compile(rules []store.PatternRule) (*Matcher, []error) {
	m := &Matcher{rules: make([]compiledRule, 0, len(rules))}
	var errs []error
	for _, r := range rules {
		cr := compiledRule{rule: r}
		bad := false
		for _, kw := range r.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q: keyword %q: %w", r.Name, kw, err))
				bad = true
				break
			}
			cr.keywords = append(cr.keywords, re)
		}
		if !bad && r.Regex != nil && *r.Regex != "" {
			re, err := regexp.Compile(*r.Regex)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q: regex: %w", r.Name, err))
				bad = true
			}
			cr.regex = re
		}
		if bad {
			continue
		}
		m.rules = append(m.rules, cr)
	}
	return m, errs
}

// Rules returns the definitions behind the compiled set.
func (m *Matcher) Rules() []store.PatternRule {
	out := make([]store.PatternRule, len(m.rules))
	for i, cr := range m.rules {
		out[i] = cr.rule
	}
	return out
}

// Match runs every rule over normalized text and returns deduplicated
// candidates in document order.
func (m *Matcher) Match(normalized string) []Match {
	var candidates []Match
	for _, cr := range m.rules {
		for _, re := range cr.keywords {
			for _, loc := range re.FindAllStringIndex(normalized, -1) {
				candidates = append(candidates, newMatch(cr.rule, loc, KeywordConfidence))
			}
		}
		if cr.regex != nil {
			for _, loc := range cr.regex.FindAllStringIndex(normalized, -1) {
				candidates = append(candidates, newMatch(cr.rule, loc, RegexConfidence))
			}
		}
	}
	return Dedup(candidates)
}

func newMatch(r store.PatternRule, loc []int, confidence float64) Match {
	return Match{
		RuleID:     r.ID,
		RuleName:   r.Name,
		Category:   r.Category,
		Severity:   r.Severity,
		Confidence: confidence,
		Start:      loc[0],
		End:        loc[1],
	}
}

// Dedup resolves overlapping matches: highest severity wins, then longest
// span, then lowest start. Survivors come back sorted by position. The
// same policy merges rule and semantic matches, so it is exported.
func Dedup(matches []Match) []Match {
	if len(matches) < 2 {
		return matches
	}
	ranked := make([]Match, len(matches))
	copy(ranked, matches)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if a.Span() != b.Span() {
			return a.Span() > b.Span()
		}
		return a.Start < b.Start
	})

	var kept []Match
	for _, m := range ranked {
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
