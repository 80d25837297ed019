// Package changedetect decides whether a re-fetched document differs from
// its latest stored version enough to warrant a new analysis. The comparison
// runs over paragraph units of the normalized text, so cosmetic whitespace
// and markup churn never register as change.
package changedetect

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fineprintai/engine/pkg/fingerprint"
)

// Kind classifies a detected change.
type Kind string

const (
	KindInitial          Kind = "initial"
	KindModified         Kind = "modified"
	KindStructureChanged Kind = "structure_changed"
)

const (
	// significantLimit caps how many changed paragraphs are surfaced.
	significantLimit = 10
	// significantChars is the excerpt length for a non-heading paragraph.
	significantChars = 140
	// headingMaxChars bounds the all-caps heading heuristic.
	headingMaxChars = 80
)

// Latest is the stored state the new fetch is compared against.
type Latest struct {
	Fingerprint string
	Normalized  string
}

// Summary counts paragraph-level differences between two versions.
type Summary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

// Total returns the number of paragraphs that differ in any way.
func (s Summary) Total() int { return s.Added + s.Removed + s.Modified }

// String renders the summary as the one-line form stored on version rows.
func (s Summary) String() string {
	return fmt.Sprintf("%d added, %d removed, %d modified", s.Added, s.Removed, s.Modified)
}

// Decision is the detector verdict. When Changed is false the remaining
// fields are zero and the caller only refreshes the monitoring timestamp.
type Decision struct {
	Changed            bool
	Kind               Kind
	Summary            Summary
	SignificantChanges []string
	// RiskDelta is always 0 at detection time. The true delta is computed
	// after analysis completes, against the previous version's score.
	RiskDelta int
}

// Evaluate compares a freshly normalized fetch against the latest stored
// version. Equal fingerprints short-circuit to no change. Otherwise the two
// texts are diffed paragraph by paragraph: paragraphs are matched by content
// rather than position, surplus on either side pairs up as modifications,
// and the remainder counts as additions or removals.
func Evaluate(prev Latest, newFingerprint, newNormalized string) Decision {
	if prev.Fingerprint == newFingerprint {
		return Decision{}
	}

	oldParas := splitParagraphs(prev.Normalized)
	newParas := splitParagraphs(newNormalized)

	summary, changed := diffParagraphs(oldParas, newParas)

	return Decision{
		Changed:            true,
		Kind:               classify(oldParas, newParas, summary),
		Summary:            summary,
		SignificantChanges: significant(changed),
	}
}

// splitParagraphs breaks normalized text on single newlines, which is the
// paragraph separator the normalizer emits. Empty units are dropped.
func splitParagraphs(normalized string) []string {
	if normalized == "" {
		return nil
	}
	raw := strings.Split(normalized, "\n")
	paras := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// diffParagraphs matches paragraphs across the two versions by content.
// Each side is reduced to the paragraphs the other side lacks; pairing the
// two remainders yields modifications, and whichever side has surplus left
// contributes additions or removals. The returned slice holds the new-side
// changed paragraphs plus any paragraphs that only ever existed on the old
// side, for surfacing in the change summary.
func diffParagraphs(oldParas, newParas []string) (Summary, []string) {
	oldCount := countParagraphs(oldParas)

	var onlyNew []string
	for _, p := range newParas {
		if oldCount[p] > 0 {
			oldCount[p]--
			continue
		}
		onlyNew = append(onlyNew, p)
	}

	var onlyOld []string
	for _, p := range oldParas {
		if oldCount[p] > 0 {
			oldCount[p]--
			onlyOld = append(onlyOld, p)
		}
	}

	modified := min(len(onlyNew), len(onlyOld))
	s := Summary{
		Added:    len(onlyNew) - modified,
		Removed:  len(onlyOld) - modified,
		Modified: modified,
	}

	changed := make([]string, 0, len(onlyNew)+s.Removed)
	changed = append(changed, onlyNew...)
	// Removed paragraphs past the modified pairing are changes too; take
	// them from the tail, matching how the surplus was attributed.
	changed = append(changed, onlyOld[modified:]...)
	return s, changed
}

func countParagraphs(paras []string) map[string]int {
	m := make(map[string]int, len(paras))
	for _, p := range paras {
		m[p]++
	}
	return m
}

// classify picks the change kind. A change is structural when more than
// half the paragraphs moved, or when the section skeleton (heading-like
// lines) grew or shrank by over 20%.
func classify(oldParas, newParas []string, s Summary) Kind {
	total := max(len(oldParas), len(newParas))
	if total > 0 && float64(s.Total())/float64(total) > 0.5 {
		return KindStructureChanged
	}

	oldSections := countSections(oldParas)
	newSections := countSections(newParas)
	if oldSections == 0 {
		if newSections > 0 {
			return KindStructureChanged
		}
		return KindModified
	}
	shift := float64(abs(newSections-oldSections)) / float64(oldSections)
	if shift > 0.2 {
		return KindStructureChanged
	}
	return KindModified
}

func countSections(paras []string) int {
	n := 0
	for _, p := range paras {
		if isSectionHeading(p) {
			n++
		}
	}
	return n
}

// isSectionHeading flags paragraphs that read like section markers: a line
// ending in a colon, or a short line whose letters are all uppercase.
func isSectionHeading(p string) bool {
	if strings.HasSuffix(p, ":") {
		return true
	}
	runes := []rune(p)
	if len(runes) == 0 || len(runes) > headingMaxChars {
		return false
	}
	hasLetter := false
	for _, r := range runes {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	return hasLetter
}

// significant surfaces the largest changed paragraphs, at most ten. A
// heading-like paragraph is reported verbatim; anything else is clipped to
// its first 140 characters.
func significant(changed []string) []string {
	if len(changed) == 0 {
		return nil
	}
	ranked := make([]string, len(changed))
	copy(ranked, changed)
	sort.SliceStable(ranked, func(i, j int) bool {
		return len(ranked[i]) > len(ranked[j])
	})
	if len(ranked) > significantLimit {
		ranked = ranked[:significantLimit]
	}

	out := make([]string, len(ranked))
	for i, p := range ranked {
		if isSectionHeading(p) {
			out[i] = p
			continue
		}
		out[i] = fingerprint.Truncate(p, significantChars)
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
