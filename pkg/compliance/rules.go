// Package compliance evaluates jurisdiction rules over completed analyses:
// it opens deduplicated alerts for violating findings, keeps rolling trend
// counters per document type and jurisdiction, and guards both behind
// once-only markers so a redelivered job never double-counts.
package compliance

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/store"
)

// defaultWindow is the alert dedup window for rules that do not set one.
const defaultWindow = 24 * time.Hour

// ruleFile is the YAML shape of one jurisdiction rule file.
type ruleFile struct {
	Version int        `yaml:"version"`
	Rules   []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID                string        `yaml:"id"`
	Jurisdiction      string        `yaml:"jurisdiction"`
	RequiredCoverage  []string      `yaml:"required_category_coverage"`
	ForbiddenPatterns []string      `yaml:"forbidden_patterns"`
	SeverityFloor     string        `yaml:"severity_floor"`
	Window            time.Duration `yaml:"window"`
	Expression        string        `yaml:"expression"`
	Active            *bool         `yaml:"active"`
}

// Rule is one jurisdiction's alerting contract: the finding categories it
// expects an analysis to cover, the patterns it forbids outright, the
// severity at which any finding becomes a violation, and an optional CEL
// expression over the analysis aggregates.
type Rule struct {
	ID                string
	Jurisdiction      string
	RequiredCoverage  []string
	ForbiddenPatterns []string
	SeverityFloor     store.Severity
	Window            time.Duration
	Expression        string
	Active            bool

	prg cel.Program
}

func (r ruleSpec) toRule() (Rule, error) {
	const op = "compliance.LoadDir"
	if r.ID == "" {
		return Rule{}, errkind.Errorf(errkind.BadRange, op, "rule with empty id")
	}
	if r.Jurisdiction == "" {
		return Rule{}, errkind.Errorf(errkind.BadRange, op, "rule %q has no jurisdiction", r.ID)
	}
	floor := store.Severity(r.SeverityFloor)
	if floor.Rank() == 0 {
		return Rule{}, errkind.Errorf(errkind.BadRange, op,
			"rule %q severity_floor %q is not one of low, medium, high, critical", r.ID, r.SeverityFloor)
	}
	rule := Rule{
		ID:                r.ID,
		Jurisdiction:      r.Jurisdiction,
		RequiredCoverage:  r.RequiredCoverage,
		ForbiddenPatterns: r.ForbiddenPatterns,
		SeverityFloor:     floor,
		Window:            r.Window,
		Expression:        strings.TrimSpace(r.Expression),
		Active:            true,
	}
	if rule.Window <= 0 {
		rule.Window = defaultWindow
	}
	if r.Active != nil {
		rule.Active = *r.Active
	}
	return rule, nil
}

// RuleSet is a compiled, immutable rule collection. Rules whose expression
// failed to compile are carried as inactive so operators can see them.
type RuleSet struct {
	rules []Rule
}

// Active returns the rules that evaluation should run.
func (rs *RuleSet) Active() []Rule {
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Rules returns every loaded rule, disabled ones included.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// ruleEnv declares the CEL evaluation surface: the analysis aggregates a
// rule expression may inspect.
func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("risk_score", cel.IntType),
		cel.Variable("findings_total", cel.IntType),
		cel.Variable("findings_by_severity", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("document_type", cel.StringType),
		cel.Variable("missing_coverage", cel.ListType(cel.StringType)),
	)
}

// Compile builds the compiled set. A rule whose expression does not compile
// is disabled and reported in the returned slice; the rest of the set loads.
func Compile(rules []Rule) (*RuleSet, []error) {
	const op = "compliance.Compile"
	var errs []error

	env, envErr := ruleEnv()
	out := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Expression != "" {
			if envErr != nil {
				rule.Active = false
				errs = append(errs, errkind.Errorf(errkind.Internal, op,
					"rule %q disabled: expression environment: %v", rule.ID, envErr))
				out = append(out, rule)
				continue
			}
			ast, issues := env.Compile(rule.Expression)
			if issues != nil && issues.Err() != nil {
				rule.Active = false
				errs = append(errs, errkind.Errorf(errkind.BadRange, op,
					"rule %q disabled: expression does not compile: %v", rule.ID, issues.Err()))
				out = append(out, rule)
				continue
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				rule.Active = false
				errs = append(errs, errkind.Errorf(errkind.BadRange, op,
					"rule %q disabled: expression does not plan: %v", rule.ID, err))
				out = append(out, rule)
				continue
			}
			rule.prg = prg
		}
		out = append(out, rule)
	}
	return &RuleSet{rules: out}, errs
}

// LoadDir reads every jurisdiction rule file in dir, sorted by name so rule
// order is stable, and rejects duplicate rule ids across files.
func LoadDir(dir string) ([]Rule, error) {
	const op = "compliance.LoadDir"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var rules []Rule
	seen := make(map[string]string)
	for _, name := range names {
		fileRules, err := loadRuleFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, r := range fileRules {
			if prev, dup := seen[r.ID]; dup {
				return nil, errkind.Errorf(errkind.BadRange, op,
					"rule %q defined in both %s and %s", r.ID, prev, name)
			}
			seen[r.ID] = name
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// LoadRuleSet is LoadDir followed by Compile, for callers that log the
// compile warnings themselves.
func LoadRuleSet(dir string) (*RuleSet, []error, error) {
	rules, err := LoadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	set, warns := Compile(rules)
	return set, warns, nil
}

func isRuleFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

func loadRuleFile(path string) ([]Rule, error) {
	const op = "compliance.loadRuleFile"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errkind.Errorf(errkind.BadRange, op, "%s: %v", filepath.Base(path), err)
	}
	rules := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return nil, errkind.Errorf(errkind.BadRange, op, "%s: %v", filepath.Base(path), err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
