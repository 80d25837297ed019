package patterns

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/store"
)

//go:embed library.schema.json
var librarySchemaJSON string

var librarySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	const url = "https://fineprint.ai/schemas/pattern-library.schema.json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(librarySchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// reloadDebounce coalesces the burst of fsnotify events an editor save
// produces into one reload.
const reloadDebounce = 200 * time.Millisecond

// libraryFile is the YAML shape of one rule file.
type libraryFile struct {
	Version int        `yaml:"version"`
	Rules   []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name          string   `yaml:"name"`
	Category      string   `yaml:"category"`
	Severity      string   `yaml:"severity"`
	Description   string   `yaml:"description"`
	LegalBasis    string   `yaml:"legal_basis"`
	Keywords      []string `yaml:"keywords"`
	Regex         string   `yaml:"regex"`
	Jurisdictions []string `yaml:"jurisdictions"`
	Active        *bool    `yaml:"active"`
}

func (r ruleSpec) toPatternRule() store.PatternRule {
	embeddingID := EmbeddingPointID(r.Name)
	rule := store.PatternRule{
		Name:          r.Name,
		Category:      r.Category,
		Severity:      store.Severity(r.Severity),
		Description:   r.Description,
		LegalBasis:    r.LegalBasis,
		Keywords:      r.Keywords,
		Jurisdictions: r.Jurisdictions,
		EmbeddingID:   &embeddingID,
		Active:        true,
	}
	if r.Regex != "" {
		rx := r.Regex
		rule.Regex = &rx
	}
	if r.Active != nil {
		rule.Active = *r.Active
	}
	return rule
}

// Library loads rule files from a directory, keeps a compiled Matcher
// current, and optionally watches the directory for edits. A failed reload
// keeps the previous compiled set.
type Library struct {
	dir     string
	logger  *slog.Logger
	matcher atomic.Pointer[Matcher]

	mu       sync.Mutex
	onReload func(rules []store.PatternRule)
}

// NewLibrary points at a rule directory; call Load before first use.
func NewLibrary(dir string) *Library {
	l := &Library{
		dir:    dir,
		logger: slog.Default().With("component", "patterns"),
	}
	m, _ := Compile(nil)
	l.matcher.Store(m)
	return l
}

// OnReload registers a callback invoked after each successful Load with
// the new rule set.
func (l *Library) OnReload(fn func(rules []store.PatternRule)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// Load reads, validates, and compiles every library file, then swaps the
// active matcher. On any error the previous matcher stays in place.
func (l *Library) Load() error {
	rules, err := loadDir(l.dir)
	if err != nil {
		return err
	}
	m, errs := Compile(rules)
	for _, cerr := range errs {
		l.logger.Warn("pattern rule skipped", "error", cerr)
	}
	l.matcher.Store(m)

	l.mu.Lock()
	fn := l.onReload
	l.mu.Unlock()
	if fn != nil {
		fn(m.Rules())
	}
	return nil
}

// Matcher returns the current compiled set.
func (l *Library) Matcher() *Matcher {
	return l.matcher.Load()
}

// Rules returns the definitions behind the current compiled set.
func (l *Library) Rules() []store.PatternRule {
	return l.matcher.Load().Rules()
}

// Watch reloads the library whenever a rule file changes. The watcher
// stops when ctx is canceled.
func (l *Library) Watch(ctx context.Context) error {
	const op = "patterns.Watch"
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	if err := w.Add(l.dir); err != nil {
		_ = w.Close()
		return errkind.E(errkind.Internal, op, err)
	}
	go l.watchLoop(ctx, w)
	return nil
}

func (l *Library) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer func() { _ = w.Close() }()

	reload := make(chan struct{}, 1)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isLibraryFile(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := l.Load(); err != nil {
				l.logger.WarnContext(ctx, "pattern library reload failed, keeping previous rules", "error", err)
				continue
			}
			l.logger.InfoContext(ctx, "pattern library reloaded", "rules", len(l.Rules()))
		case werr, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.WarnContext(ctx, "pattern library watcher error", "error", werr)
		}
	}
}

// RuleStore persists library entries; the store owns id and version
// assignment.
type RuleStore interface {
	SavePatternRule(ctx context.Context, rule store.PatternRule) (*store.PatternRule, error)
}

// Sync persists every loaded rule. Unchanged definitions are no-ops in the
// store; changed ones get a version bump there.
func (l *Library) Sync(ctx context.Context, dst RuleStore) ([]store.PatternRule, error) {
	var saved []store.PatternRule
	for _, rule := range l.Rules() {
		got, err := dst.SavePatternRule(ctx, rule)
		if err != nil {
			return saved, err
		}
		saved = append(saved, *got)
	}
	return saved, nil
}

// ValidateDir schema-checks and compiles every library file under dir
// without loading it anywhere. Used by `fpai patterns validate`.
func ValidateDir(dir string) error {
	rules, err := loadDir(dir)
	if err != nil {
		return err
	}
	if _, errs := Compile(rules); len(errs) > 0 {
		return errkind.E(errkind.BadRange, "patterns.ValidateDir", errors.Join(errs...))
	}
	return nil
}

func isLibraryFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// loadDir reads every library file in dir, sorted by name so rule order
// is stable, and rejects duplicate rule names across files.
func loadDir(dir string) ([]store.PatternRule, error) {
	const op = "patterns.loadDir"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isLibraryFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var rules []store.PatternRule
	seen := make(map[string]string)
	for _, name := range names {
		fileRules, err := loadLibraryFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, r := range fileRules {
			if prev, dup := seen[r.Name]; dup {
				return nil, errkind.Errorf(errkind.BadRange, op,
					"rule %q defined in both %s and %s", r.Name, prev, name)
			}
			seen[r.Name] = name
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func loadLibraryFile(path string) ([]store.PatternRule, error) {
	const op = "patterns.loadLibraryFile"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	// Schema validation runs on the JSON rendering of the YAML document,
	// which is the value space the validator understands.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errkind.Errorf(errkind.BadRange, op, "%s: %v", filepath.Base(path), err)
	}
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, errkind.Errorf(errkind.BadRange, op, "%s: %v", filepath.Base(path), err)
	}
	var v any
	if err := json.Unmarshal(jsonDoc, &v); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	if err := librarySchema.Validate(v); err != nil {
		return nil, errkind.Errorf(errkind.BadRange, op, "%s: %v", filepath.Base(path), err)
	}

	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errkind.Errorf(errkind.BadRange, op, "%s: %v", filepath.Base(path), err)
	}
	rules := make([]store.PatternRule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		rules = append(rules, spec.toPatternRule())
	}
	return rules, nil
}
