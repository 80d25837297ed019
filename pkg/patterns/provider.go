package patterns

import (
	"context"
	"log/slog"
	"time"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/store"
)

// RuleSource lists the active persisted rule set.
type RuleSource interface {
	ListActivePatternRules(ctx context.Context) ([]store.PatternRule, error)
}

// Provider serves active rules with the pattern_lib cache in front of the
// store. Cache trouble degrades to a store read; it never fails the call.
type Provider struct {
	src    RuleSource
	cache  *cache.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewProvider wires a rule source and an optional cache. A zero ttl
// disables caching writes.
func NewProvider(src RuleSource, c *cache.Client, ttl time.Duration) *Provider {
	return &Provider{
		src:    src,
		cache:  c,
		ttl:    ttl,
		logger: slog.Default().With("component", "patterns"),
	}
}

// Active returns the live rule set.
func (p *Provider) Active(ctx context.Context) ([]store.PatternRule, error) {
	if p.cache != nil {
		rules, hit, err := cache.Get[[]store.PatternRule](ctx, p.cache, cache.PatternLibKey())
		if err != nil {
			p.logger.WarnContext(ctx, "pattern cache read failed, falling back to store", "error", err)
		} else if hit {
			return rules, nil
		}
	}

	rules, err := p.src.ListActivePatternRules(ctx)
	if err != nil {
		return nil, err
	}
	if p.cache != nil && p.ttl > 0 {
		if err := cache.Set(ctx, p.cache, cache.PatternLibKey(), rules, p.ttl); err != nil {
			p.logger.WarnContext(ctx, "pattern cache write failed", "error", err)
		}
	}
	return rules, nil
}

// CompiledActive compiles the live rule set. Broken rules are skipped with
// a warning; persisted rules were validated at save time so this is rare.
func (p *Provider) CompiledActive(ctx context.Context) (*Matcher, error) {
	rules, err := p.Active(ctx)
	if err != nil {
		return nil, err
	}
	m, errs := Compile(rules)
	for _, cerr := range errs {
		p.logger.WarnContext(ctx, "pattern rule skipped", "error", cerr)
	}
	return m, nil
}

// Invalidate drops the cached rule set, forcing the next Active call back
// to the store. Called after library syncs.
func (p *Provider) Invalidate(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Invalidate(ctx, cache.PatternLibKey())
}
