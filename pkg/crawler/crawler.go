// Package crawler fetches monitored legal documents and hands their bodies
// to intake processing. Every outbound request passes through the shared
// rate limiter and carries the engine's identification header. Per-target
// failure bookkeeping, backoff, and quarantine live in the Swarm.
package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/fingerprint"
	"github.com/fineprintai/engine/pkg/observability"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/ratelimit"
)

// maxRedirects bounds how far a fetch follows Location headers.
const maxRedirects = 5

// MonitoringTarget is one URL the engine watches. OwnerID attributes the
// resulting versions; DocumentID is set once the target tracks a stored
// document.
type MonitoringTarget struct {
	URL            string   `json:"url"`
	SelectorHints  []string `json:"selector_hints,omitempty"`
	DocumentType   string   `json:"document_type"`
	CadenceSeconds int      `json:"cadence_seconds"`
	OwnerID        string   `json:"owner_id"`
	DocumentID     string   `json:"document_id,omitempty"`
}

// StatusError reports a non-2xx response from a monitored origin.
// RetryAfter carries the server's pacing hint on 429 responses.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Crawler issues rate-limited GETs for monitoring targets and shapes the
// responses into intake events.
type Crawler struct {
	client    *http.Client
	limiter   *ratelimit.Limiter
	telemetry *observability.Provider
	logger    *slog.Logger
	userAgent string
	maxBody   int64
	clock     func() time.Time
	newID     func() string
}

// Option adjusts crawler construction.
type Option func(*Crawler)

// WithClock substitutes the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Crawler) { c.clock = fn }
}

// WithTelemetry attaches span and metric emission to every fetch.
func WithTelemetry(p *observability.Provider) Option {
	return func(c *Crawler) { c.telemetry = p }
}

// WithHTTPClient replaces the transport, redirect policy included.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Crawler) { c.client = hc }
}

// New builds a crawler from the outbound HTTP settings. The default client
// enforces the configured timeout and stops after five redirects.
func New(cfg config.HTTPConfig, limiter *ratelimit.Limiter, opts ...Option) *Crawler {
	c := &Crawler{
		limiter:   limiter,
		logger:    slog.Default().With("component", "crawler"),
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		clock:     time.Now,
		newID:     uuid.NewString,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Crawler) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if c.telemetry == nil {
		return ctx, func(error) {}
	}
	return c.telemetry.TrackOperation(ctx, name, attrs...)
}

// Fetch retrieves one monitoring target and returns the intake event to
// enqueue. The host lease is held for the whole request so the per-host
// budget counts bytes on the wire, not just connection starts. Failures
// come back as errkind.Oversize, errkind.RateLimited (wrapping a
// StatusError with the Retry-After hint), errkind.Canceled, or a wrapped
// StatusError / transport error for the monitor worker to classify.
func (c *Crawler) Fetch(ctx context.Context, t MonitoringTarget) (*queue.IntakeEvent, error) {
	const op = "crawler.Fetch"

	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" {
		return nil, errkind.Errorf(errkind.Internal, op, "target url %q does not parse", t.URL)
	}

	lease, err := c.limiter.Acquire(ctx, u.Host)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	fctx, finish := c.track(ctx, "crawler.fetch", observability.CrawlOperation(u.Host, 0)...)
	ev, err := c.fetch(fctx, t)
	finish(err)
	return ev, err
}

func (c *Crawler) fetch(ctx context.Context, t MonitoringTarget) (*queue.IntakeEvent, error) {
	const op = "crawler.Fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.E(errkind.Canceled, op, ctx.Err())
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", t.URL, err)
	}
	defer resp.Body.Close()

	observability.SpanFromContext(ctx).SetAttributes(
		observability.AttrCrawlStatus.Int(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errkind.E(errkind.RateLimited, op, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock),
		})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("failed to fetch %s: %w", t.URL, &StatusError{StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.E(errkind.Canceled, op, ctx.Err())
		}
		return nil, fmt.Errorf("failed to read %s body: %w", t.URL, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, errkind.Errorf(errkind.Oversize, op,
			"%s body exceeds the %d byte cap", t.URL, c.maxBody)
	}

	contentType := resp.Header.Get("Content-Type")
	raw := body
	if len(t.SelectorHints) > 0 && fingerprint.IsHTML(body, contentType) {
		if text, ok := extractHinted(body, t.SelectorHints); ok {
			raw = []byte(text)
			contentType = "text/plain; charset=utf-8"
		}
	}

	return &queue.IntakeEvent{
		URL:          t.URL,
		FetchedAt:    c.clock().UTC(),
		RawBytes:     raw,
		ContentType:  contentType,
		RequestID:    c.newID(),
		DocumentType: t.DocumentType,
		OwnerID:      t.OwnerID,
		DocumentID:   t.DocumentID,
	}, nil
}

// parseRetryAfter reads the header's delta-seconds or HTTP-date form.
// Unparseable or past values yield zero.
func parseRetryAfter(v string, clock func() time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(clock()); d > 0 {
			return d
		}
	}
	return 0
}

// selector is the subset of CSS selection the hint syntax supports:
// "tag", "#id", ".class", "tag#id", and "tag.class".
type selector struct {
	tag   string
	id    string
	class string
}

func parseHint(hint string) (selector, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return selector{}, false
	}
	var sel selector
	switch i := strings.IndexAny(hint, "#."); {
	case i < 0:
		sel.tag = strings.ToLower(hint)
	case hint[i] == '#':
		sel.tag, sel.id = strings.ToLower(hint[:i]), hint[i+1:]
	default:
		sel.tag, sel.class = strings.ToLower(hint[:i]), hint[i+1:]
	}
	return sel, sel.tag != "" || sel.id != "" || sel.class != ""
}

// extractHinted returns the visible text of the first element matched by
// any hint, trying hints in order. A hint that matches nothing, or matches
// an element with no visible text, falls through to the next one.
func extractHinted(body []byte, hints []string) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	for _, hint := range hints {
		sel, ok := parseHint(hint)
		if !ok {
			continue
		}
		node := findFirst(doc, sel)
		if node == nil {
			continue
		}
		var buf bytes.Buffer
		if err := html.Render(&buf, node); err != nil {
			continue
		}
		text, err := fingerprint.HTMLText(&buf)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		return text, true
	}
	return "", false
}

// findFirst walks the tree in document order.
func findFirst(n *html.Node, sel selector) *html.Node {
	if n.Type == html.ElementNode && matches(n, sel) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirst(child, sel); found != nil {
			return found
		}
	}
	return nil
}

func matches(n *html.Node, sel selector) bool {
	if sel.tag != "" && n.Data != sel.tag {
		return false
	}
	if sel.id != "" && attrValue(n, "id") != sel.id {
		return false
	}
	if sel.class != "" && !hasClass(attrValue(n, "class"), sel.class) {
		return false
	}
	return true
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(classAttr, want string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == want {
			return true
		}
	}
	return false
}
