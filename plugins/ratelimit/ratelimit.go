// Package ratelimit throttles requests per client IP with a before hook
// that answers 429 once a token bucket is exhausted.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
)

// ID is the plugin ID.
const ID = "rate-limit"

const (
	// DefaultWindow is the refill period of the global limit
	DefaultWindow = 10 * time.Second

	// DefaultMax is the number of requests allowed per window
	DefaultMax = 100
)

// Rule limits one path.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRules apply stricter limits to credential endpoints.
var DefaultRules = map[string]Rule{
	"/sign-in/email": {Window: 10 * time.Second, Max: 3},
	"/sign-up/email": {Window: 10 * time.Second, Max: 3},
}

// Config configures the plugin.
type Config struct {
	Window time.Duration
	Max    int

	// Rules override the global limit for paths relative to the base
	// path (default: DefaultRules)
	Rules map[string]Rule

	// SkipPaths are never limited, e.g. "/ok"
	SkipPaths []string

	// Key identifies the caller (default: the client IP)
	Key func(rc *plugin.RequestContext) string

	// MaxEntries bounds tracked callers per limiter
	// (default: security.DefaultRateLimiterMaxEntries)
	MaxEntries int
}

// Plugin implements request throttling.
type Plugin struct {
	config   Config
	global   *security.RateLimiter
	rules    map[string]*security.RateLimiter
	basePath string
	logger   *slog.Logger
}

var (
	_ plugin.HookContributor      = (*Plugin)(nil)
	_ plugin.LifecycleContributor = (*Plugin)(nil)
	_ plugin.Validator            = (*Plugin)(nil)
)

// New creates the plugin.
func New(cfg Config) *Plugin {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Max == 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = security.DefaultRateLimiterMaxEntries
	}
	if cfg.Key == nil {
		cfg.Key = func(rc *plugin.RequestContext) string { return rc.ClientIP }
	}
	return &Plugin{config: cfg, logger: slog.Default()}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Validate rejects non-positive limits.
func (p *Plugin) Validate() error {
	if p.config.Max < 0 {
		return fmt.Errorf("max must be positive, got %d", p.config.Max)
	}
	for path, r := range p.config.Rules {
		if r.Max <= 0 || r.Window <= 0 {
			return fmt.Errorf("rule %q: max and window must be positive", path)
		}
	}
	return nil
}

func (p *Plugin) newLimiter(r Rule) *security.RateLimiter {
	return security.NewRateLimiterWithConfig(security.RateLimiterConfig{
		Rate:       r.Max,
		Per:        r.Window,
		Burst:      r.Max,
		MaxEntries: p.config.MaxEntries,
		Logger:     p.logger,
	})
}

// Init starts one limiter per rule.
func (p *Plugin) Init(_ context.Context, ac *plugin.AuthContext) (*plugin.InitResult, error) {
	if ac.Logger != nil {
		p.logger = ac.Logger
	}
	p.basePath = strings.TrimSuffix(ac.BasePath, "/")
	p.global = p.newLimiter(Rule{Window: p.config.Window, Max: p.config.Max})
	p.global.SetInstrumentation(ac.Instrumentation)
	p.rules = make(map[string]*security.RateLimiter, len(p.config.Rules))
	for path, r := range p.config.Rules {
		p.rules[path] = p.newLimiter(r)
	}
	return nil, nil
}

// Close stops the limiters' cleanup goroutines.
func (p *Plugin) Close() error {
	if p.global != nil {
		p.global.Stop()
	}
	for _, rl := range p.rules {
		rl.Stop()
	}
	return nil
}

// Hooks implements plugin.HookContributor.
func (p *Plugin) Hooks() plugin.Hooks {
	return plugin.Hooks{
		Before: []plugin.BeforeHook{{
			Name:    "rateLimit",
			Matcher: p.matches,
			Handler: p.limit,
		}},
	}
}

func (p *Plugin) relative(rc *plugin.RequestContext) string {
	path := strings.TrimPrefix(rc.Path, p.basePath)
	if path == "" {
		return "/"
	}
	return path
}

func (p *Plugin) matches(rc *plugin.RequestContext) bool {
	if p.global == nil {
		return false
	}
	path := p.relative(rc)
	for _, skip := range p.config.SkipPaths {
		if path == skip {
			return false
		}
	}
	return true
}

func (p *Plugin) limit(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	path := p.relative(rc)
	rl, ok := p.rules[path]
	limiterType := "path"
	if !ok {
		rl, limiterType = p.global, "ip"
	}

	key := p.config.Key(rc)
	allowed, retryAfter := rl.AllowWithRetry(key)
	if allowed {
		return nil, nil
	}

	rc.Logger().Warn("Rate limit exceeded", "ip", rc.ClientIP, "path", path)
	rc.Auth.Metrics().RecordRateLimitExceeded(ctx, limiterType)
	rc.Auth.Auditor.LogRateLimitExceeded(ctx, rc.ClientIP, path)

	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = int(p.config.Window.Seconds())
	}
	return &plugin.Response{
		Status:  http.StatusTooManyRequests,
		Body:    apierror.TooManyRequests("too many requests, please try again later"),
		Headers: http.Header{"Retry-After": []string{strconv.Itoa(seconds)}},
	}, nil
}
