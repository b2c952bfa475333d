package crawl

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"
)

// userAgents is the rotation pool for browser instantiation and feed fetches.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/120.0.0.0",
}

// headerPool holds randomized accept/language header sets attached per request.
var headerPool = []map[string]string{
	{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           "zh-CN,zh;q=0.9,en;q=0.8",
		"Accept-Encoding":           "gzip, deflate, br",
		"DNT":                       "1",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
	},
	{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.5",
		"Accept-Encoding":           "gzip, deflate",
		"DNT":                       "1",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
	},
	{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language":           "zh-CN,zh;q=0.9",
		"Accept-Encoding":           "gzip, deflate, br",
		"Cache-Control":             "max-age=0",
		"Upgrade-Insecure-Requests": "1",
	},
}

// RandomUserAgent returns a user agent from the rotation pool.
func RandomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// RandomHeaders returns a randomized browser-like header set.
func RandomHeaders() http.Header {
	h := http.Header{}
	for k, v := range headerPool[rand.IntN(len(headerPool))] {
		h.Set(k, v)
	}
	return h
}

// DelayConfig holds the effective pacing windows for one request. Each fetch
// sleeps uniform(MinGlobal, MaxGlobal) since the last request to any host,
// then uniform(MinDomain, MaxDomain) since the last request to its own host.
type DelayConfig struct {
	MinGlobal time.Duration
	MaxGlobal time.Duration
	MinDomain time.Duration
	MaxDomain time.Duration
}

// DefaultDelays is the pacing applied when no rule overrides a URL.
var DefaultDelays = DelayConfig{
	MinGlobal: 1 * time.Second,
	MaxGlobal: 3 * time.Second,
	MinDomain: 3 * time.Second,
	MaxDomain: 8 * time.Second,
}

// DelayPatch is a partial DelayConfig; nil fields leave the default untouched.
type DelayPatch struct {
	MinGlobal *time.Duration
	MaxGlobal *time.Duration
	MinDomain *time.Duration
	MaxDomain *time.Duration
}

// RuleFunc resolves a per-URL pacing override. Return nil for "use defaults".
type RuleFunc func(rawURL string) *DelayPatch

// strictHosts maps hosts with aggressive anti-crawling to long per-domain
// gaps. The table is consulted by StrictHostRule.
var strictHosts = map[string]DelayConfig{
	"mp.weixin.qq.com": {
		MinGlobal: 3 * time.Second,
		MaxGlobal: 5 * time.Second,
		MinDomain: 20 * time.Second,
		MaxDomain: 40 * time.Second,
	},
}

// StrictHostRule is the built-in override table for known-strict hosts.
func StrictHostRule(rawURL string) *DelayPatch {
	cfg, ok := strictHosts[HostKey(rawURL)]
	if !ok {
		return nil
	}
	return &DelayPatch{
		MinGlobal: &cfg.MinGlobal,
		MaxGlobal: &cfg.MaxGlobal,
		MinDomain: &cfg.MinDomain,
		MaxDomain: &cfg.MaxDomain,
	}
}

// Policy applies the global and per-domain spacing before each fetch.
// Global spacing runs first, then domain spacing; both sleeps abort on
// context cancellation.
type Policy struct {
	Defaults DelayConfig
	Rule     RuleFunc
	Tracker  *Tracker

	mu      sync.Mutex
	lastAny time.Time

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a pacing policy over the given tracker.
// rule may be nil for defaults-only pacing.
func NewPolicy(defaults DelayConfig, rule RuleFunc, tracker *Tracker) *Policy {
	return &Policy{
		Defaults: defaults,
		Rule:     rule,
		Tracker:  tracker,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// resolve merges the rule's patch over the defaults. A panicking rule is
// logged and falls through to defaults.
func (p *Policy) resolve(rawURL string) (cfg DelayConfig) {
	cfg = p.Defaults
	if p.Rule == nil {
		return cfg
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("delay rule failed, using defaults", "url", rawURL, "panic", r)
			cfg = p.Defaults
		}
	}()
	patch := p.Rule(rawURL)
	if patch == nil {
		return cfg
	}
	if patch.MinGlobal != nil {
		cfg.MinGlobal = *patch.MinGlobal
	}
	if patch.MaxGlobal != nil {
		cfg.MaxGlobal = *patch.MaxGlobal
	}
	if patch.MinDomain != nil {
		cfg.MinDomain = *patch.MinDomain
	}
	if patch.MaxDomain != nil {
		cfg.MaxDomain = *patch.MaxDomain
	}
	return cfg
}

// Pace sleeps as needed before a fetch of rawURL and records the request.
func (p *Policy) Pace(ctx context.Context, rawURL string) error {
	cfg := p.resolve(rawURL)

	// Global spacing.
	p.mu.Lock()
	last := p.lastAny
	p.mu.Unlock()
	if !last.IsZero() {
		gap := uniform(cfg.MinGlobal, cfg.MaxGlobal)
		if wait := gap - p.now().Sub(last); wait > 0 {
			slog.Debug("global delay", "url", rawURL, "wait", wait)
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	// Domain spacing, stricter than global.
	domainGap := uniform(cfg.MinDomain, cfg.MaxDomain)
	if wait := p.Tracker.WaitNeeded(rawURL, domainGap); wait > 0 {
		slog.Debug("domain delay", "host", HostKey(rawURL), "wait", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.lastAny = p.now()
	p.mu.Unlock()
	p.Tracker.Record(rawURL)
	return nil
}

// uniform samples a duration from [min, max].
func uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
