package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/timeutil"
)

// Selection strategies.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyRandom         = "random"
	StrategyWeightedRandom = "weighted_random"
	StrategyLeastUsed      = "least_used"
)

// Endpoint is one model behind a pool. Runtime health fields are guarded by
// the owning pool's mutex.
type Endpoint struct {
	Provider string
	Model    string
	Weight   int
	caller   Caller

	healthy   bool
	errCount  int
	openUntil time.Time
}

// Name returns the endpoint's provider:model reference.
func (e *Endpoint) Name() string {
	return e.Provider + ":" + e.Model
}

// available reports whether the endpoint may be selected at now. An expired
// circuit makes the endpoint eligible again even before a success resets it.
func (e *Endpoint) available(now time.Time) bool {
	if now.Before(e.openUntil) {
		return false
	}
	return true
}

// EndpointStatus is a point-in-time snapshot for diagnostics.
type EndpointStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	ErrCount  int       `json:"err_count"`
	OpenUntil time.Time `json:"open_until,omitzero"`
}

// Pool is a named set of interchangeable endpoints sharing a selection
// strategy, a concurrency cap, and circuit state.
type Pool struct {
	Name     string
	Strategy string

	mu        sync.Mutex
	endpoints []*Endpoint
	rrCounter uint64

	sem         *semaphore.Weighted
	backoff     crawl.Backoff
	cbThreshold int
	cbTimeout   time.Duration

	log  *slog.Logger
	now  func() time.Time
	intn func(n int) int
}

// NewPool builds a pool over the given endpoints. Endpoints keep their
// declared order; callers must supply at least one.
func NewPool(name, strategy string, endpoints []*Endpoint, tuning PoolTuning, log *slog.Logger) *Pool {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	if log == nil {
		log = slog.Default()
	}
	if tuning.MaxRetries == 0 {
		tuning.MaxRetries = DefaultMaxRetries
	}
	if tuning.ConcurrentLimit == 0 {
		tuning.ConcurrentLimit = DefaultConcurrentLimit
	}
	if tuning.CircuitBreakerThreshold == 0 {
		tuning.CircuitBreakerThreshold = DefaultCBThreshold
	}
	if tuning.CircuitBreakerTimeout == 0 {
		tuning.CircuitBreakerTimeout = DefaultCBTimeoutSec
	}
	for _, ep := range endpoints {
		ep.healthy = true
		if ep.Weight <= 0 {
			ep.Weight = DefaultWeight
		}
	}
	backoff := crawl.DefaultBackoff()
	backoff.MaxTries = tuning.MaxRetries
	return &Pool{
		Name:        name,
		Strategy:    strategy,
		endpoints:   endpoints,
		sem:         semaphore.NewWeighted(int64(tuning.ConcurrentLimit)),
		backoff:     backoff,
		cbThreshold: tuning.CircuitBreakerThreshold,
		cbTimeout:   time.Duration(tuning.CircuitBreakerTimeout) * time.Second,
		log:         log,
		now:         timeutil.Now,
		intn:        rand.IntN,
	}
}

// Invoke runs one chat-completion call through the pool: acquire the
// concurrency slot, pick an endpoint, call it, and account the outcome.
// Failed calls are retried on other (or the same) endpoints under the pool's
// retry budget with exponential backoff.
func (p *Pool) Invoke(ctx context.Context, messages []Message) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)

	var reply string
	err := p.backoff.Do(ctx, func() error {
		ep := p.pick()
		out, callErr := ep.caller.Call(ctx, messages)
		if callErr != nil {
			p.reportFailure(ep, callErr)
			return callErr
		}
		p.reportSuccess(ep)
		reply = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// pick selects an endpoint under the pool's strategy, skipping open
// circuits. When every circuit is open the pool resets all endpoint state
// and selects from the full list, so a flapping upstream cannot brick the
// pool permanently.
func (p *Pool) pick() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []*Endpoint
	for _, ep := range p.endpoints {
		if ep.available(now) {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		p.log.Warn("all endpoints circuit-open, resetting pool", "pool", p.Name)
		for _, ep := range p.endpoints {
			ep.healthy = true
			ep.errCount = 0
			ep.openUntil = time.Time{}
		}
		candidates = p.endpoints
	}

	switch p.Strategy {
	case StrategyRandom:
		return candidates[p.intn(len(candidates))]
	case StrategyWeightedRandom:
		total := 0
		for _, ep := range candidates {
			total += ep.Weight
		}
		n := p.intn(total)
		for _, ep := range candidates {
			n -= ep.Weight
			if n < 0 {
				return ep
			}
		}
		return candidates[len(candidates)-1]
	case StrategyLeastUsed:
		best := candidates[0]
		for _, ep := range candidates[1:] {
			if ep.errCount < best.errCount {
				best = ep
			}
		}
		return best
	default: // round_robin
		ep := candidates[p.rrCounter%uint64(len(candidates))]
		p.rrCounter++
		return ep
	}
}

func (p *Pool) reportFailure(ep *Endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.errCount++
	if ep.errCount >= p.cbThreshold {
		ep.healthy = false
		ep.openUntil = p.now().Add(p.cbTimeout)
		p.log.Warn("circuit opened",
			"pool", p.Name, "endpoint", ep.Name(),
			"err_count", ep.errCount, "open_until", ep.openUntil, "error", err)
		return
	}
	p.log.Debug("endpoint call failed",
		"pool", p.Name, "endpoint", ep.Name(), "err_count", ep.errCount, "error", err)
}

func (p *Pool) reportSuccess(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.healthy = true
	ep.errCount = 0
	ep.openUntil = time.Time{}
}

// sweep closes circuits whose cool-down has elapsed. Called by the manager's
// health loop so Status reflects recovery even between calls.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, ep := range p.endpoints {
		if !ep.healthy && !ep.openUntil.IsZero() && !now.Before(ep.openUntil) {
			ep.healthy = true
			ep.errCount = 0
			ep.openUntil = time.Time{}
			p.log.Info("circuit closed after cool-down", "pool", p.Name, "endpoint", ep.Name())
		}
	}
}

// Status snapshots every endpoint's health.
func (p *Pool) Status() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, EndpointStatus{
			Name:      ep.Name(),
			Healthy:   ep.healthy,
			ErrCount:  ep.errCount,
			OpenUntil: ep.openUntil,
		})
	}
	return out
}
