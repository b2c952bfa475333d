package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/scanloop"
)

// ErrNoPool is returned when a node name resolves to no pool and no default
// pool is configured.
var ErrNoPool = errors.New("llm: no pool for node")

// Manager owns every pool and the node-to-pool routing table. It is the only
// authority on endpoint selection; graph nodes never see endpoint identity.
type Manager struct {
	pools       map[string]*Pool
	nodes       map[string]string
	defaultPool string
	healthEvery time.Duration
	log         *slog.Logger
}

// newCaller builds the production caller for an endpoint. Swapped in tests.
var newCaller = func(base, key, model string, temperature float64, timeout time.Duration) Caller {
	return &HTTPCaller{
		APIBase:     base,
		APIKey:      key,
		Model:       model,
		Temperature: temperature,
		Timeout:     timeout,
	}
}

// BuildManager materializes pools and routing from a validated config.
func BuildManager(cfg *FileConfig, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	// Index declared models by "provider:model" ref.
	type boundModel struct {
		provider ProviderConfig
		model    ModelConfig
		pname    string
	}
	byRef := make(map[string]boundModel)
	for pname, p := range cfg.Providers {
		for _, m := range p.Models {
			byRef[pname+":"+m.Model] = boundModel{provider: p, model: m, pname: pname}
		}
	}

	healthEvery := time.Duration(DefaultHealthSec) * time.Second
	pools := make(map[string]*Pool, len(cfg.Pools))
	for name, pc := range cfg.Pools {
		tuning := PoolTuning{}
		if pc.PoolConfig != nil {
			tuning = *pc.PoolConfig
		}
		if tuning.HealthCheckInterval > 0 {
			if every := time.Duration(tuning.HealthCheckInterval) * time.Second; every < healthEvery {
				healthEvery = every
			}
		}

		var endpoints []*Endpoint
		for _, ref := range pc.Models {
			bound, ok := byRef[ref]
			if !ok {
				return nil, fmt.Errorf("llm: pool %q references unknown model %q", name, ref)
			}
			ep, err := buildEndpoint(bound.pname, bound.provider, bound.model, pc, tuning)
			if err != nil {
				return nil, fmt.Errorf("llm: pool %q: %w", name, err)
			}
			endpoints = append(endpoints, ep)
		}
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("llm: pool %q has no endpoints", name)
		}
		pools[name] = NewPool(name, pc.LoadBalanceStrategy, endpoints, tuning, log)
	}

	nodes := make(map[string]string, len(cfg.Nodes))
	for node, ref := range cfg.Nodes {
		nodes[node] = ref.Pool
	}

	return &Manager{
		pools:       pools,
		nodes:       nodes,
		defaultPool: cfg.resolveDefaultPool(),
		healthEvery: healthEvery,
		log:         log,
	}, nil
}

func buildEndpoint(pname string, p ProviderConfig, m ModelConfig, pc PoolConfig, tuning PoolTuning) (*Endpoint, error) {
	base := firstNonEmpty(m.APIBase, p.APIBase)
	if base == "" {
		return nil, fmt.Errorf("model %s:%s has no api_base", pname, m.Model)
	}
	key := firstNonEmpty(m.APIKey, p.APIKey)

	temperature := DefaultTemperature
	if pc.Temperature != nil {
		temperature = *pc.Temperature
	}
	if m.Temperature != nil {
		temperature = *m.Temperature
	}

	timeoutSec := DefaultTimeoutSec
	if tuning.Timeout > 0 {
		timeoutSec = tuning.Timeout
	}
	if pc.Timeout != nil {
		timeoutSec = *pc.Timeout
	}
	if m.Timeout != nil {
		timeoutSec = *m.Timeout
	}

	weight := DefaultWeight
	if m.Weight != nil {
		weight = *m.Weight
	}

	return &Endpoint{
		Provider: pname,
		Model:    m.Model,
		Weight:   weight,
		caller: newCaller(
			strings.TrimRight(base, "/"), key, m.Model,
			temperature, time.Duration(timeoutSec)*time.Second),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// PoolCount reports how many pools are registered.
func (m *Manager) PoolCount() int {
	return len(m.pools)
}

// GetNode resolves a graph-node name to its pool: the mapped pool when one
// exists, otherwise the default pool, otherwise ErrNoPool.
func (m *Manager) GetNode(nodeName string) (*Pool, error) {
	name, ok := m.nodes[nodeName]
	if !ok {
		name = m.defaultPool
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoPool, nodeName)
	}
	pool, ok := m.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q maps to unknown pool %q", ErrNoPool, nodeName, name)
	}
	return pool, nil
}

// Invoke resolves nodeName to a pool and runs one chat-completion call
// through it.
func (m *Manager) Invoke(ctx context.Context, nodeName string, messages []Message) (string, error) {
	pool, err := m.GetNode(nodeName)
	if err != nil {
		return "", err
	}
	return pool.Invoke(ctx, messages)
}

// Run sweeps expired circuits until stopCh closes. Intended to run in its
// own goroutine.
func (m *Manager) Run(stopCh <-chan struct{}) {
	scanloop.Run(stopCh, m.healthEvery, scanloop.DefaultJitterRange, func() {
		for _, p := range m.pools {
			p.sweep()
		}
	})
}

// Status snapshots every pool's endpoint health, keyed by pool name.
func (m *Manager) Status() map[string][]EndpointStatus {
	out := make(map[string][]EndpointStatus, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Status()
	}
	return out
}
