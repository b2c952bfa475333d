package llm

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Numeric bounds enforced by Validate. Settings outside these ranges fail
// the whole load.
const (
	minTemperature = 0.0
	maxTemperature = 2.0
	minTimeoutSec  = 1
	maxTimeoutSec  = 300
	minRetries     = 1
	maxRetries     = 10
	minConcurrent  = 1
	maxConcurrent  = 100
	minThreshold   = 1
	maxThreshold   = 50
	minCooldownSec = 10
	maxCooldownSec = 3600
	minHealthSec   = 10
	maxHealthSec   = 300
)

// Defaults applied when a pool omits its pool_config block or individual
// fields.
const (
	DefaultTimeoutSec      = 30
	DefaultMaxRetries      = 3
	DefaultConcurrentLimit = 10
	DefaultCBThreshold     = 5
	DefaultCBTimeoutSec    = 60
	DefaultHealthSec       = 60
	DefaultTemperature     = 0.7
	DefaultWeight          = 1
)

var validStrategies = map[string]bool{
	StrategyRoundRobin:     true,
	StrategyRandom:         true,
	StrategyWeightedRandom: true,
	StrategyLeastUsed:      true,
}

// ModelConfig declares one model under a provider.
type ModelConfig struct {
	Model       string   `yaml:"model"`
	APIBase     string   `yaml:"api_base"`
	APIKey      string   `yaml:"api_key"`
	Temperature *float64 `yaml:"temperature"`
	Timeout     *int     `yaml:"timeout"`
	Weight      *int     `yaml:"weight"`
	TPM         int      `yaml:"tpm"`
	RPM         int      `yaml:"rpm"`
}

// ProviderConfig declares a provider and its models.
type ProviderConfig struct {
	Provider   string        `yaml:"provider"`
	APIBase    string        `yaml:"api_base"`
	APIKey     string        `yaml:"api_key"`
	APIVersion string        `yaml:"api_version"`
	Models     []ModelConfig `yaml:"models"`
}

// PoolTuning is the pool_config block.
type PoolTuning struct {
	MaxRetries              int `yaml:"max_retries"`
	Timeout                 int `yaml:"timeout"`
	ConcurrentLimit         int `yaml:"concurrent_limit"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   int `yaml:"circuit_breaker_timeout"`
	HealthCheckInterval     int `yaml:"health_check_interval"`
}

// PoolConfig declares one pool over provider:model refs.
type PoolConfig struct {
	Description         string      `yaml:"description"`
	Models              []string    `yaml:"models"`
	LoadBalanceStrategy string      `yaml:"load_balance_strategy"`
	Temperature         *float64    `yaml:"temperature"`
	Timeout             *int        `yaml:"timeout"`
	PoolConfig          *PoolTuning `yaml:"pool_config"`
}

// NodeRef maps a graph-node name to a pool. In YAML it may be a bare string
// or a {pool: name} mapping.
type NodeRef struct {
	Pool string `yaml:"pool"`
}

func (n *NodeRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		n.Pool = value.Value
		return nil
	}
	type plain NodeRef
	return value.Decode((*plain)(n))
}

// FileConfig is the parsed pool configuration file.
type FileConfig struct {
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Pools       map[string]PoolConfig     `yaml:"pools"`
	Nodes       map[string]NodeRef        `yaml:"nodes"`
	DefaultPool string                    `yaml:"default_pool"`
}

// LoadConfig reads, parses, and validates the pool configuration at path.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pool config %s: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("pool config %s: parse: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the whole document and collects every problem before
// failing, so a broken config is fixable in one pass.
func (c *FileConfig) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if len(c.Providers) == 0 {
		add("providers section is missing or empty")
	}
	if len(c.Pools) == 0 {
		add("pools section is missing or empty")
	}
	if len(c.Nodes) == 0 {
		add("nodes section is missing or empty")
	}

	// Known model refs as "provider:model".
	refs := make(map[string]bool)
	for pname, p := range c.Providers {
		if len(p.Models) == 0 {
			add("provider %q declares no models", pname)
		}
		for _, m := range p.Models {
			if m.Model == "" {
				add("provider %q has a model with empty name", pname)
				continue
			}
			refs[pname+":"+m.Model] = true
			if m.Temperature != nil && (*m.Temperature < minTemperature || *m.Temperature > maxTemperature) {
				add("provider %q model %q: temperature %v out of range [%v, %v]",
					pname, m.Model, *m.Temperature, minTemperature, maxTemperature)
			}
			if m.Timeout != nil && (*m.Timeout < minTimeoutSec || *m.Timeout > maxTimeoutSec) {
				add("provider %q model %q: timeout %d out of range [%d, %d]",
					pname, m.Model, *m.Timeout, minTimeoutSec, maxTimeoutSec)
			}
			if m.Weight != nil && *m.Weight <= 0 {
				add("provider %q model %q: weight must be > 0", pname, m.Model)
			}
		}
	}

	for name, pool := range c.Pools {
		if len(pool.Models) == 0 {
			add("pool %q has no models", name)
		}
		for _, ref := range pool.Models {
			if !refs[ref] {
				add("pool %q references unknown model %q", name, ref)
			}
		}
		if pool.LoadBalanceStrategy != "" && !validStrategies[pool.LoadBalanceStrategy] {
			add("pool %q: invalid load_balance_strategy %q", name, pool.LoadBalanceStrategy)
		}
		if pool.Temperature != nil && (*pool.Temperature < minTemperature || *pool.Temperature > maxTemperature) {
			add("pool %q: temperature %v out of range [%v, %v]",
				name, *pool.Temperature, minTemperature, maxTemperature)
		}
		if pool.Timeout != nil && (*pool.Timeout < minTimeoutSec || *pool.Timeout > maxTimeoutSec) {
			add("pool %q: timeout %d out of range [%d, %d]", name, *pool.Timeout, minTimeoutSec, maxTimeoutSec)
		}
		if t := pool.PoolConfig; t != nil {
			checkRange := func(field string, v, lo, hi int) {
				if v != 0 && (v < lo || v > hi) {
					add("pool %q: %s %d out of range [%d, %d]", name, field, v, lo, hi)
				}
			}
			checkRange("max_retries", t.MaxRetries, minRetries, maxRetries)
			checkRange("timeout", t.Timeout, minTimeoutSec, maxTimeoutSec)
			checkRange("concurrent_limit", t.ConcurrentLimit, minConcurrent, maxConcurrent)
			checkRange("circuit_breaker_threshold", t.CircuitBreakerThreshold, minThreshold, maxThreshold)
			checkRange("circuit_breaker_timeout", t.CircuitBreakerTimeout, minCooldownSec, maxCooldownSec)
			checkRange("health_check_interval", t.HealthCheckInterval, minHealthSec, maxHealthSec)
		}
	}

	for node, ref := range c.Nodes {
		if ref.Pool == "" {
			add("node %q maps to an empty pool name", node)
			continue
		}
		if _, ok := c.Pools[ref.Pool]; !ok {
			add("node %q references unknown pool %q", node, ref.Pool)
		}
	}

	if c.DefaultPool != "" {
		if _, ok := c.Pools[c.DefaultPool]; !ok {
			add("default_pool %q is not a declared pool", c.DefaultPool)
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid pool config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// resolveDefaultPool picks the effective default pool: the declared one, or
// the only pool when exactly one exists.
func (c *FileConfig) resolveDefaultPool() string {
	if c.DefaultPool != "" {
		return c.DefaultPool
	}
	if len(c.Pools) == 1 {
		for name := range c.Pools {
			return name
		}
	}
	return ""
}
