package llm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPoolYAML = `
providers:
  openai:
    provider: openai
    api_base: https://api.openai.test/v1
    api_key: sk-test
    models:
      - model: gpt-4o-mini
        weight: 2
        temperature: 0.3
      - model: gpt-4o
        timeout: 120
pools:
  default:
    description: general purpose
    models: ["openai:gpt-4o-mini", "openai:gpt-4o"]
    load_balance_strategy: round_robin
    pool_config:
      max_retries: 4
      timeout: 60
      concurrent_limit: 8
      circuit_breaker_threshold: 3
      circuit_breaker_timeout: 120
      health_check_interval: 30
nodes:
  tagger: default
  tagger_review: { pool: default }
  score: default
default_pool: default
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llm_pools.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigValid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validPoolYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Nodes["tagger_review"].Pool != "default" {
		t.Fatalf("mapping form node: %+v", cfg.Nodes["tagger_review"])
	}
	if cfg.Nodes["tagger"].Pool != "default" {
		t.Fatalf("scalar form node: %+v", cfg.Nodes["tagger"])
	}

	m, err := BuildManager(cfg, testLog())
	if err != nil {
		t.Fatalf("BuildManager: %v", err)
	}
	if m.PoolCount() != 1 {
		t.Fatalf("pool count = %d", m.PoolCount())
	}
	pool, err := m.GetNode("tagger")
	if err != nil {
		t.Fatal(err)
	}
	if pool.Name != "default" {
		t.Fatalf("pool = %q", pool.Name)
	}
	// Unmapped node falls to default_pool.
	if _, err := m.GetNode("summarize"); err != nil {
		t.Fatalf("default pool fallback: %v", err)
	}
}

func TestLoadConfigMissingFileIsError(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown model ref",
			yaml: strings.Replace(validPoolYAML, `"openai:gpt-4o"`, `"openai:missing"`, 1),
			want: "unknown model",
		},
		{
			name: "unknown node pool",
			yaml: strings.Replace(validPoolYAML, "score: default", "score: nosuch", 1),
			want: "unknown pool",
		},
		{
			name: "bad strategy",
			yaml: strings.Replace(validPoolYAML, "round_robin", "fastest_first", 1),
			want: "load_balance_strategy",
		},
		{
			name: "temperature out of range",
			yaml: strings.Replace(validPoolYAML, "temperature: 0.3", "temperature: 3.5", 1),
			want: "temperature",
		},
		{
			name: "retries out of range",
			yaml: strings.Replace(validPoolYAML, "max_retries: 4", "max_retries: 99", 1),
			want: "max_retries",
		},
		{
			name: "cooldown out of range",
			yaml: strings.Replace(validPoolYAML, "circuit_breaker_timeout: 120", "circuit_breaker_timeout: 5", 1),
			want: "circuit_breaker_timeout",
		},
		{
			name: "bad default pool",
			yaml: strings.Replace(validPoolYAML, "default_pool: default", "default_pool: ghost", 1),
			want: "default_pool",
		},
		{
			name: "empty sections",
			yaml: "providers: {}\npools: {}\nnodes: {}\n",
			want: "missing or empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestResolveDefaultPoolSinglePool(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, strings.Replace(validPoolYAML, "default_pool: default\n", "", 1)))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.resolveDefaultPool(); got != "default" {
		t.Fatalf("resolveDefaultPool = %q", got)
	}
}

func TestGetNodeNoPool(t *testing.T) {
	m := &Manager{pools: map[string]*Pool{}, nodes: map[string]string{}}
	if _, err := m.GetNode("tagger"); !errors.Is(err, ErrNoPool) {
		t.Fatalf("err = %v, want ErrNoPool", err)
	}
}
