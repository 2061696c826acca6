// Package config loads and validates the engine configuration.
//
// The file is YAML. Before decoding into typed structs, the document is
// unified with an embedded CUE schema: unknown keys, type mismatches, and
// out-of-range values fail loudly at startup instead of surfacing as odd
// runtime behavior.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/reconcile"
)

//go:embed schema.cue
var schemaCUE string

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	SchemaVersion int `yaml:"schema_version"`

	Host struct {
		BaseURL        string   `yaml:"base_url"`
		Capabilities   []string `yaml:"capabilities"`
		AttemptTimeout Duration `yaml:"attempt_timeout"`
	} `yaml:"host"`

	Backoff struct {
		Base Duration `yaml:"base"`
		Cap  Duration `yaml:"cap"`
	} `yaml:"backoff"`

	Budgets struct {
		Default int            `yaml:"default"`
		PerKind map[string]int `yaml:"per_kind"`
	} `yaml:"budgets"`

	GlobalBudget struct {
		Limit  int      `yaml:"limit"`
		Window Duration `yaml:"window"`
	} `yaml:"global_budget"`

	Breaker struct {
		WindowSize        int      `yaml:"window_size"`
		FailureThreshold  float64  `yaml:"failure_threshold"`
		DegradedThreshold float64  `yaml:"degraded_threshold"`
		MinSamples        int      `yaml:"min_samples"`
		Cooldown          Duration `yaml:"cooldown"`
	} `yaml:"breaker"`

	Workers int `yaml:"workers"`

	ConflictPolicies struct {
		Default  string            `yaml:"default"`
		PerClass map[string]string `yaml:"per_class"`
	} `yaml:"conflict_policies"`

	IdempotencyTTL Duration `yaml:"idempotency_ttl"`

	MetricsListen string `yaml:"metrics_listen"`
}

// Load reads, validates, and decodes a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse validates and decodes configuration bytes.
func Parse(raw []byte) (*Config, error) {
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	cfg := &Config{}
	applyDefaults(cfg)
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Host.BaseURL == "" {
		return nil, fmt.Errorf("config: host.base_url is required")
	}
	return cfg, nil
}

// validateAgainstSchema unifies the YAML document with the embedded CUE
// definition. CUE reports unknown fields (the schema is closed), type
// mismatches, and range violations with positions.
func validateAgainstSchema(raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config is not valid YAML: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("internal: config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("internal: config schema definition: %w", err)
	}

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// applyDefaults seeds the zero config with usable values; the YAML
// decode overwrites whatever the file sets.
func applyDefaults(cfg *Config) {
	cfg.SchemaVersion = 1
	cfg.Host.AttemptTimeout = Duration(15 * time.Second)
	cfg.Backoff.Base = Duration(time.Second)
	cfg.Backoff.Cap = Duration(5 * time.Minute)
	cfg.Budgets.Default = 6
	cfg.GlobalBudget.Limit = 60
	cfg.GlobalBudget.Window = Duration(time.Minute)
	cfg.Breaker.WindowSize = 20
	cfg.Breaker.FailureThreshold = 0.5
	cfg.Breaker.DegradedThreshold = 0.8
	cfg.Breaker.MinSamples = 5
	cfg.Breaker.Cooldown = Duration(30 * time.Second)
	cfg.Workers = 4
	cfg.ConflictPolicies.Default = string(reconcile.PolicyLastWriteWins)
	cfg.IdempotencyTTL = Duration(15 * time.Minute)
}

// ResolverPolicies converts the config's policy map for the reconciler.
func (c *Config) ResolverPolicies() (map[string]reconcile.Policy, reconcile.Policy) {
	perClass := make(map[string]reconcile.Policy, len(c.ConflictPolicies.PerClass))
	for class, p := range c.ConflictPolicies.PerClass {
		perClass[class] = reconcile.Policy(p)
	}
	return perClass, reconcile.Policy(c.ConflictPolicies.Default)
}
