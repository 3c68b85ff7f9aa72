package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StageConfig enables one stage by name.
type StageConfig struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// Config is the declarative pipeline document: the stage list with enabled
// flags plus a details section holding per-stage parameters. Details are
// decoded lazily by whoever constructs the stage.
type Config struct {
	Stages  []StageConfig        `yaml:"stages"`
	Details map[string]yaml.Node `yaml:"details"`
}

// ParseConfig decodes and validates a pipeline document.
func ParseConfig(data []byte) (*Config, error) {
	var doc struct {
		Pipeline Config `yaml:"pipeline"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	cfg := doc.Pipeline
	if len(cfg.Stages) == 0 {
		// Also accept the document without the top-level pipeline key.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse pipeline config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a pipeline document from disk.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return ParseConfig(data)
}

// DefaultConfig enables every stage in canonical order.
func DefaultConfig() *Config {
	cfg := &Config{}
	for _, name := range canonicalOrder {
		cfg.Stages = append(cfg.Stages, StageConfig{Name: name, Enabled: true})
	}
	return cfg
}

// Enabled reports whether the named stage is switched on.
func (c *Config) Enabled(name string) bool {
	for _, s := range c.Stages {
		if s.Name == name {
			return s.Enabled
		}
	}
	return false
}

// DecodeDetails unmarshals the details block of one stage into out. Absent
// details leave out untouched.
func (c *Config) DecodeDetails(stage string, out any) error {
	node, ok := c.Details[stage]
	if !ok || node.Kind == 0 {
		return nil
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("decode details for stage %s: %w", stage, err)
	}
	return nil
}

// EnabledInOrder returns the enabled stage names in canonical order.
func (c *Config) EnabledInOrder() []string {
	enabled := make(map[string]bool, len(c.Stages))
	for _, s := range c.Stages {
		if s.Enabled {
			enabled[s.Name] = true
		}
	}
	var out []string
	for _, name := range canonicalOrder {
		if enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// Validate enforces the hard compile-time invariants:
//
//  1. fusion requires both vector_search and lexical_search enabled
//  2. vector_search and lexical_search must precede fusion
//  3. rerank must precede state_machine
//  4. state_machine must precede routing
//  5. routing must precede generation
//
// plus unknown and duplicated stage names, and a stage list whose order
// contradicts the canonical precedence.
func (c *Config) Validate() error {
	known := make(map[string]int, len(canonicalOrder))
	for i, name := range canonicalOrder {
		known[name] = i
	}

	seen := make(map[string]bool, len(c.Stages))
	listed := make(map[string]int, len(c.Stages)) // name -> list position
	for i, s := range c.Stages {
		if _, ok := known[s.Name]; !ok {
			return configErrorf("unknown stage %q", s.Name)
		}
		if seen[s.Name] {
			return configErrorf("stage %q listed twice", s.Name)
		}
		seen[s.Name] = true
		listed[s.Name] = i
	}
	for name := range c.Details {
		if _, ok := known[name]; !ok {
			return configErrorf("details for unknown stage %q", name)
		}
	}

	// Listed order must agree with the canonical precedence.
	prevCanon := -1
	prevName := ""
	for _, s := range c.Stages {
		ci := known[s.Name]
		if ci < prevCanon {
			return configErrorf("stage %q listed after %q but must precede it", s.Name, prevName)
		}
		prevCanon, prevName = ci, s.Name
	}

	enabled := func(name string) bool { return seen[name] && c.Enabled(name) }

	if enabled(StageFusion) {
		if !enabled(StageVectorSearch) || !enabled(StageLexicalSearch) {
			return configErrorf("fusion requires both vector_search and lexical_search enabled")
		}
	}
	type dep struct{ before, after string }
	for _, d := range []dep{
		{StageVectorSearch, StageFusion},
		{StageLexicalSearch, StageFusion},
		{StageRerank, StageStateMachine},
		{StageStateMachine, StageRouting},
		{StageRouting, StageGeneration},
	} {
		if enabled(d.after) && !enabled(d.before) {
			return configErrorf("stage %q requires %q enabled before it", d.after, d.before)
		}
	}
	return nil
}
