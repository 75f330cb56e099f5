package model

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var chainsYAML []byte

// StepDefinition declares one chain step: its dependencies, the model tier
// it runs on, its token ceilings, and the structural schema its output
// must satisfy.
type StepDefinition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Uses lists the step ids whose payloads this step's prompt is built
	// from. The prompt never sees anything outside this set.
	Uses []string `yaml:"uses"`

	// Clarify marks a step that may pause the run with a question for the
	// user before the rest of the chain proceeds.
	Clarify bool `yaml:"clarify"`

	ModelTier       string `yaml:"model_tier"`
	MaxInputTokens  int    `yaml:"max_input_tokens"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`

	// Weight is this step's share of phase progress. Weights across a
	// chain sum to 100.
	Weight int `yaml:"weight"`

	// Required lists payload fields that must be present and non-empty for
	// the step output to be accepted.
	Required []string `yaml:"required"`

	// Summary lists the payload fields carried into downstream prompts;
	// everything else is dropped during context compaction.
	Summary []string `yaml:"summary"`
}

// ChainDefinition is the full step DAG for one mode.
type ChainDefinition struct {
	Mode  Mode             `yaml:"-"`
	Steps []StepDefinition `yaml:"steps"`

	byID map[string]StepDefinition
}

type chainFile struct {
	Chains map[Mode]*ChainDefinition `yaml:"chains"`
}

var chains = mustParseChains(chainsYAML)

func mustParseChains(raw []byte) map[Mode]*ChainDefinition {
	var f chainFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		panic(eris.Wrap(err, "model: parse embedded chains"))
	}
	for mode, def := range f.Chains {
		def.Mode = mode
		def.byID = make(map[string]StepDefinition, len(def.Steps))
		for _, s := range def.Steps {
			def.byID[s.ID] = s
		}
		if err := def.validate(); err != nil {
			panic(eris.Wrapf(err, "model: chain %s", mode))
		}
	}
	return f.Chains
}

// ChainFor returns the chain definition for a mode.
func ChainFor(mode Mode) (*ChainDefinition, error) {
	def, ok := chains[mode]
	if !ok {
		return nil, eris.Errorf("model: no chain defined for mode %q", mode)
	}
	return def, nil
}

// Step returns the definition for a step id.
func (c *ChainDefinition) Step(id string) (StepDefinition, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// StartsClarifying reports whether the chain's first step may ask a
// clarification question, which determines the report's initial status.
func (c *ChainDefinition) StartsClarifying() bool {
	return len(c.Steps) > 0 && c.Steps[0].Clarify
}

// Levels groups steps into execution waves: every step in a level depends
// only on steps from earlier levels, so steps within a level run
// concurrently. Declaration order breaks ties, keeping the grouping
// deterministic for workflow replay.
func (c *ChainDefinition) Levels() [][]StepDefinition {
	done := make(map[string]bool, len(c.Steps))
	var levels [][]StepDefinition
	remaining := len(c.Steps)

	for remaining > 0 {
		var level []StepDefinition
		for _, s := range c.Steps {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.Uses {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			}
		}
		if len(level) == 0 {
			// Cycle: nothing became ready. Caught by validate at load time.
			break
		}
		for _, s := range level {
			done[s.ID] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}
	return levels
}

// ProgressAfter returns the cumulative phase progress once stepID has
// completed: the sum of weights of stepID and every step declared before
// it. Monotonically non-decreasing along the chain.
func (c *ChainDefinition) ProgressAfter(stepID string) int {
	total := 0
	for _, s := range c.Steps {
		total += s.Weight
		if s.ID == stepID {
			break
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

// ReserveEstimate is the token amount reserved up front for a run: each
// step's output ceiling plus its input ceiling. Finalize settles the
// difference against actual usage.
func (c *ChainDefinition) ReserveEstimate() int {
	total := 0
	for _, s := range c.Steps {
		total += s.MaxInputTokens + s.MaxOutputTokens
	}
	return total
}

func (c *ChainDefinition) validate() error {
	if len(c.Steps) == 0 {
		return eris.New("chain has no steps")
	}
	weight := 0
	for i, s := range c.Steps {
		if s.ID == "" {
			return eris.Errorf("step %d has no id", i)
		}
		if s.MaxInputTokens <= 0 || s.MaxOutputTokens <= 0 {
			return eris.Errorf("step %s has no token ceilings", s.ID)
		}
		weight += s.Weight
		for _, dep := range s.Uses {
			if _, ok := c.byID[dep]; !ok {
				return eris.Errorf("step %s uses unknown step %s", s.ID, dep)
			}
		}
	}
	if weight != 100 {
		return eris.Errorf("step weights sum to %d, want 100", weight)
	}
	// A cycle leaves steps that never become ready.
	seen := 0
	for _, level := range c.Levels() {
		seen += len(level)
	}
	if seen != len(c.Steps) {
		return eris.New("dependency cycle in chain")
	}
	return nil
}
