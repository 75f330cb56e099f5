// Package cost attributes a dollar cost to the token usage of a run so
// completed reports carry an estimated spend.
package cost

import "github.com/sparlo/report-engine/internal/model"

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps model id to pricing.
type Rates map[string]ModelRate

// Calculator computes costs for LLM usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Call computes the cost of one model call. Unknown models cost zero
// rather than failing the run.
func (c *Calculator) Call(modelID string, usage model.TokenUsage) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}

	inCost := (float64(usage.InputTokens) / 1e6) * rate.Input
	outCost := (float64(usage.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(usage.CacheWriteTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(usage.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Run sums the cost of every recorded step, priced by the model each step
// actually ran on.
func (c *Calculator) Run(stepModels map[string]string, steps map[string]model.StepResult) float64 {
	total := 0.0
	for id, sr := range steps {
		total += c.Call(stepModels[id], sr.Usage)
	}
	return total
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}
