// Package step executes one chain step: prompt assembly, the pre-call
// budget check, the model call, and structural validation of the output.
package step

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/resilience"
	"github.com/sparlo/report-engine/pkg/anthropic"
)

// ModelTiers maps a chain tier name to a concrete model id.
type ModelTiers map[string]string

// DefaultModelTiers returns the stock tier mapping.
func DefaultModelTiers() ModelTiers {
	return ModelTiers{
		"haiku":  "claude-haiku-4-5-20251001",
		"sonnet": "claude-sonnet-4-5-20250929",
		"opus":   "claude-opus-4-6",
	}
}

// Request carries everything needed to run one step of one report.
type Request struct {
	Def      model.StepDefinition
	Chain    *model.ChainDefinition
	Input    string
	Question string
	Answer   string
	Results  map[string]model.StepResult
}

// Executor runs steps against the model provider.
type Executor struct {
	client anthropic.Client
	tiers  ModelTiers
	retry  resilience.RetryConfig
}

// New creates an Executor.
func New(client anthropic.Client, tiers ModelTiers, retry resilience.RetryConfig) *Executor {
	if tiers == nil {
		tiers = DefaultModelTiers()
	}
	retry.ShouldRetry = retryableProviderError
	return &Executor{client: client, tiers: tiers, retry: retry}
}

// EstimateTokens approximates the token count of a prompt. Four bytes per
// token overestimates slightly for English text, which errs on the safe
// side of the budget check.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Execute runs one step. The input budget is checked before any tokens
// are spent: an oversized prompt returns *model.BudgetExceededError
// without calling the provider. Invalid output returns
// *model.ValidationError; neither is retryable.
func (e *Executor) Execute(ctx context.Context, req Request) (model.StepResult, error) {
	var zero model.StepResult

	prompt, err := BuildPrompt(req.Chain, req.Def, req.Input, req.Question, req.Answer, req.Results)
	if err != nil {
		return zero, err
	}

	estimated := EstimateTokens(systemPrompt) + EstimateTokens(prompt)
	if estimated > req.Def.MaxInputTokens {
		return zero, &model.BudgetExceededError{
			StepID:    req.Def.ID,
			Estimated: estimated,
			Ceiling:   req.Def.MaxInputTokens,
		}
	}

	modelID, ok := e.tiers[req.Def.ModelTier]
	if !ok {
		return zero, eris.Errorf("step: no model configured for tier %q", req.Def.ModelTier)
	}

	retry := e.retry
	retry.OnRetry = resilience.RetryLogger("anthropic", req.Def.ID)
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     modelID,
			MaxTokens: int64(req.Def.MaxOutputTokens),
			System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
			Messages: []anthropic.Message{
				{Role: "user", Content: prompt},
			},
		})
	})
	if err != nil {
		return zero, eris.Wrapf(err, "step: %s model call", req.Def.ID)
	}
	resp.Usage.LogUsage(modelID, req.Def.ID)

	payload, err := parsePayload(req.Def, resp.Text())
	if err != nil {
		return zero, err
	}

	usage := model.TokenUsage{
		InputTokens:      int(resp.Usage.InputTokens),
		OutputTokens:     int(resp.Usage.OutputTokens),
		CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
	}

	zap.L().Info("step completed",
		zap.String("step", req.Def.ID),
		zap.String("model", modelID),
		zap.Int("prompt_tokens_estimated", estimated),
		zap.Int("output_tokens", usage.OutputTokens),
	)

	return model.StepResult{
		StepID:        req.Def.ID,
		Payload:       payload,
		Usage:         usage,
		SchemaVersion: model.SchemaVersion,
		CompletedAt:   time.Now().UTC(),
	}, nil
}

// ModelFor resolves the model id a tier runs on.
func (e *Executor) ModelFor(tier string) string {
	return e.tiers[tier]
}

// parsePayload extracts and validates the JSON object a step must return.
func parsePayload(def model.StepDefinition, text string) (json.RawMessage, error) {
	cleaned := cleanJSON(text)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, &model.ValidationError{
			StepID: def.ID,
			Field:  "",
			Reason: "output is not a JSON object",
		}
	}

	for _, field := range def.Required {
		v, ok := obj[field]
		if !ok || emptyValue(v) {
			return nil, &model.ValidationError{
				StepID: def.ID,
				Field:  field,
				Reason: "required field missing or empty",
			}
		}
	}

	return json.RawMessage(cleaned), nil
}

// cleanJSON strips markdown fences and surrounding prose, keeping the
// outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func emptyValue(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	switch s {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

// retryableProviderError retries transient network failures and the
// provider statuses that indicate load, never validation or auth errors.
func retryableProviderError(err error) bool {
	if resilience.IsTransient(err) {
		return true
	}
	return resilience.IsTransientHTTPStatus(anthropic.StatusCode(err))
}
