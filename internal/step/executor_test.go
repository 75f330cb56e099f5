package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/resilience"
	"github.com/sparlo/report-engine/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string, in, out int64) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func standardChain(t *testing.T) *model.ChainDefinition {
	t.Helper()
	chain, err := model.ChainFor(model.ModeStandard)
	require.NoError(t, err)
	return chain
}

func stepDef(t *testing.T, chain *model.ChainDefinition, id string) model.StepDefinition {
	t.Helper()
	def, ok := chain.Step(id)
	require.True(t, ok)
	return def
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

func TestBuildPrompt_DeclaredInputsOnly(t *testing.T) {
	chain := standardChain(t)
	an1 := stepDef(t, chain, "AN1")

	results := map[string]model.StepResult{
		"AN0": {StepID: "AN0", Payload: []byte(`{"problem_statement":"battery degradation","segment":"ev fleets","scratch":"internal notes"}`)},
		"AN2": {StepID: "AN2", Payload: []byte(`{"mechanisms":["thermal runaway"]}`)},
	}

	prompt, err := BuildPrompt(chain, an1, "original problem text", "", "", results)
	require.NoError(t, err)

	assert.Contains(t, prompt, "original problem text")
	assert.Contains(t, prompt, "battery degradation")
	// AN1 declares only AN0; AN2's output never reaches its prompt.
	assert.NotContains(t, prompt, "thermal runaway")
	// AN0's summary list drops undeclared fields.
	assert.NotContains(t, prompt, "internal notes")
}

func TestBuildPrompt_MissingDependency(t *testing.T) {
	chain := standardChain(t)
	an3 := stepDef(t, chain, "AN3")

	_, err := BuildPrompt(chain, an3, "input", "", "", map[string]model.StepResult{
		"AN0": {StepID: "AN0", Payload: []byte(`{"problem_statement":"x","segment":"y"}`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AN1")
}

func TestBuildPrompt_IncludesClarification(t *testing.T) {
	chain := standardChain(t)
	an0 := stepDef(t, chain, "AN0")

	prompt, err := BuildPrompt(chain, an0, "input", "Which market?", "European grid storage", nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Which market?")
	assert.Contains(t, prompt, "European grid storage")
}

func TestExecute_BudgetExceededBeforeCall(t *testing.T) {
	chain := standardChain(t)
	client := new(mockClient)
	exec := New(client, nil, fastRetry())

	def := stepDef(t, chain, "AN0")
	def.MaxInputTokens = 10

	_, err := exec.Execute(context.Background(), Request{
		Def:   def,
		Chain: chain,
		Input: "a problem statement long enough to overflow a ten token budget",
	})

	var be *model.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "AN0", be.StepID)
	assert.Greater(t, be.Estimated, be.Ceiling)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestExecute_Success(t *testing.T) {
	chain := standardChain(t)
	client := new(mockClient)
	exec := New(client, nil, fastRetry())

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250929" && req.MaxTokens == 2048
	})).Return(textResponse(`{"problem_statement":"x","segment":"y"}`, 900, 120), nil).Once()

	res, err := exec.Execute(context.Background(), Request{
		Def:   stepDef(t, chain, "AN0"),
		Chain: chain,
		Input: "a problem",
	})
	require.NoError(t, err)

	assert.Equal(t, "AN0", res.StepID)
	assert.JSONEq(t, `{"problem_statement":"x","segment":"y"}`, string(res.Payload))
	assert.Equal(t, 900, res.Usage.InputTokens)
	assert.Equal(t, 120, res.Usage.OutputTokens)
	assert.Equal(t, model.SchemaVersion, res.SchemaVersion)
	assert.False(t, res.CompletedAt.IsZero())
	client.AssertExpectations(t)
}

func TestExecute_StripsMarkdownFences(t *testing.T) {
	chain := standardChain(t)
	client := new(mockClient)
	exec := New(client, nil, fastRetry())

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("```json\n{\"problem_statement\":\"x\",\"segment\":\"y\"}\n```", 10, 10), nil).Once()

	res, err := exec.Execute(context.Background(), Request{
		Def:   stepDef(t, chain, "AN0"),
		Chain: chain,
		Input: "a problem",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"problem_statement":"x","segment":"y"}`, string(res.Payload))
}

func TestExecute_ValidationError(t *testing.T) {
	chain := standardChain(t)
	client := new(mockClient)
	exec := New(client, nil, fastRetry())

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"problem_statement":"x","segment":""}`, 10, 10), nil).Once()

	_, err := exec.Execute(context.Background(), Request{
		Def:   stepDef(t, chain, "AN0"),
		Chain: chain,
		Input: "a problem",
	})

	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "segment", ve.Field)
}

func TestExecute_RetriesTransientOnce(t *testing.T) {
	chain := standardChain(t)
	client := new(mockClient)
	exec := New(client, nil, fastRetry())

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"problem_statement":"x","segment":"y"}`, 10, 10), nil).Once()

	_, err := exec.Execute(context.Background(), Request{
		Def:   stepDef(t, chain, "AN0"),
		Chain: chain,
		Input: "a problem",
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestExecute_DoesNotRetryValidationFailures(t *testing.T) {
	chain := standardChain(t)
	client := new(mockClient)
	exec := New(client, nil, fastRetry())

	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("invalid api key")).Once()

	_, err := exec.Execute(context.Background(), Request{
		Def:   stepDef(t, chain, "AN0"),
		Chain: chain,
		Input: "a problem",
	})
	require.Error(t, err)
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
