package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateReport_CurrentVersionUntouched(t *testing.T) {
	r := &Report{Version: SchemaVersion, Mode: ModeStandard}
	assert.False(t, MigrateReport(r))
}

func TestMigrateReport_LegacyRowFilled(t *testing.T) {
	r := &Report{
		ID:          "rep-legacy",
		Version:     "1.0.0",
		Status:      StatusProcessing,
		CurrentStep: "AN2",
	}

	require.True(t, MigrateReport(r))

	assert.Equal(t, SchemaVersion, r.Version)
	assert.Equal(t, ModeStandard, r.Mode)
	assert.NotNil(t, r.StepResults)
	// AN0 (10) + AN1 (20) + AN2 (20)
	assert.Equal(t, 50, r.PhaseProgress)
}

func TestMigrateReport_CompleteForcedTo100(t *testing.T) {
	r := &Report{
		Version: "1.0.0",
		Mode:    ModeStandard,
		Status:  StatusComplete,
	}

	require.True(t, MigrateReport(r))
	assert.Equal(t, 100, r.PhaseProgress)
}

func TestMigrateReport_StepVersionsBackfilled(t *testing.T) {
	r := &Report{
		Version: "1.1.0",
		Mode:    ModeStandard,
		StepResults: map[string]StepResult{
			"AN0": {StepID: "AN0", CompletedAt: time.Now()},
			"AN1": {StepID: "AN1", SchemaVersion: "1.1.0"},
		},
	}

	require.True(t, MigrateReport(r))
	assert.Equal(t, "1.1.0", r.StepResults["AN0"].SchemaVersion)
	assert.Equal(t, "1.1.0", r.StepResults["AN1"].SchemaVersion)
}

func TestStepOrder_SortsByCompletion(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Report{
		StepResults: map[string]StepResult{
			"AN2": {StepID: "AN2", CompletedAt: base.Add(2 * time.Minute)},
			"AN0": {StepID: "AN0", CompletedAt: base},
			"AN1": {StepID: "AN1", CompletedAt: base.Add(time.Minute)},
		},
	}

	assert.Equal(t, []string{"AN0", "AN1", "AN2"}, r.StepOrder())
}

func TestTokenUsage(t *testing.T) {
	u := TokenUsage{InputTokens: 100, OutputTokens: 20}
	u.Add(TokenUsage{InputTokens: 50, OutputTokens: 10, CacheReadTokens: 5})

	assert.Equal(t, 150, u.InputTokens)
	assert.Equal(t, 180, u.Total())
	assert.False(t, u.IsZero())
	assert.True(t, TokenUsage{}.IsZero())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusClarificationTimeout.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusClarifying.Terminal())
}

func TestUsagePeriodAvailable(t *testing.T) {
	p := UsagePeriod{TierLimit: 1000, TokensUsed: 400, TokensReserved: 300}
	assert.Equal(t, 300, p.Available())

	p.TokensReserved = 700
	assert.Equal(t, 0, p.Available())
}
