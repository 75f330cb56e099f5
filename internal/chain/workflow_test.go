package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sparlo/report-engine/internal/model"
)

func stdInput() WorkflowInput {
	return WorkflowInput{
		ReportID:       "rep-1",
		AccountID:      "acct-1",
		Mode:           model.ModeStandard,
		Input:          "reduce battery degradation in cold climates",
		AdmissionID:    "adm-1",
		ReservationKey: "rep-1",
	}
}

// stepPayload fabricates a minimally valid payload for any standard step.
func stepPayload(stepID string) []byte {
	switch stepID {
	case "AN0", "AN0-D":
		return []byte(`{"problem_statement":"x","segment":"y"}`)
	case "AN1", "AN1-D":
		return []byte(`{"prior_art":["a"]}`)
	case "AN2", "AN2-D":
		return []byte(`{"mechanisms":["m"]}`)
	case "AN3":
		return []byte(`{"contradiction":"c"}`)
	case "AN4":
		return []byte(`{"sweet_spot":"s"}`)
	case "AN5":
		return []byte(`{"problem_summary":"p","report_markdown":"# report"}`)
	default:
		return []byte(`{"ok":true}`)
	}
}

func executedResult(stepID string, tokens int) model.StepResult {
	return model.StepResult{
		StepID:        stepID,
		Payload:       stepPayload(stepID),
		Usage:         model.TokenUsage{InputTokens: tokens, OutputTokens: tokens / 10},
		SchemaVersion: model.SchemaVersion,
		CompletedAt:   time.Now().UTC(),
	}
}

func newEnv(t *testing.T) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	t.Cleanup(func() { env.AssertExpectations(t) })
	return env
}

func TestReportWorkflow_StandardHappyPath(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	executed := map[string]bool{}
	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			executed[in.StepID] = true
			return executedResult(in.StepID, 1000), nil
		})
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil).Times(6)

	var completed CompleteInput
	env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in CompleteInput) error {
			completed = in
			return nil
		}).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, ReleaseAdmissionInput{AdmissionID: "adm-1"}).Return(nil).Once()

	env.ExecuteWorkflow(ReportWorkflow, stdInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	for _, id := range []string{"AN0", "AN1", "AN2", "AN3", "AN4", "AN5"} {
		assert.True(t, executed[id], "step %s not executed", id)
	}
	assert.Len(t, completed.Results, 6)
	// 6 steps at 1000 in / 100 out each.
	assert.Equal(t, 6600, completed.Usage.Total())
	assert.Equal(t, "rep-1", completed.ReservationKey)
}

func TestReportWorkflow_DeclaredInputsReachSteps(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	var an3Deps []string
	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			if in.StepID == "AN3" {
				for id := range in.Results {
					an3Deps = append(an3Deps, id)
				}
			}
			return executedResult(in.StepID, 100), nil
		})
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil)

	env.ExecuteWorkflow(ReportWorkflow, stdInput())
	require.NoError(t, env.GetWorkflowError())

	assert.ElementsMatch(t, []string{"AN0", "AN1", "AN2"}, an3Deps)
}

func TestReportWorkflow_ClarificationAnswered(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	an0Calls := 0
	var secondAnswer string
	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			if in.StepID == "AN0" {
				an0Calls++
				if an0Calls == 1 {
					res := executedResult("AN0", 500)
					res.Payload = []byte(`{"problem_statement":"x","segment":"y","clarifying_question":"Which market?"}`)
					return res, nil
				}
				secondAnswer = in.Answer
			}
			return executedResult(in.StepID, 500), nil
		})
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.AskClarification, mock.Anything, ClarifyInput{
		ReportID:  "rep-1",
		AccountID: "acct-1",
		Question:  "Which market?",
	}).Return(nil).Once()
	env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil).Once()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalClarificationAnswer, "European grid storage")
	}, 30*time.Minute)

	env.ExecuteWorkflow(ReportWorkflow, stdInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 2, an0Calls)
	assert.Equal(t, "European grid storage", secondAnswer)
}

func TestReportWorkflow_ClarificationTimeout(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			res := executedResult(in.StepID, 500)
			if in.StepID == "AN0" {
				res.Payload = []byte(`{"problem_statement":"x","segment":"y","clarifying_question":"Which market?"}`)
			}
			return res, nil
		}).Once()
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(a.AskClarification, mock.Anything, mock.Anything).Return(nil).Once()

	var timedOut TimeoutInput
	env.OnActivity(a.TimeoutRun, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in TimeoutInput) (TimeoutResult, error) {
			timedOut = in
			return TimeoutResult{}, nil
		}).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(ReportWorkflow, stdInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	// Tokens spent on the intake step stay billed.
	assert.Equal(t, 550, timedOut.Partial.Total())
	assert.Equal(t, "rep-1", timedOut.ReservationKey)
}

func TestReportWorkflow_TimeoutRacesAnswer(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	an0Calls := 0
	var secondAnswer string
	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			if in.StepID == "AN0" {
				an0Calls++
				if an0Calls == 1 {
					res := executedResult("AN0", 500)
					res.Payload = []byte(`{"problem_statement":"x","segment":"y","clarifying_question":"Which market?"}`)
					return res, nil
				}
				secondAnswer = in.Answer
			}
			return executedResult(in.StepID, 500), nil
		})
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.AskClarification, mock.Anything, mock.Anything).Return(nil).Once()

	// The answer committed in the store but its signal never arrived;
	// the timer fires and the timeout activity reports the race.
	env.OnActivity(a.TimeoutRun, mock.Anything, mock.Anything).Return(
		TimeoutResult{AlreadyAnswered: true, Answer: "European grid storage"}, nil).Once()

	var completed CompleteInput
	env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in CompleteInput) error {
			completed = in
			return nil
		}).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(ReportWorkflow, stdInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 2, an0Calls)
	assert.Equal(t, "European grid storage", secondAnswer)
	assert.Len(t, completed.Results, 6)
}

func TestReportWorkflow_CheckpointFailureFailsRun(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			return executedResult(in.StepID, 400), nil
		})
	// The store dies before the first checkpoint lands; the run must
	// fail rather than complete with nothing persisted.
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(
		temporal.NewApplicationErrorWithCause("checkpoint: connection refused",
			string(model.ErrKindPersistence), assert.AnError))

	var failed FailInput
	env.OnActivity(a.FailRun, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in FailInput) error {
			failed = in
			return nil
		}).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(ReportWorkflow, stdInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, model.ErrKindPersistence, failed.Kind)
	// The intake step ran and its spend is preserved on the failure.
	assert.NotZero(t, failed.Usage.Total())
}

func TestReportWorkflow_ValidationFailureFailsRun(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			if in.StepID == "AN1" {
				return model.StepResult{}, temporal.NewNonRetryableApplicationError(
					"step AN1: invalid output", string(model.ErrKindValidationFailure), nil)
			}
			return executedResult(in.StepID, 800), nil
		})
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil)

	var failed FailInput
	env.OnActivity(a.FailRun, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in FailInput) error {
			failed = in
			return nil
		}).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil).Once()

	env.ExecuteWorkflow(ReportWorkflow, stdInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, model.ErrKindValidationFailure, failed.Kind)
	assert.Equal(t, "rep-1", failed.ReservationKey)
	// AN0 completed before the failure; its spend is preserved.
	assert.NotZero(t, failed.Usage.Total())
}

func TestReportWorkflow_DueDiligenceSkipsGate(t *testing.T) {
	env := newEnv(t)
	var a *Activities

	executed := map[string]int{}
	env.OnActivity(a.ExecuteStep, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in StepInput) (model.StepResult, error) {
			executed[in.StepID]++
			res := executedResult(in.StepID, 300)
			if in.StepID == "DD5" {
				res.Payload = []byte(`{"problem_summary":"p","report_markdown":"# dd"}`)
			}
			return res, nil
		})
	env.OnActivity(a.CheckpointStep, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.CompleteRun, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(a.ReleaseAdmission, mock.Anything, mock.Anything).Return(nil).Once()

	in := stdInput()
	in.Mode = model.ModeDueDiligence
	env.ExecuteWorkflow(ReportWorkflow, in)

	require.NoError(t, env.GetWorkflowError())
	for i := 0; i <= 5; i++ {
		assert.Equal(t, 1, executed[fmt.Sprintf("DD%d", i)])
	}
}
