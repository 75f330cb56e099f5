package chain

import (
	"context"
	"encoding/json"
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/cost"
	"github.com/sparlo/report-engine/internal/guard"
	"github.com/sparlo/report-engine/internal/ledger"
	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/notify"
	"github.com/sparlo/report-engine/internal/step"
	"github.com/sparlo/report-engine/internal/store"
)

// Activities holds the dependencies the workflow's activities run
// against. All state lives in the store; activities stay idempotent so
// the workflow can retry them after a crash.
type Activities struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	Guard    *guard.Guard
	Executor *step.Executor
	Calc     *cost.Calculator
	Notifier *notify.Notifier
}

// StepInput carries one step execution. Results holds only the payloads
// the step declared as inputs.
type StepInput struct {
	ReportID string
	Mode     model.Mode
	StepID   string
	Input    string
	Question string
	Answer   string
	Results  map[string]model.StepResult
}

// ExecuteStep runs one chain step. Budget and validation failures come
// back as non-retryable application errors so the workflow fails the run
// instead of retrying a deterministic failure.
func (a *Activities) ExecuteStep(ctx context.Context, in StepInput) (model.StepResult, error) {
	var zero model.StepResult

	chainDef, err := model.ChainFor(in.Mode)
	if err != nil {
		return zero, temporal.NewNonRetryableApplicationError(err.Error(), string(model.ErrKindValidationFailure), err)
	}
	def, ok := chainDef.Step(in.StepID)
	if !ok {
		return zero, temporal.NewNonRetryableApplicationError("unknown step "+in.StepID, string(model.ErrKindValidationFailure), nil)
	}

	res, err := a.Executor.Execute(ctx, step.Request{
		Def:      def,
		Chain:    chainDef,
		Input:    in.Input,
		Question: in.Question,
		Answer:   in.Answer,
		Results:  in.Results,
	})
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			return zero, temporal.NewNonRetryableApplicationError(err.Error(), string(model.ErrKindValidationFailure), err)
		}
		var be *model.BudgetExceededError
		if errors.As(err, &be) {
			return zero, temporal.NewNonRetryableApplicationError(err.Error(), string(model.ErrKindBudgetExceeded), err)
		}
		return zero, err
	}
	return res, nil
}

// CheckpointInput records one completed step.
type CheckpointInput struct {
	ReportID string
	Result   model.StepResult
	Progress int
}

// CheckpointStep persists a step result. Re-running it after a crash
// overwrites the same row and recomputes usage, so it is safe to retry.
func (a *Activities) CheckpointStep(ctx context.Context, in CheckpointInput) error {
	if err := a.Store.Checkpoint(ctx, in.ReportID, in.Result, in.Progress); err != nil {
		return persistenceError(err)
	}
	return nil
}

// ClarifyInput suspends a run on a question for the user.
type ClarifyInput struct {
	ReportID  string
	AccountID string
	Question  string
}

// AskClarification stores the pending question and notifies the webhook.
func (a *Activities) AskClarification(ctx context.Context, in ClarifyInput) error {
	if err := a.Store.SetClarification(ctx, in.ReportID, in.Question); err != nil {
		return persistenceError(err)
	}
	_ = a.Notifier.Send(ctx, notify.Event{
		ReportID:  in.ReportID,
		AccountID: in.AccountID,
		Status:    model.StatusClarifying,
		Question:  in.Question,
	})
	return nil
}

// TimeoutInput expires an unanswered clarification.
type TimeoutInput struct {
	ReportID       string
	AccountID      string
	Partial        model.TokenUsage
	ReservationKey string
}

// TimeoutResult reports whether the timeout lost the race against an
// answer that committed in the store.
type TimeoutResult struct {
	AlreadyAnswered bool
	Answer          string
}

// TimeoutRun moves the report to clarification_timeout, keeps the tokens
// already spent on the ledger, and returns the unspent reservation. When
// an answer beat the timer to the store, the stored answer comes back so
// the workflow resumes the chain instead of expiring a live run.
func (a *Activities) TimeoutRun(ctx context.Context, in TimeoutInput) (TimeoutResult, error) {
	if err := a.Store.TimeoutClarification(ctx, in.ReportID, in.Partial); err != nil {
		if !errors.Is(err, model.ErrWrongStatus) {
			return TimeoutResult{}, persistenceError(err)
		}
		report, err := a.Store.GetReport(ctx, in.ReportID)
		if err != nil {
			return TimeoutResult{}, persistenceError(err)
		}
		if report.Answer != "" {
			return TimeoutResult{AlreadyAnswered: true, Answer: report.Answer}, nil
		}
		// Some other transition already made the run terminal; nothing
		// to expire.
		return TimeoutResult{}, nil
	}
	if err := a.settleReservation(ctx, in.ReservationKey, in.Partial); err != nil {
		return TimeoutResult{}, err
	}
	_ = a.Notifier.Send(ctx, notify.Event{
		ReportID:  in.ReportID,
		AccountID: in.AccountID,
		Status:    model.StatusClarificationTimeout,
	})
	return TimeoutResult{}, nil
}

// CompleteInput finishes a successful run.
type CompleteInput struct {
	ReportID       string
	AccountID      string
	Mode           model.Mode
	Results        map[string]model.StepResult
	Usage          model.TokenUsage
	ReservationKey string
}

// CompleteRun writes the terminal report and settles the reservation in
// one store transaction, then notifies the webhook.
func (a *Activities) CompleteRun(ctx context.Context, in CompleteInput) error {
	chainDef, err := model.ChainFor(in.Mode)
	if err != nil {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(model.ErrKindValidationFailure), err)
	}

	data, err := a.buildReportData(chainDef, in.Results)
	if err != nil {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(model.ErrKindValidationFailure), err)
	}

	if err := a.Store.CompleteReport(ctx, in.ReportID, data, in.Usage, in.ReservationKey, in.Usage.Total()); err != nil {
		return err
	}
	zap.L().Info("report completed",
		zap.String("report_id", in.ReportID),
		zap.String("account_id", in.AccountID),
		zap.Int("total_tokens", in.Usage.Total()),
		zap.Float64("estimated_cost_usd", data.EstimatedCostUSD),
	)
	_ = a.Notifier.Send(ctx, notify.Event{
		ReportID:  in.ReportID,
		AccountID: in.AccountID,
		Status:    model.StatusComplete,
	})
	return nil
}

// FailInput records a failed run.
type FailInput struct {
	ReportID       string
	AccountID      string
	Kind           model.ErrorKind
	Message        string
	Usage          model.TokenUsage
	ReservationKey string
}

// FailRun moves the report to error state and settles the reservation:
// tokens already spent are billed, the remainder returns to the account.
func (a *Activities) FailRun(ctx context.Context, in FailInput) error {
	if err := a.Store.FailReport(ctx, in.ReportID, in.Kind, in.Message); err != nil {
		return err
	}
	if err := a.settleReservation(ctx, in.ReservationKey, in.Usage); err != nil {
		return err
	}
	_ = a.Notifier.Send(ctx, notify.Event{
		ReportID:  in.ReportID,
		AccountID: in.AccountID,
		Status:    model.StatusError,
		ErrorKind: string(in.Kind),
	})
	return nil
}

// ReleaseAdmissionInput frees the run's concurrency slot.
type ReleaseAdmissionInput struct {
	AdmissionID string
}

// ReleaseAdmission is idempotent and runs on every workflow exit path.
func (a *Activities) ReleaseAdmission(ctx context.Context, in ReleaseAdmissionInput) error {
	if in.AdmissionID == "" {
		return nil
	}
	return a.Guard.Release(ctx, in.AdmissionID)
}

// persistenceError tags a store failure so the workflow records the run
// failure under the right kind. Tagged errors stay retryable.
func persistenceError(err error) error {
	return temporal.NewApplicationErrorWithCause(err.Error(), string(model.ErrKindPersistence), err)
}

// settleReservation finalizes spent tokens or releases an untouched
// reservation. Both paths are idempotent in the store.
func (a *Activities) settleReservation(ctx context.Context, key string, usage model.TokenUsage) error {
	if key == "" {
		return nil
	}
	if usage.IsZero() {
		return a.Ledger.Release(ctx, key)
	}
	return a.Ledger.Finalize(ctx, key, usage)
}

// buildReportData folds the step payloads into the terminal report
// payload. Later steps override earlier ones on field collisions; the
// final step's full payload is preserved as the report sections.
func (a *Activities) buildReportData(chainDef *model.ChainDefinition, results map[string]model.StepResult) (*model.ReportData, error) {
	merged := map[string]json.RawMessage{}
	var finalPayload json.RawMessage
	stepModels := map[string]string{}

	for _, def := range chainDef.Steps {
		stepModels[def.ID] = a.Executor.ModelFor(def.ModelTier)
		sr, ok := results[def.ID]
		if !ok {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(sr.Payload, &obj); err != nil {
			return nil, err
		}
		for k, v := range obj {
			merged[k] = v
		}
		finalPayload = sr.Payload
	}

	data := &model.ReportData{Sections: finalPayload}
	unmarshalField(merged, "problem_summary", &data.ProblemSummary)
	unmarshalField(merged, "prior_art", &data.PriorArt)
	unmarshalField(merged, "mechanisms", &data.DomainMechanisms)
	unmarshalField(merged, "contradiction", &data.Contradiction)
	unmarshalField(merged, "sweet_spot", &data.SweetSpot)
	data.EstimatedCostUSD = a.Calc.Run(stepModels, results)
	return data, nil
}

func unmarshalField[T any](obj map[string]json.RawMessage, key string, dst *T) {
	if v, ok := obj[key]; ok {
		_ = json.Unmarshal(v, dst)
	}
}

// ExtractQuestion returns the clarifying question a step asked, if any.
func ExtractQuestion(payload json.RawMessage) string {
	var probe struct {
		ClarifyingQuestion string `json:"clarifying_question"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.ClarifyingQuestion
}
