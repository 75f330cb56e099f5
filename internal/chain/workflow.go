// Package chain orchestrates report runs as durable Temporal workflows.
// The workflow owns run state between steps; every external effect goes
// through an idempotent activity, so a crashed worker resumes from the
// last recorded event instead of repeating completed work.
package chain

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sparlo/report-engine/internal/model"
)

const (
	// TaskQueue is the queue workers and starters share.
	TaskQueue = "report-engine"

	// SignalClarificationAnswer delivers the user's answer to a
	// suspended run.
	SignalClarificationAnswer = "clarification-answer"

	// DefaultClarificationTimeout bounds how long a run waits on a
	// clarification before expiring.
	DefaultClarificationTimeout = 2 * time.Hour
)

// WorkflowInput starts one report run. The admission and reservation are
// claimed by the caller before the workflow starts; the workflow owns
// settling both on every exit path.
type WorkflowInput struct {
	ReportID       string
	AccountID      string
	Mode           model.Mode
	Input          string
	AdmissionID    string
	ReservationKey string

	ClarificationTimeout time.Duration
}

// ReportWorkflow drives one report chain from admission to a terminal
// state. Steps within a dependency level run as parallel activities;
// each completed step is checkpointed before the next level starts.
func ReportWorkflow(ctx workflow.Context, in WorkflowInput) error {
	logger := workflow.GetLogger(ctx)

	chainDef, err := model.ChainFor(in.Mode)
	if err != nil {
		return err
	}
	if in.ClarificationTimeout <= 0 {
		in.ClarificationTimeout = DefaultClarificationTimeout
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumInterval: time.Minute,
			MaximumAttempts: 4,
			NonRetryableErrorTypes: []string{
				string(model.ErrKindValidationFailure),
				string(model.ErrKindBudgetExceeded),
				string(model.ErrKindQuotaExceeded),
			},
		},
	})

	var a *Activities
	run := &runState{
		in:      in,
		chain:   chainDef,
		results: map[string]model.StepResult{},
	}

	// The first step may suspend the run on a clarification question.
	if chainDef.StartsClarifying() {
		done, err := run.clarifyGate(ctx, a)
		if err != nil {
			return run.fail(ctx, a, err)
		}
		if done {
			// Timed out; terminal state already recorded.
			return run.releaseAdmission(ctx, a)
		}
	}

	for _, level := range chainDef.Levels() {
		if err := run.executeLevel(ctx, a, level); err != nil {
			return run.fail(ctx, a, err)
		}
	}

	// Terminal write and usage settlement happen in one store
	// transaction. Bounded retries, then the run is marked failed with
	// its usage billed.
	completeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 5,
			NonRetryableErrorTypes: []string{
				string(model.ErrKindValidationFailure),
			},
		},
	})
	err = workflow.ExecuteActivity(completeCtx, a.CompleteRun, CompleteInput{
		ReportID:       in.ReportID,
		AccountID:      in.AccountID,
		Mode:           in.Mode,
		Results:        run.results,
		Usage:          run.usage,
		ReservationKey: in.ReservationKey,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("terminal write failed", "report_id", in.ReportID, "error", err)
		return run.failWithKind(ctx, a, model.ErrKindPersistence, err)
	}

	return run.releaseAdmission(ctx, a)
}

// runState accumulates step outputs and usage across the workflow.
type runState struct {
	in       WorkflowInput
	chain    *model.ChainDefinition
	results  map[string]model.StepResult
	usage    model.TokenUsage
	question string
	answer   string
}

// clarifyGate runs the first step, and when it asks a question, suspends
// the workflow until the answer signal or the timeout. Returns done=true
// when the run expired.
func (r *runState) clarifyGate(ctx workflow.Context, a *Activities) (done bool, err error) {
	first := r.chain.Steps[0]

	res, err := r.executeStep(ctx, a, first)
	if err != nil {
		return false, err
	}
	r.usage.Add(res.Usage)

	q := ExtractQuestion(res.Payload)
	if q == "" {
		return false, r.record(ctx, a, res)
	}
	r.question = q

	// Checkpoint before suspending so the partial spend survives a
	// crash during the wait.
	if err := r.checkpoint(ctx, a, res); err != nil {
		return false, err
	}
	if err := workflow.ExecuteActivity(ctx, a.AskClarification, ClarifyInput{
		ReportID:  r.in.ReportID,
		AccountID: r.in.AccountID,
		Question:  q,
	}).Get(ctx, nil); err != nil {
		return false, err
	}

	answered := false
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalClarificationAnswer), func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &r.answer)
		answered = true
	})
	sel.AddFuture(workflow.NewTimer(ctx, r.in.ClarificationTimeout), func(workflow.Future) {})
	sel.Select(ctx)

	if !answered {
		var tr TimeoutResult
		if err := workflow.ExecuteActivity(ctx, a.TimeoutRun, TimeoutInput{
			ReportID:       r.in.ReportID,
			AccountID:      r.in.AccountID,
			Partial:        r.usage,
			ReservationKey: r.in.ReservationKey,
		}).Get(ctx, &tr); err != nil {
			return false, err
		}
		if !tr.AlreadyAnswered {
			return true, nil
		}
		// An answer committed to the store as the timer fired. Use the
		// stored answer and drain any late-arriving signal so the run
		// continues instead of stranding the report in processing.
		r.answer = tr.Answer
		var late string
		for workflow.GetSignalChannel(ctx, SignalClarificationAnswer).ReceiveAsync(&late) {
		}
	}

	// Re-run the intake step with the answer in context. Both
	// executions count against the reservation.
	res, err = r.executeStep(ctx, a, first)
	if err != nil {
		return false, err
	}
	r.usage.Add(res.Usage)
	return false, r.record(ctx, a, res)
}

// executeLevel runs every not-yet-done step of a level as parallel
// activities, then checkpoints results in declaration order.
func (r *runState) executeLevel(ctx workflow.Context, a *Activities, level []model.StepDefinition) error {
	type pending struct {
		def model.StepDefinition
		fut workflow.Future
	}
	var futures []pending

	for _, def := range level {
		if _, ok := r.results[def.ID]; ok {
			continue
		}
		futures = append(futures, pending{def: def, fut: workflow.ExecuteActivity(ctx, a.ExecuteStep, r.stepInput(def))})
	}

	for _, p := range futures {
		var res model.StepResult
		if err := p.fut.Get(ctx, &res); err != nil {
			return err
		}
		r.usage.Add(res.Usage)
		if err := r.checkpoint(ctx, a, res); err != nil {
			return err
		}
		r.results[res.StepID] = res
	}
	return nil
}

func (r *runState) executeStep(ctx workflow.Context, a *Activities, def model.StepDefinition) (model.StepResult, error) {
	var res model.StepResult
	err := workflow.ExecuteActivity(ctx, a.ExecuteStep, r.stepInput(def)).Get(ctx, &res)
	return res, err
}

// stepInput narrows the carried results to the step's declared inputs.
func (r *runState) stepInput(def model.StepDefinition) StepInput {
	deps := make(map[string]model.StepResult, len(def.Uses))
	for _, id := range def.Uses {
		if sr, ok := r.results[id]; ok {
			deps[id] = sr
		}
	}
	return StepInput{
		ReportID: r.in.ReportID,
		Mode:     r.in.Mode,
		StepID:   def.ID,
		Input:    r.in.Input,
		Question: r.question,
		Answer:   r.answer,
		Results:  deps,
	}
}

func (r *runState) record(ctx workflow.Context, a *Activities, res model.StepResult) error {
	if err := r.checkpoint(ctx, a, res); err != nil {
		return err
	}
	r.results[res.StepID] = res
	return nil
}

func (r *runState) checkpoint(ctx workflow.Context, a *Activities, res model.StepResult) error {
	return workflow.ExecuteActivity(ctx, a.CheckpointStep, CheckpointInput{
		ReportID: r.in.ReportID,
		Result:   res,
		Progress: r.chain.ProgressAfter(res.StepID),
	}).Get(ctx, nil)
}

// fail records the failure, bills spent tokens, returns the remainder,
// and frees the concurrency slot. The workflow itself completes; the
// failure lives on the report.
func (r *runState) fail(ctx workflow.Context, a *Activities, cause error) error {
	return r.failWithKind(ctx, a, errorKind(cause), cause)
}

func (r *runState) failWithKind(ctx workflow.Context, a *Activities, kind model.ErrorKind, cause error) error {
	logger := workflow.GetLogger(ctx)

	if err := workflow.ExecuteActivity(ctx, a.FailRun, FailInput{
		ReportID:       r.in.ReportID,
		AccountID:      r.in.AccountID,
		Kind:           kind,
		Message:        cause.Error(),
		Usage:          r.usage,
		ReservationKey: r.in.ReservationKey,
	}).Get(ctx, nil); err != nil {
		logger.Error("failed to record run failure", "report_id", r.in.ReportID, "error", err)
	}
	return r.releaseAdmission(ctx, a)
}

func (r *runState) releaseAdmission(ctx workflow.Context, a *Activities) error {
	return workflow.ExecuteActivity(ctx, a.ReleaseAdmission, ReleaseAdmissionInput{
		AdmissionID: r.in.AdmissionID,
	}).Get(ctx, nil)
}

// errorKind maps an activity failure back to the run's error taxonomy.
func errorKind(err error) model.ErrorKind {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.Type() {
		case string(model.ErrKindValidationFailure):
			return model.ErrKindValidationFailure
		case string(model.ErrKindBudgetExceeded):
			return model.ErrKindBudgetExceeded
		case string(model.ErrKindQuotaExceeded):
			return model.ErrKindQuotaExceeded
		case string(model.ErrKindRateLimited):
			return model.ErrKindRateLimited
		case string(model.ErrKindPersistence):
			return model.ErrKindPersistence
		}
	}
	return model.ErrKindProviderFailure
}
