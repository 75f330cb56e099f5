// Package clarify resumes suspended runs with user answers.
package clarify

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/chain"
	"github.com/sparlo/report-engine/internal/store"
)

// WorkflowSignaler is the slice of the Temporal client the gate needs.
type WorkflowSignaler interface {
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

// Gate validates and delivers clarification answers. The store write is
// the gatekeeper: only a report still in clarifying accepts an answer,
// so a late answer after a timeout (or a duplicate answer) is rejected
// before any signal is sent.
type Gate struct {
	store    store.Store
	signaler WorkflowSignaler
}

// New creates a Gate.
func New(s store.Store, signaler WorkflowSignaler) *Gate {
	return &Gate{store: s, signaler: signaler}
}

// Answer records the user's answer and wakes the suspended workflow.
// Returns model.ErrWrongStatus when the report is not waiting on a
// question and model.ErrReportNotFound for unknown reports.
func (g *Gate) Answer(ctx context.Context, reportID, answer string) error {
	if answer == "" {
		return eris.New("clarify: answer must not be empty")
	}
	if err := g.store.AnswerClarification(ctx, reportID, answer); err != nil {
		return err
	}

	if err := g.signaler.SignalWorkflow(ctx, chain.WorkflowID(reportID), "", chain.SignalClarificationAnswer, answer); err != nil {
		return eris.Wrapf(err, "clarify: signal workflow for report %s", reportID)
	}
	zap.L().Info("clarification answered",
		zap.String("report_id", reportID),
	)
	return nil
}
