package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/chain"
	"github.com/sparlo/report-engine/internal/model"
)

var (
	runAccount string
	runMode    string
	runInput   string
	runWait    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a report run",
	Long:  "Admits the run against rate limits, reserves quota, and launches the workflow. With --wait, blocks until the run reaches a terminal state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("client"); err != nil {
			return err
		}

		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		tc, err := initTemporal()
		if err != nil {
			return err
		}
		defer tc.Close()

		mode := model.Mode(runMode)
		if !mode.Valid() {
			return eris.Errorf("unknown mode %q (valid: standard, discovery, due_diligence)", runMode)
		}
		chainDef, err := model.ChainFor(mode)
		if err != nil {
			return err
		}

		gd := initGuard(st)
		ld := initLedger(st)

		adm, err := gd.Admit(ctx, runAccount)
		if err != nil {
			return err
		}

		reportID := uuid.NewString()
		if _, err := ld.Reserve(ctx, runAccount, runAccount, chainDef.ReserveEstimate(), reportID); err != nil {
			_ = gd.Release(ctx, adm.ID)
			return err
		}

		report, err := st.CreateReport(ctx, reportID, runAccount, mode, runInput, model.StatusProcessing)
		if err != nil {
			_ = ld.Release(ctx, reportID)
			_ = gd.Release(ctx, adm.ID)
			return eris.Wrap(err, "create report")
		}

		wfRun, err := tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        chain.WorkflowID(reportID),
			TaskQueue: cfg.Temporal.TaskQueue,
		}, chain.ReportWorkflow, chain.WorkflowInput{
			ReportID:             reportID,
			AccountID:            runAccount,
			Mode:                 mode,
			Input:                runInput,
			AdmissionID:          adm.ID,
			ReservationKey:       reportID,
			ClarificationTimeout: cfg.Clarification.Timeout(),
		})
		if err != nil {
			_ = ld.Release(ctx, reportID)
			_ = gd.Release(ctx, adm.ID)
			return eris.Wrap(err, "start workflow")
		}

		zap.L().Info("report run started",
			zap.String("report_id", reportID),
			zap.String("workflow_id", wfRun.GetID()),
			zap.String("mode", string(mode)),
		)

		if runWait {
			if err := wfRun.Get(ctx, nil); err != nil {
				return eris.Wrap(err, "workflow run")
			}
			report, err = st.GetReport(ctx, reportID)
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	runCmd.Flags().StringVar(&runAccount, "account", "", "account id the run bills against (required)")
	runCmd.Flags().StringVar(&runMode, "mode", "standard", "chain mode: standard, discovery, due_diligence")
	runCmd.Flags().StringVar(&runInput, "input", "", "problem statement to analyze (required)")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "block until the run finishes")
	_ = runCmd.MarkFlagRequired("account")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
