package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/chain"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a workflow worker without the HTTP API",
	Long:  "Runs only the Temporal worker, for scaling step execution separately from request handling.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

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

		w := chain.NewWorker(tc, cfg.Temporal.TaskQueue, initActivities(st))

		stopCh := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(stopCh)
		}()

		zap.L().Info("worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
		return w.Run(stopCh)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
