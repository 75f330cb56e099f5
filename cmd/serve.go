package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sparlo/report-engine/internal/chain"
	"github.com/sparlo/report-engine/internal/clarify"
	"github.com/sparlo/report-engine/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and workflow worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
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

		activities := initActivities(st)
		w := chain.NewWorker(tc, cfg.Temporal.TaskQueue, activities)

		srv := server.New(st, activities.Ledger, activities.Guard,
			clarify.New(st, tc), tc, server.Config{
				TaskQueue:            cfg.Temporal.TaskQueue,
				ClarificationTimeout: cfg.Clarification.Timeout(),
				AllowedOrigins:       cfg.Server.AllowedOrigins,
				RequestsPerSecond:    cfg.Rate.RequestsPerSecond,
				RequestBurst:         cfg.Rate.RequestBurst,
			})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		g, gctx := errgroup.WithContext(ctx)

		stopCh := make(chan interface{})
		g.Go(func() error {
			<-gctx.Done()
			close(stopCh)
			return nil
		})
		g.Go(func() error {
			return w.Run(stopCh)
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", port))
		})

		zap.L().Info("engine started",
			zap.Int("port", port),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
