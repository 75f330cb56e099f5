package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sparlo/report-engine/internal/clarify"
)

var answerCmd = &cobra.Command{
	Use:   "answer <report-id> <answer>",
	Short: "Answer a pending clarification question",
	Args:  cobra.ExactArgs(2),
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

		gate := clarify.New(st, tc)
		if err := gate.Answer(ctx, args[0], args[1]); err != nil {
			return err
		}

		fmt.Printf("Answer delivered, run %s resuming.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(answerCmd)
}
