package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sparlo/report-engine/internal/model"
)

var usageActor string

var usageCmd = &cobra.Command{
	Use:   "usage <account-id>",
	Short: "Show an account's usage for the current billing period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
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

		actor := usageActor
		if actor == "" {
			actor = args[0]
		}

		period, err := initLedger(st).Summary(ctx, actor, args[0])
		if err != nil {
			return err
		}

		out := struct {
			*model.UsagePeriod
			Available int `json:"available"`
		}{period, period.Available()}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageActor, "actor", "", "acting identity (defaults to the account itself)")
	rootCmd.AddCommand(usageCmd)
}
