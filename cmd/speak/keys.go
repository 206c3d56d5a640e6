package main

import (
	"errors"
	"fmt"

	"github.com/snappy-loop/museum-alive/internal/database"
	"github.com/snappy-loop/museum-alive/migrations"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys for the narration API",
}

var keyCreateOpts struct {
	label  string
	quota  int64
	period string
}

var keysCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Create an API key; the plain key is printed once",
	Example: "  speak keys create --label front-desk --quota 500 --period monthly",
	RunE:    keysCreateCommand,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyCreateOpts.label, "label", "", "human readable label")
	keysCreateCmd.Flags().Int64Var(&keyCreateOpts.quota, "quota", 0, "narrations per period (default $DEFAULT_QUOTA_NARRATIONS)")
	keysCreateCmd.Flags().StringVar(&keyCreateOpts.period, "period", "", "quota period: daily, weekly, monthly or yearly (default $DEFAULT_QUOTA_PERIOD)")
	keysCmd.AddCommand(keysCreateCmd)
}

func keysCreateCommand(cmd *cobra.Command, args []string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required to manage API keys")
	}
	quota := keyCreateOpts.quota
	if quota <= 0 {
		quota = cfg.DefaultQuotaNarrations
	}
	period := keyCreateOpts.period
	if period == "" {
		period = cfg.DefaultQuotaPeriod
	}
	switch period {
	case "daily", "weekly", "monthly", "yearly":
	default:
		return fmt.Errorf("unknown quota period %q", period)
	}

	db, err := database.Connect(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Run(cmd.Context(), db.DB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	plain, key, err := database.NewAPIKeyRepository(db).CreateAPIKey(cmd.Context(), keyCreateOpts.label, quota, period)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:     %s\n", key.ID)
	fmt.Fprintf(out, "key:    %s\n", plain)
	fmt.Fprintf(out, "quota:  %d per %s\n", key.QuotaNarrations, key.QuotaPeriod)
	return nil
}
