package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/comigor/leadbot/internal/config"
	"github.com/comigor/leadbot/internal/crm"
)

var dealStatusCmd = &cobra.Command{
	Use:   "deal-status <deal-id> <open|won|lost>",
	Short: "Mark a deal as won or lost so the bot stops advancing it",
	Args:  cobra.ExactArgs(2),
	RunE:  runDealStatus,
}

func init() {
	rootCmd.AddCommand(dealStatusCmd)
}

func runDealStatus(cmd *cobra.Command, args []string) error {
	id, status, err := parseDealStatusArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := crm.OpenSQLite(cmd.Context(), cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetDealStatus(cmd.Context(), id, status); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deal %d marked %s\n", id, status)
	return nil
}

func parseDealStatusArgs(args []string) (int64, string, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid deal id %q", args[0])
	}
	switch status := args[1]; status {
	case crm.DealOpen, crm.DealWon, crm.DealLost:
		return id, status, nil
	default:
		return 0, "", fmt.Errorf("unknown deal status %q", status)
	}
}
