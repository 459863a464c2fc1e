package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/config"
	"github.com/tunnelmonitor/tunnelmon/internal/history"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "visits",
	Short:   "Show entries and exits registered at this station",
	Long: `Show the most recent entries and exits from this station's local history
database (HistoryDB setting). The shared tunnel log remains the
authoritative record; the history only covers actions taken here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.HistoryDB == "" {
			return &config.ConfigError{Key: config.KeyHistoryDB, Err: errors.New("history is disabled")}
		}
		if _, err := os.Stat(cfg.HistoryDB); errors.Is(err, os.ErrNotExist) {
			fmt.Printf("\n%s No history yet at %s\n\n", ui.RenderWarn("⚠"), cfg.HistoryDB)
			return nil
		}

		db, err := openHistory(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		events, err := db.Recent(ctx, limit)
		if err != nil {
			return err
		}
		counts, err := db.CountByKind(ctx)
		if err != nil {
			return err
		}

		for _, e := range events {
			kind := ui.RenderPass("ENTRY")
			if e.Kind == history.KindExit {
				kind = ui.RenderAccent("EXIT ")
			}
			fmt.Printf("%s  %s  %s, %s, %s, # persons: %d, expected %s\n",
				e.LoggedAt.Local().Format(visit.TimeLayout), kind,
				e.Name, e.Phone, e.Company, e.Persons,
				e.ExpectedReturn.Local().Format(visit.TimeLayout))
		}
		fmt.Printf("\nTotal: %d entries, %d exits\n", counts[history.KindEntry], counts[history.KindExit])
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of events to show")
	rootCmd.AddCommand(historyCmd)
}
