package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
	"gopkg.in/yaml.v3"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "visits",
	Short:   "Show the active visits",
	Long: `Show every visit currently in the shared folder.

Example usage:
  tunnelmon list                  # Table
  tunnelmon list --overdue        # Only visits past their expected return
  tunnelmon list --format json    # For scripts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		onlyOverdue, _ := cmd.Flags().GetBool("overdue")

		d, _, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		now := time.Now()
		records := selectVisits(d.Ledger(), onlyOverdue)
		if err := writeVisits(os.Stdout, format, records, now); err != nil {
			return err
		}
		if format == "table" && len(records) > 0 {
			fmt.Println()
			fmt.Println(ui.StatsLine(d.Ledger().Stats()))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	listCmd.Flags().Bool("overdue", false, "Only show overdue visits")
	rootCmd.AddCommand(listCmd)
}

func selectVisits(l *ledger.Ledger, onlyOverdue bool) []visit.Record {
	records := make([]visit.Record, 0, l.Len())
	for r := range l.All() {
		if onlyOverdue && !r.Overdue {
			continue
		}
		records = append(records, r)
	}
	return records
}

func writeVisits(w io.Writer, format string, records []visit.Record, now time.Time) error {
	switch format {
	case "table":
		_, err := io.WriteString(w, ui.VisitTable(records, now))
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}
