package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

var visitColumns = []string{"NAME", "PHONE", "COMPANY", "PERSONS", "TUNNELS", "ENTERED", "EXPECTED", "STATUS"}

var cellStyle = lipgloss.NewStyle().PaddingRight(2)

// VisitTable renders records as an aligned table. Overdue visits are
// highlighted; the status column shows how long ago they were due as of now.
func VisitTable(records []visit.Record, now time.Time) string {
	if len(records) == 0 {
		return RenderMuted("No active visits") + "\n"
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Name,
			r.Phone,
			r.Company,
			fmt.Sprint(r.Persons),
			tunnelList(r),
			r.EntryTime.Format(visit.TimeLayout),
			r.ExpectedReturn.Format(visit.TimeLayout),
			status(r, now),
		})
	}

	last := len(visitColumns) - 1
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers(visitColumns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := cellStyle
			switch {
			case row == table.HeaderRow:
				style = headerStyle.PaddingRight(2)
			case records[row].Overdue:
				style = failStyle.PaddingRight(2)
			}
			if col == last {
				style = style.PaddingRight(0)
			}
			return style
		})
	return t.String() + "\n"
}

func tunnelList(r visit.Record) string {
	parts := make([]string, 0, 2)
	for _, t := range r.Tunnels() {
		parts = append(parts, fmt.Sprint(t))
	}
	return strings.Join(parts, ",")
}

func status(r visit.Record, now time.Time) string {
	if !r.Overdue {
		return "inside"
	}
	late := now.Sub(r.ExpectedReturn).Truncate(time.Minute)
	if late <= 0 {
		return "OVERDUE"
	}
	return "OVERDUE " + late.String()
}

// StatsLine summarizes occupancy on one line.
func StatsLine(s ledger.Stats) string {
	line := fmt.Sprintf("%d visits, %d persons (tunnel 1: %d, tunnel 2: %d)",
		s.Visits, s.Persons, s.Tunnel1, s.Tunnel2)
	if s.Overdue > 0 {
		return line + ", " + RenderFail(fmt.Sprintf("%d overdue", s.Overdue))
	}
	return line
}

// ChangeLine describes one ledger change for the run command's console.
func ChangeLine(c ledger.Change) string {
	r := c.Record
	switch c.Kind {
	case ledger.Added:
		return fmt.Sprintf("%s %s", RenderPass("ENTRY"), r.String())
	case ledger.Removed:
		return fmt.Sprintf("%s %s", RenderAccent("EXIT"), r.String())
	default:
		if r.Overdue {
			return fmt.Sprintf("%s %s", RenderFail("OVERDUE"), r.String())
		}
		return fmt.Sprintf("%s %s", RenderWarn("UPDATE"), r.String())
	}
}
