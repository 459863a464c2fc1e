package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/daemon"
	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

var exitCmd = &cobra.Command{
	Use:     "exit <id|name>",
	GroupID: "visits",
	Short:   "Register a group leaving the tunnels",
	Long: `Register an exit. The visit file is removed from the shared folder and
the exit is logged to the tunnel log.

The argument is a visit ID as shown by 'tunnelmon list --format json', or a
name when exactly one active visit has that name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		id, err := resolveVisit(d.Ledger(), args[0])
		if err != nil {
			return err
		}

		r, err := d.Exit(id)
		if err != nil {
			return err
		}
		fmt.Printf("%s Exited: %s\n", ui.RenderPass("✓"), r.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exitCmd)
}

// resolveVisit maps an ID or a unique name (case-insensitive) to an ID.
func resolveVisit(l *ledger.Ledger, arg string) (string, error) {
	if _, ok := l.Get(arg); ok {
		return arg, nil
	}
	if _, ok := l.Get(arg + visit.FileExt); ok {
		return arg + visit.FileExt, nil
	}

	var matches []string
	for r := range l.All() {
		if strings.EqualFold(r.Name, arg) {
			matches = append(matches, r.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", daemon.ErrUnknownVisit, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%d active visits are named %q; use one of: %s",
			len(matches), arg, strings.Join(matches, ", "))
	}
}
