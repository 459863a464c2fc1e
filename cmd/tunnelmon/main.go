// Command tunnelmon registers tunnel entries and exits and keeps every
// station's view of who is inside in sync through a shared folder.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/config"
	"github.com/tunnelmonitor/tunnelmon/internal/daemon"
	"github.com/tunnelmonitor/tunnelmon/internal/history"
	"github.com/tunnelmonitor/tunnelmon/internal/journal"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tunnelmon",
	Short: "Track who is inside the tunnels",
	Long: `tunnelmon keeps a live list of active tunnel visits.

Every station points at the same shared folder. Each active visit is one
text file in that folder; stations write a file on entry, delete it on exit
and watch the folder to pick up each other's changes. Visits past their
expected return time are flagged overdue.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "visits", Title: "Visits:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default: <user config dir>/TunnelMonitor/settings.*)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log daemon activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the settings selected by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger returns a prefixed stderr logger, or a silent one unless verbose.
func newLogger(prefix string, always bool) *log.Logger {
	if !always && !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}

// openSinks opens the tunnel log and, unless disabled, the history database.
// The returned function closes both.
func openSinks(cfg *config.Config, logger *log.Logger) (journal.Sink, func(), error) {
	fileSink, err := journal.NewFileSink(journal.FileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return nil, nil, err
	}
	sinks := journal.Multi{fileSink}
	closers := []func() error{fileSink.Close}

	if cfg.HistoryDB != "" {
		db, err := openHistory(cfg.HistoryDB)
		if err != nil {
			// The history is a local convenience; the tunnel log is the record.
			logger.Printf("Warning: history disabled: %v", err)
		} else {
			sinks = append(sinks, db)
			closers = append(closers, db.Close)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Printf("Warning: close failed: %v", err)
			}
		}
	}
	return sinks, closeAll, nil
}

func openHistory(path string) (*history.DB, error) {
	db, err := history.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// openDaemon loads the settings, opens the sinks and scans the shared folder.
// The returned function releases everything.
func openDaemon() (*daemon.Daemon, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := newLogger("daemon", false)
	sink, closeSinks, err := openSinks(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	d, err := daemon.New(&daemon.Config{
		Dir:           cfg.DataDir,
		CheckInterval: cfg.CheckInterval,
		Sink:          sink,
		Logger:        logger,
	})
	if err != nil {
		closeSinks()
		return nil, nil, nil, err
	}

	result, err := d.Load()
	if err != nil {
		closeSinks()
		return nil, nil, nil, fmt.Errorf("failed to scan %s: %w", cfg.DataDir, err)
	}
	for _, f := range result.Failures {
		fmt.Fprintf(os.Stderr, "%s skipped %s\n", ui.RenderWarn("⚠"), f.Error())
	}
	return d, cfg, closeSinks, nil
}
