package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/daemon"
	"github.com/tunnelmonitor/tunnelmon/internal/dashboard"
	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
	"gopkg.in/natefinch/lumberjack.v2"
)

const diagLogMaxSizeMB = 10

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "visits",
	Short:   "Watch the shared folder and report visits as they change",
	Long: `Run the monitor in the foreground.

The monitor:
  1. Loads every visit file in the shared folder
  2. Watches the folder for entries, edits and exits from other stations
  3. Re-checks overdue visits every CheckInterval
  4. Optionally serves a WebSocket dashboard

Example usage:
  tunnelmon run                  # Console output only
  tunnelmon run --port 8080      # Also serve ws://localhost:8080/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		port := cfg.DashboardPort
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		logger := newLogger("daemon", true)
		if logPath, _ := cmd.Flags().GetString("log"); logPath != "" {
			// Diagnostics go to a rotated file; the console keeps the visit lines.
			// The file belongs to this station, so it rotates even when
			// tunnel.log does not.
			logFile := &lumberjack.Logger{
				Filename:   logPath,
				MaxSize:    diagLogMaxSizeMB,
				MaxBackups: max(cfg.LogMaxBackups, 1),
				LocalTime:  true,
			}
			defer logFile.Close()
			logger = log.New(logFile, "[daemon] ", log.LstdFlags)
		}

		sink, closeSinks, err := openSinks(cfg, logger)
		if err != nil {
			return err
		}
		defer closeSinks()

		d, err := daemon.New(&daemon.Config{
			Dir:           cfg.DataDir,
			CheckInterval: cfg.CheckInterval,
			Sink:          sink,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		unsubscribe := d.Ledger().Subscribe(func(c ledger.Change) {
			fmt.Println(ui.ChangeLine(c))
		})
		defer unsubscribe()

		if port > 0 {
			dashLogger := log.New(logger.Writer(), "[dashboard] ", log.LstdFlags)
			server := dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: dashLogger,
			})
			handler := dashboard.NewHandler(server, dashLogger)
			stopHandler := d.Ledger().Subscribe(handler.OnChange)
			defer stopHandler()

			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
				}
			}()
			fmt.Printf("Dashboard: ws://localhost:%d/ws\n", port)
		}

		fmt.Printf("%s Monitoring %s\n", ui.RenderAccent("▶"), cfg.DataDir)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go func() {
			select {
			case <-d.Started():
				fmt.Println(ui.StatsLine(d.Ledger().Stats()))
			case <-ctx.Done():
			}
		}()

		if err := d.Start(ctx); err != nil {
			return err
		}
		fmt.Println("\nMonitor stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().String("log", "", "Write diagnostic logs to this file instead of stderr")
	runCmd.Flags().IntP("port", "p", 0, "Serve the WebSocket dashboard on this port (default: DashboardPort setting)")
	rootCmd.AddCommand(runCmd)
}
