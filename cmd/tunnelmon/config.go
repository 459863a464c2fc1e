package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/config"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the station settings",
}

var configInitCmd = &cobra.Command{
	Use:   "init <shared-folder>",
	Short: "Write a starter settings file",
	Long: `Write settings.toml pointing at the shared folder. An existing settings
file is never overwritten.

%HOMEDIR% in the folder is replaced by the user's home directory when the
settings are loaded.

Example usage:
  tunnelmon config init '%HOMEDIR%/Dropbox/Tunnels'
  tunnelmon config init //fileserver/tunnels --config ./settings.toml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			dir, err := config.DefaultSettingsDir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "settings.toml")
		}

		if err := config.WriteDefault(path, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		source := cfg.SettingsFile
		if source == "" {
			source = "(environment only)"
		}
		history := cfg.HistoryDB
		if history == "" {
			history = config.HistoryOff
		}
		dashboard := "off"
		if cfg.DashboardPort > 0 {
			dashboard = fmt.Sprint(cfg.DashboardPort)
		}

		fmt.Printf("%s %s\n", ui.RenderAccent("Settings:"), source)
		fmt.Printf("   %-14s %s\n", config.KeyDataDir, cfg.DataDir)
		fmt.Printf("   %-14s %s\n", config.KeyCheckInterval, cfg.CheckInterval)
		fmt.Printf("   %-14s %s\n", config.KeyDefaultStay, cfg.DefaultStay)
		rotation := "no rotation"
		if cfg.LogMaxSizeMB > 0 {
			rotation = fmt.Sprintf("%d MB x %d backups", cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		}
		fmt.Printf("   %-14s %s (%s)\n", config.KeyLogFile, cfg.LogFile, rotation)
		fmt.Printf("   %-14s %s\n", config.KeyHistoryDB, history)
		fmt.Printf("   %-14s %s\n", config.KeyDashboardPort, dashboard)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
