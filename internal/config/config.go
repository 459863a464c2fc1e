// Package config loads the station settings.
//
// Settings come from settings.{json,toml,yaml} in the user's config directory
// (TunnelMonitor/), or a file given explicitly, overridden by TUNNELMON_*
// environment variables. Keys are case-insensitive, so existing settings.json
// files with "DataDir" keep working.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Setting keys.
const (
	KeyDataDir       = "DataDir"
	KeyCheckInterval = "CheckInterval"
	KeyLogFile       = "LogFile"
	KeyLogMaxSizeMB  = "LogMaxSizeMB"
	KeyLogMaxBackups = "LogMaxBackups"
	KeyHistoryDB     = "HistoryDB"
	KeyDashboardPort = "DashboardPort"
	KeyDefaultStay   = "DefaultStay"
)

// AppDir is the directory name under the user's config directory.
const AppDir = "TunnelMonitor"

// HomeDirToken in DataDir is replaced by the user's home directory.
const HomeDirToken = "%HOMEDIR%"

// HistoryOff disables the history database.
const HistoryOff = "off"

var (
	// ErrMissingDataDir is returned when no shared folder is configured.
	ErrMissingDataDir = errors.New("DataDir is not set")

	// ErrNoSettingsFile is returned when no settings file was found.
	ErrNoSettingsFile = errors.New("settings file not found")
)

// ConfigError reports a setting that prevents the monitor from starting.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config holds the station settings.
type Config struct {
	// DataDir is the shared folder with one file per active visit.
	DataDir string

	// CheckInterval is how often overdue flags are recomputed.
	CheckInterval time.Duration

	// LogFile is the append-only tunnel log.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// HistoryDB is the local SQLite history; empty when disabled.
	HistoryDB string

	// DashboardPort enables the WebSocket dashboard when non-zero.
	DashboardPort int

	// DefaultStay is added to the entry time when no expected return is given.
	DefaultStay time.Duration

	// SettingsFile is the file the settings were read from, if any.
	SettingsFile string
}

// DefaultSettingsDir returns $UserConfigDir/TunnelMonitor.
func DefaultSettingsDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve config directory: %w", err)
	}
	return filepath.Join(dir, AppDir), nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyCheckInterval, "30s")
	// tunnel.log is shared by every station; rotating it from one of them
	// would move the others' lines into the backup.
	v.SetDefault(KeyLogMaxSizeMB, 0)
	v.SetDefault(KeyLogMaxBackups, 5)
	v.SetDefault(KeyDashboardPort, 0)
	v.SetDefault(KeyDefaultStay, "1h")

	v.SetEnvPrefix("TUNNELMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the settings. If path is empty, settings.* is searched for in
// DefaultSettingsDir; a missing file is only an error when DataDir is not
// provided through the environment either.
//
// The shared folder is created if it does not exist. All problems are
// returned as *ConfigError.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := DefaultSettingsDir()
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		v.SetConfigName("settings")
		v.AddConfigPath(dir)
	}

	var notFound bool
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &nf):
			notFound = true
		case path != "" && errors.Is(err, os.ErrNotExist):
			return nil, &ConfigError{Err: fmt.Errorf("%w: %s", ErrNoSettingsFile, path)}
		default:
			return nil, &ConfigError{Err: fmt.Errorf("failed to read settings: %w", err)}
		}
	}

	return fromViper(v, notFound)
}

func fromViper(v *viper.Viper, notFound bool) (*Config, error) {
	dataDir := strings.TrimSpace(v.GetString(KeyDataDir))
	if dataDir == "" {
		if notFound {
			return nil, &ConfigError{Key: KeyDataDir, Err: fmt.Errorf("%w and %w", ErrMissingDataDir, ErrNoSettingsFile)}
		}
		return nil, &ConfigError{Key: KeyDataDir, Err: ErrMissingDataDir}
	}

	dataDir, err := ExpandHome(dataDir)
	if err != nil {
		return nil, &ConfigError{Key: KeyDataDir, Err: err}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, &ConfigError{Key: KeyDataDir, Err: fmt.Errorf("cannot create shared folder: %w", err)}
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return nil, &ConfigError{Key: KeyDataDir, Err: fmt.Errorf("%s is not a directory", dataDir)}
	}

	interval, err := parseDuration(v, KeyCheckInterval)
	if err != nil {
		return nil, err
	}
	stay, err := parseDuration(v, KeyDefaultStay)
	if err != nil {
		return nil, err
	}

	port := v.GetInt(KeyDashboardPort)
	if port < 0 || port > 65535 {
		return nil, &ConfigError{Key: KeyDashboardPort, Err: fmt.Errorf("port out of range: %d", port)}
	}

	cfg := &Config{
		DataDir:       dataDir,
		CheckInterval: interval,
		LogFile:       v.GetString(KeyLogFile),
		LogMaxSizeMB:  v.GetInt(KeyLogMaxSizeMB),
		LogMaxBackups: v.GetInt(KeyLogMaxBackups),
		HistoryDB:     v.GetString(KeyHistoryDB),
		DashboardPort: port,
		DefaultStay:   stay,
		SettingsFile:  v.ConfigFileUsed(),
	}

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(dataDir, "tunnel.log")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.HistoryDB)) {
	case HistoryOff:
		cfg.HistoryDB = ""
	case "":
		if dir, err := DefaultSettingsDir(); err == nil {
			cfg.HistoryDB = filepath.Join(dir, "history.db")
		}
	default:
		if cfg.HistoryDB, err = ExpandHome(cfg.HistoryDB); err != nil {
			return nil, &ConfigError{Key: KeyHistoryDB, Err: err}
		}
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigError{Key: key, Err: fmt.Errorf("invalid duration %q: %w", raw, err)}
	}
	if d <= 0 {
		return 0, &ConfigError{Key: key, Err: fmt.Errorf("duration must be positive (got %s)", d)}
	}
	return d, nil
}

// ExpandHome replaces HomeDirToken with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.Contains(path, HomeDirToken) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Clean(strings.ReplaceAll(path, HomeDirToken, home)), nil
}

// settingsFile is the TOML layout written by WriteDefault.
type settingsFile struct {
	DataDir       string `toml:"DataDir"`
	CheckInterval string `toml:"CheckInterval"`
	DefaultStay   string `toml:"DefaultStay"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	DashboardPort int    `toml:"DashboardPort"`
}

// WriteDefault writes a starter settings.toml to path. An existing file is
// not overwritten.
func WriteDefault(path, dataDir string) error {
	if dataDir == "" {
		return &ConfigError{Key: KeyDataDir, Err: ErrMissingDataDir}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create settings file: %w", err)
	}

	err = toml.NewEncoder(f).Encode(settingsFile{
		DataDir:       dataDir,
		CheckInterval: "30s",
		DefaultStay:   "1h",
		LogMaxBackups: 5,
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", path, err)
	}
	return nil
}
