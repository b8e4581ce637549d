// Package config loads agent configuration from file and environment via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/relaydesk/agent/internal/logging"
)

var log = logging.L("config")

// Config holds the settings for the relaydesk host agent: how it reaches the
// signaling fabric, its ICE policy, adaptive-bitrate clamp range, session
// limits, and the ambient logging/beacon knobs.
type Config struct {
	DeviceName string `mapstructure:"device_name"`

	SignalingURL string `mapstructure:"signaling_url"`

	TurnURL        string `mapstructure:"turn_url"`
	TurnUsername   string `mapstructure:"turn_username"`
	TurnCredential string `mapstructure:"turn_credential"`

	MinBitrateBPS int `mapstructure:"min_bitrate_bps"`
	MaxBitrateBPS int `mapstructure:"max_bitrate_bps"`

	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
	FreeSessionMinutes    int `mapstructure:"free_session_minutes"`

	LANBeaconEnabled  bool `mapstructure:"lan_beacon_enabled"`
	LANBeaconPort     int  `mapstructure:"lan_beacon_port"`
	LANBeaconInterval int  `mapstructure:"lan_beacon_interval_seconds"`
	LANBeaconTimeout  int  `mapstructure:"lan_beacon_timeout_seconds"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Audit logging: the tamper-evident record of session/permission/file
	// events, independent of the operational log stream above.
	AuditMaxSizeMB  int `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		SignalingURL:          "ws://localhost:8080/ws",
		MinBitrateBPS:         500_000,
		MaxBitrateBPS:         20_000_000,
		MaxConcurrentSessions: 10,
		FreeSessionMinutes:    10,
		LANBeaconEnabled:      true,
		LANBeaconPort:         9090,
		LANBeaconInterval:     5,
		LANBeaconTimeout:      30,
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          50,
		LogMaxBackups:         3,
		AuditMaxSizeMB:        50,
		AuditMaxBackups:       3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAYDESK")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("device_name", cfg.DeviceName)
	viper.Set("signaling_url", cfg.SignalingURL)
	viper.Set("turn_url", cfg.TurnURL)
	viper.Set("turn_username", cfg.TurnUsername)
	viper.Set("turn_credential", cfg.TurnCredential)
	viper.Set("min_bitrate_bps", cfg.MinBitrateBPS)
	viper.Set("max_bitrate_bps", cfg.MaxBitrateBPS)
	viper.Set("max_concurrent_sessions", cfg.MaxConcurrentSessions)
	viper.Set("free_session_minutes", cfg.FreeSessionMinutes)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Config may carry a TURN credential; owner-only access.
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the agent.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "RelayDesk", "data")
	case "darwin":
		return "/Library/Application Support/RelayDesk/data"
	default:
		return "/var/lib/relaydesk"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "RelayDesk")
	case "darwin":
		return "/Library/Application Support/RelayDesk"
	default:
		return "/etc/relaydesk"
	}
}
