// Package config loads and validates bundlestored's configuration and
// supports hot-reloading the handful of fields that are safe to change
// without a restart.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// DiskConfig describes one storage stripe.
type DiskConfig struct {
	Path            string `mapstructure:"path"`
	SegmentsPerDisk uint32 `mapstructure:"segments_per_disk"`
}

// ImplConfig selects the disk I/O execution strategy.
type ImplConfig struct {
	ThreadsPerDisk        int  `mapstructure:"threads_per_disk"`
	SingleThreadedReactor bool `mapstructure:"single_threaded_reactor"`
}

// CustodyConfig tunes custody admission and ACS cadence.
type CustodyConfig struct {
	AdmissionCap       int `mapstructure:"admission_cap"`
	ACSIntervalSeconds int `mapstructure:"acs_interval_seconds"`
	ACSFillThreshold   int `mapstructure:"acs_fill_threshold"`
}

// RouterConfig tunes the read-ahead pipeline depth.
type RouterConfig struct {
	ReadAheadSegments int `mapstructure:"read_ahead_segments"`
}

// LedgerConfig points at the custody ledger's sqlite database file.
type LedgerConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig tunes the rotating log file.
type LogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Level      string `mapstructure:"level"`
}

// Config is bundlestored's full configuration surface.
type Config struct {
	Disks                     []DiskConfig  `mapstructure:"disks"`
	SegmentSizeBytes          uint32        `mapstructure:"segment_size_bytes"`
	Implementation            ImplConfig    `mapstructure:"implementation"`
	TryRestoreFromDisk        bool          `mapstructure:"try_restore_from_disk"`
	AutoDeleteFilesOnExit     bool          `mapstructure:"auto_delete_files_on_exit"`
	TotalStorageCapacityBytes uint64        `mapstructure:"total_storage_capacity_bytes"`
	Custody                   CustodyConfig `mapstructure:"custody"`
	Router                    RouterConfig  `mapstructure:"router"`
	Ledger                    LedgerConfig  `mapstructure:"ledger"`
	Log                       LogConfig     `mapstructure:"log"`
}

// Validate checks every field that the engine cannot safely default or
// tolerate being zero, collecting every violation rather than failing on
// the first.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Disks) == 0 {
		errs = append(errs, errors.New("disks: at least one disk must be configured"))
	}
	for i, d := range c.Disks {
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("disks[%d].path: must not be empty", i))
		}
		if d.SegmentsPerDisk == 0 {
			errs = append(errs, fmt.Errorf("disks[%d].segments_per_disk: must be > 0", i))
		}
	}
	if c.SegmentSizeBytes <= 16 {
		errs = append(errs, fmt.Errorf("segment_size_bytes: must exceed the 16-byte header, got %d", c.SegmentSizeBytes))
	}
	if c.Custody.AdmissionCap <= 0 {
		errs = append(errs, fmt.Errorf("custody.admission_cap: must be > 0, got %d", c.Custody.AdmissionCap))
	}
	if c.Custody.ACSIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("custody.acs_interval_seconds: must be > 0, got %d", c.Custody.ACSIntervalSeconds))
	}
	if c.Router.ReadAheadSegments <= 0 {
		errs = append(errs, fmt.Errorf("router.read_ahead_segments: must be > 0, got %d", c.Router.ReadAheadSegments))
	}
	if c.Ledger.DBPath == "" {
		errs = append(errs, errors.New("ledger.db_path: must not be empty"))
	}

	return errors.Join(errs...)
}

// applyDefaults fills in the knobs that have a sane default when the
// caller's config file omits them.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("implementation.threads_per_disk", 1)
	v.SetDefault("try_restore_from_disk", true)
	v.SetDefault("auto_delete_files_on_exit", false)
	v.SetDefault("custody.admission_cap", 5)
	v.SetDefault("custody.acs_interval_seconds", 1)
	v.SetDefault("custody.acs_fill_threshold", 100)
	v.SetDefault("router.read_ahead_segments", 8)
	v.SetDefault("ledger.db_path", "bundlestored.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
}

// LoadConfig reads and validates the configuration file at path (YAML,
// with environment variable overrides under the BUNDLESTORED_ prefix).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BUNDLESTORED")
	v.AutomaticEnv()
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}
