package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote collector endpoints
	API APIConfig `json:"api" mapstructure:"api"`

	// Location Provider options
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Tracking state machine
	Tracking TrackingConfig `json:"tracking" mapstructure:"tracking"`

	// Upload queue behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Remote history cache
	History HistoryConfig `json:"history" mapstructure:"history"`

	// Local persistence
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Display/reporting HTTP surface
	Display DisplayConfig `json:"display" mapstructure:"display"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// KeyValue is one static header or parameter. Lists keep the key casing that
// map keys would lose when loaded through viper.
type KeyValue struct {
	Name  string `json:"name" mapstructure:"name"`
	Value string `json:"value" mapstructure:"value"`
}

// APIConfig for collector communication.
type APIConfig struct {
	WriteURL         string        `json:"write_url" mapstructure:"write_url"`
	WriteMethod      string        `json:"write_method" mapstructure:"write_method"`
	ReadURL          string        `json:"read_url" mapstructure:"read_url"`
	ReadParams       []KeyValue    `json:"read_params" mapstructure:"read_params"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent        string        `json:"user_agent" mapstructure:"user_agent"`
	Headers          []KeyValue    `json:"headers" mapstructure:"headers"`
	Params           []KeyValue    `json:"params" mapstructure:"params"`
	LocationTemplate string        `json:"location_template" mapstructure:"location_template"`
	HTTPRootProperty string        `json:"http_root_property" mapstructure:"http_root_property"`

	// Client side request rate, per second. Zero disables the limiter.
	RateLimit float64 `json:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `json:"rate_burst" mapstructure:"rate_burst"`

	// Circuit breaker around the collector
	BreakerFailures    uint32        `json:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `json:"breaker_open_timeout" mapstructure:"breaker_open_timeout"`
}

// ProviderConfig mirrors the recognized Location Provider options.
type ProviderConfig struct {
	DesiredAccuracy               string        `json:"desired_accuracy" mapstructure:"desired_accuracy"`
	DistanceFilter                float64       `json:"distance_filter" mapstructure:"distance_filter"`
	LocationUpdateInterval        time.Duration `json:"location_update_interval" mapstructure:"location_update_interval"`
	FastestLocationUpdateInterval time.Duration `json:"fastest_location_update_interval" mapstructure:"fastest_location_update_interval"`
	StopTimeout                   time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
	StopOnTerminate               bool          `json:"stop_on_terminate" mapstructure:"stop_on_terminate"`
	StartOnBoot                   bool          `json:"start_on_boot" mapstructure:"start_on_boot"`
	ForegroundService             bool          `json:"foreground_service" mapstructure:"foreground_service"`
	ShowsBackgroundIndicator      bool          `json:"shows_background_indicator" mapstructure:"shows_background_indicator"`
	NotificationText              string        `json:"notification_text" mapstructure:"notification_text"`
	DisableElasticity             bool          `json:"disable_elasticity" mapstructure:"disable_elasticity"`

	// Simulated provider used by the CLI
	Simulator SimulatorConfig `json:"simulator" mapstructure:"simulator"`
}

// SimulatorConfig drives the simulated provider walk.
type SimulatorConfig struct {
	StartLatitude  float64 `json:"start_latitude" mapstructure:"start_latitude"`
	StartLongitude float64 `json:"start_longitude" mapstructure:"start_longitude"`
	StepMeters     float64 `json:"step_meters" mapstructure:"step_meters"`
}

// TrackingConfig for the tracking controller.
type TrackingConfig struct {
	Owner             string        `json:"owner" mapstructure:"owner"`
	EnableOnStart     bool          `json:"enable_on_start" mapstructure:"enable_on_start"`
	DegradedThreshold int           `json:"degraded_threshold" mapstructure:"degraded_threshold"`
	AutoRecover       bool          `json:"auto_recover" mapstructure:"auto_recover"`
	RecoverBaseDelay  time.Duration `json:"recover_base_delay" mapstructure:"recover_base_delay"`
	RecoverMaxDelay   time.Duration `json:"recover_max_delay" mapstructure:"recover_max_delay"`
}

// SyncConfig for upload and retention behavior.
type SyncConfig struct {
	AutoSync            bool          `json:"auto_sync" mapstructure:"auto_sync"`
	BatchSync           bool          `json:"batch_sync" mapstructure:"batch_sync"`
	BatchInterval       time.Duration `json:"batch_interval" mapstructure:"batch_interval"`
	MaxBatchSize        int           `json:"max_batch_size" mapstructure:"max_batch_size"`
	OrderDirection      string        `json:"order_direction" mapstructure:"order_direction"` // ASC, DESC
	MaxPersisted        int           `json:"max_persisted" mapstructure:"max_persisted"`     // 0 = unlimited
	MaxAge              time.Duration `json:"max_age" mapstructure:"max_age"`                 // 0 = unlimited
	MaintenanceInterval time.Duration `json:"maintenance_interval" mapstructure:"maintenance_interval"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `json:"retry_max_delay" mapstructure:"retry_max_delay"`
	RetryJitter         float64       `json:"retry_jitter" mapstructure:"retry_jitter"`
	UploadTimeout       time.Duration `json:"upload_timeout" mapstructure:"upload_timeout"`
}

// HistoryConfig for the remote location cache.
type HistoryConfig struct {
	FetchTimeout   time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout"`
	RefreshOnStart bool          `json:"refresh_on_start" mapstructure:"refresh_on_start"`
}

// StorageConfig for local persistence.
type StorageConfig struct {
	DataDir      string `json:"data_dir" mapstructure:"data_dir"`
	Driver       string `json:"driver" mapstructure:"driver"` // sqlite, file, memory
	DatabaseFile string `json:"database_file" mapstructure:"database_file"`
	SamplesFile  string `json:"samples_file" mapstructure:"samples_file"`
}

// DisplayConfig for the reporting surface.
type DisplayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	Color  bool   `json:"color" mapstructure:"color"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".locsync"

	return &Config{
		API: APIConfig{
			WriteURL:    "http://localhost:8080/locations",
			WriteMethod: "POST",
			ReadURL:     "http://localhost:8080/locations",
			Timeout:     30 * time.Second,
			UserAgent:   "locsync/1.0",
			Headers: []KeyValue{
				{Name: "Content-Type", Value: "application/json"},
			},
			LocationTemplate:   `{"latitude":"<%= latitude %>","longitude":"<%= longitude %>"}`,
			HTTPRootProperty:   ".",
			RateBurst:          1,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Provider: ProviderConfig{
			DesiredAccuracy:               "high",
			DistanceFilter:                1000,
			LocationUpdateInterval:        time.Minute,
			FastestLocationUpdateInterval: time.Minute,
			StopTimeout:                   5 * time.Minute,
			StopOnTerminate:               false,
			StartOnBoot:                   true,
			ForegroundService:             true,
			ShowsBackgroundIndicator:      true,
			NotificationText:              "Sharing your location.",
			DisableElasticity:             true,
			Simulator: SimulatorConfig{
				StartLatitude:  41.0082,
				StartLongitude: 28.9784,
				StepMeters:     1200,
			},
		},
		Tracking: TrackingConfig{
			DegradedThreshold: 3,
			AutoRecover:       true,
			RecoverBaseDelay:  5 * time.Second,
			RecoverMaxDelay:   5 * time.Minute,
		},
		Sync: SyncConfig{
			AutoSync:            true,
			BatchSync:           false,
			BatchInterval:       time.Minute,
			MaxBatchSize:        100,
			OrderDirection:      "ASC",
			MaxPersisted:        1,
			MaxAge:              24 * time.Hour,
			MaintenanceInterval: 10 * time.Minute,
			RetryBaseDelay:      time.Second,
			RetryMaxDelay:       5 * time.Minute,
			RetryJitter:         0.2,
			UploadTimeout:       30 * time.Second,
		},
		History: HistoryConfig{
			FetchTimeout:   15 * time.Second,
			RefreshOnStart: true,
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			Driver:       "sqlite",
			DatabaseFile: filepath.Join(dataDir, "samples.db"),
			SamplesFile:  filepath.Join(dataDir, "samples.json"),
		},
		Display: DisplayConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.WriteURL == "" {
		return errors.New("api.write_url is required")
	}

	if _, err := url.ParseRequestURI(c.API.WriteURL); err != nil {
		return fmt.Errorf("api.write_url: %w", err)
	}

	if c.API.ReadURL != "" {
		if _, err := url.ParseRequestURI(c.API.ReadURL); err != nil {
			return fmt.Errorf("api.read_url: %w", err)
		}
	}

	validMethods := map[string]bool{"POST": true, "PUT": true, "PATCH": true}
	if !validMethods[strings.ToUpper(c.API.WriteMethod)] {
		return fmt.Errorf("invalid api.write_method: %s", c.API.WriteMethod)
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if strings.TrimSpace(c.API.LocationTemplate) == "" {
		return errors.New("api.location_template is required")
	}

	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit cannot be negative")
	}

	if c.Sync.AutoSync && c.Sync.BatchSync {
		return errors.New("sync.auto_sync and sync.batch_sync are mutually exclusive")
	}

	if c.Sync.BatchSync && c.Sync.BatchInterval <= 0 {
		return errors.New("sync.batch_interval must be positive when batch_sync is set")
	}

	if c.Sync.MaxBatchSize <= 0 {
		return errors.New("sync.max_batch_size must be positive")
	}

	validOrders := map[string]bool{"ASC": true, "DESC": true}
	if !validOrders[strings.ToUpper(c.Sync.OrderDirection)] {
		return fmt.Errorf("invalid sync.order_direction: %s", c.Sync.OrderDirection)
	}

	if c.Sync.MaxPersisted < 0 {
		return errors.New("sync.max_persisted cannot be negative")
	}

	if c.Sync.MaxAge < 0 {
		return errors.New("sync.max_age cannot be negative")
	}

	if c.Sync.RetryBaseDelay <= 0 || c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		return errors.New("sync.retry_base_delay must be positive and not above retry_max_delay")
	}

	if c.Sync.RetryJitter < 0 || c.Sync.RetryJitter > 1 {
		return errors.New("sync.retry_jitter must be within [0, 1]")
	}

	if c.Sync.UploadTimeout <= 0 {
		return errors.New("sync.upload_timeout must be positive")
	}

	if c.History.FetchTimeout <= 0 {
		return errors.New("history.fetch_timeout must be positive")
	}

	if c.Tracking.DegradedThreshold <= 0 {
		return errors.New("tracking.degraded_threshold must be positive")
	}

	if c.Tracking.AutoRecover && (c.Tracking.RecoverBaseDelay <= 0 || c.Tracking.RecoverMaxDelay < c.Tracking.RecoverBaseDelay) {
		return errors.New("tracking.recover_base_delay must be positive and not above recover_max_delay")
	}

	validDrivers := map[string]bool{"sqlite": true, "file": true, "memory": true}
	if !validDrivers[c.Storage.Driver] {
		return fmt.Errorf("invalid storage.driver: %s", c.Storage.Driver)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}

	if c.Storage.Driver == "sqlite" && c.Storage.DatabaseFile != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.DatabaseFile))
	}
	if c.Storage.Driver == "file" && c.Storage.SamplesFile != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.SamplesFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ToMap flattens a key/value list. Later entries win.
func ToMap(kvs []KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.Name == "" {
			continue
		}
		out[kv.Name] = kv.Value
	}
	return out
}
