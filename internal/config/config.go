package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/wlan"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete daemon configuration
type Config struct {
	// Station identity and connection preferences
	Station StationConfig `yaml:"station" json:"station"`

	// Scan channel lists and periodic schedules
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// Cron-triggered application scans
	Schedules []ScheduleConfig `yaml:"schedules" json:"schedules" validate:"dive"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Simulated radio used when no hardware executor is wired
	Simulation SimulationConfig `yaml:"simulation" json:"simulation"`
}

// StationConfig holds the station's regulatory context and what it wants
// to connect to.
type StationConfig struct {
	// Wireless interface probed for the current association (optional)
	Interface string `yaml:"interface" json:"interface"`

	// ISO country code selecting the regulatory channel table
	Country string `yaml:"country" json:"country" validate:"required,len=2"`

	// Bands the station may use
	Bands []string `yaml:"bands" json:"bands" validate:"min=1,dive,oneof=2.4GHz 5GHz"`

	// Frames below this RSSI are dropped
	RSSIFloor int `yaml:"rssi_floor" json:"rssi_floor" validate:"min=-120,max=0"`

	// Maximum number of site entries
	TableCapacity int `yaml:"table_capacity" json:"table_capacity" validate:"min=1,max=4096"`

	// Entries not refreshed within this age are pruned after each cycle
	SiteMaxAge time.Duration `yaml:"site_max_age" json:"site_max_age" validate:"min=0"`

	// Desired network; empty SSID means any
	SSID     string `yaml:"ssid" json:"ssid" validate:"max=32"`
	BSSID    string `yaml:"bssid" json:"bssid" validate:"omitempty,mac"`
	BSSType  string `yaml:"bss_type" json:"bss_type" validate:"oneof=infrastructure independent any"`
	Security string `yaml:"security" json:"security" validate:"oneof=open wep wpa-psk wpa2-psk wpa2-eap wpa3-sae"`
	WPS      string `yaml:"wps" json:"wps" validate:"oneof=none pin pbc"`

	// Rates the station supports, in Mbps
	SupportedRates []float64 `yaml:"supported_rates" json:"supported_rates" validate:"min=1,dive,gt=0"`

	// Scan retry intervals indexed by consecutive selection failures
	RetryIntervals []time.Duration `yaml:"retry_intervals" json:"retry_intervals" validate:"min=1,dive,min=0"`

	// Start connecting as soon as the SME starts
	AutoConnect bool `yaml:"auto_connect" json:"auto_connect"`

	// Bluetooth coexistence arbiter mode
	Coexistence bool `yaml:"coexistence" json:"coexistence"`
}

// PeriodicConfig is a periodic scan schedule: the last interval repeats
// until MaxCycles is reached. Zero cycles means unbounded, which only the
// application periodic scan accepts.
type PeriodicConfig struct {
	Intervals []time.Duration `yaml:"intervals" json:"intervals" validate:"min=1,dive,min=0"`
	MaxCycles int             `yaml:"max_cycles" json:"max_cycles" validate:"min=0"`
}

// ScanConfig holds channel lists and scan timing
type ScanConfig struct {
	// Channels scanned on each band
	Channels24 []int `yaml:"channels_24" json:"channels_24" validate:"dive,min=1,max=14"`
	Channels5  []int `yaml:"channels_5" json:"channels_5" validate:"dive,min=32,max=196"`

	// Per-channel dwell bounds
	MinDwell time.Duration `yaml:"min_dwell" json:"min_dwell" validate:"gt=0"`
	MaxDwell time.Duration `yaml:"max_dwell" json:"max_dwell" validate:"gt=0"`

	// Probe requests per channel on active channels
	Probes int `yaml:"probes" json:"probes" validate:"min=0,max=16"`

	// Probe request rate in Mbps
	ProbeRate float64 `yaml:"probe_rate" json:"probe_rate" validate:"gt=0"`

	// Driver periodic schedule used by the SME
	DriverPeriodic PeriodicConfig `yaml:"driver_periodic" json:"driver_periodic"`

	// Default application periodic schedule
	AppPeriodic PeriodicConfig `yaml:"app_periodic" json:"app_periodic"`
}

// ScheduleConfig is one cron-triggered application scan
type ScheduleConfig struct {
	Name  string   `yaml:"name" json:"name" validate:"required"`
	Cron  string   `yaml:"cron" json:"cron" validate:"required"`
	SSID  string   `yaml:"ssid" json:"ssid" validate:"max=32"`
	Bands []string `yaml:"bands" json:"bands" validate:"dive,oneof=2.4GHz 5GHz"`
	// Run the two-band OS bulk scan instead of a plain one-shot
	Bulk bool `yaml:"bulk" json:"bulk"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port" validate:"min=0,max=65535"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source locations
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file location
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Working directory
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Depth of the station's event queue
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"min=1"`
}

// SimulationConfig describes the simulated radio environment
type SimulationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Time spent per channel before frames for it are delivered
	ChannelTime time.Duration `yaml:"channel_time" json:"channel_time" validate:"min=0"`

	// Association attempts fail for these BSSIDs
	FailBSSIDs []string `yaml:"fail_bssids" json:"fail_bssids" validate:"dive,mac"`

	// Access points in range
	APs []SimulatedAP `yaml:"aps" json:"aps" validate:"dive"`
}

// SimulatedAP is one access point of the simulated environment
type SimulatedAP struct {
	BSSID    string    `yaml:"bssid" json:"bssid" validate:"required,mac"`
	SSID     string    `yaml:"ssid" json:"ssid" validate:"max=32"`
	Band     string    `yaml:"band" json:"band" validate:"oneof=2.4GHz 5GHz"`
	Channel  uint8     `yaml:"channel" json:"channel" validate:"min=1"`
	RSSI     int       `yaml:"rssi" json:"rssi" validate:"min=-120,max=0"`
	Security string    `yaml:"security" json:"security" validate:"omitempty,oneof=open wep wpa-psk wpa2-psk wpa2-eap wpa3-sae"`
	WPS      string    `yaml:"wps" json:"wps" validate:"omitempty,oneof=none pin pbc"`
	BSSType  string    `yaml:"bss_type" json:"bss_type" validate:"omitempty,oneof=infrastructure independent"`
	Hidden   bool      `yaml:"hidden" json:"hidden"`
	CSA      bool      `yaml:"csa" json:"csa"`
	Rates    []float64 `yaml:"rates" json:"rates"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Station: StationConfig{
			Country:        "US",
			Bands:          []string{"2.4GHz", "5GHz"},
			RSSIFloor:      -90,
			TableCapacity:  32,
			SiteMaxAge:     2 * time.Minute,
			BSSType:        "infrastructure",
			Security:       "open",
			WPS:            "none",
			SupportedRates: []float64{1, 2, 5.5, 11, 6, 9, 12, 18, 24, 36, 48, 54},
			RetryIntervals: []time.Duration{
				0,
				5 * time.Second,
				10 * time.Second,
				20 * time.Second,
				40 * time.Second,
				60 * time.Second,
			},
			AutoConnect: true,
		},
		Scan: ScanConfig{
			Channels24: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
			Channels5:  []int{36, 40, 44, 48, 52, 56, 60, 64, 100, 104, 108, 112, 116, 132, 136, 140, 149, 153, 157, 161, 165},
			MinDwell:   30 * time.Millisecond,
			MaxDwell:   60 * time.Millisecond,
			Probes:     3,
			ProbeRate:  1,
			DriverPeriodic: PeriodicConfig{
				Intervals: []time.Duration{0, time.Second, 2 * time.Second, 5 * time.Second},
				MaxCycles: 5,
			},
			AppPeriodic: PeriodicConfig{
				Intervals: []time.Duration{10 * time.Second},
				MaxCycles: 0,
			},
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       8380,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
			},
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			UpdateInterval: 15 * time.Second,
		},
		Daemon: DaemonConfig{
			PIDFile:         "/var/run/stascan.pid",
			WorkDir:         "/var/lib/stascan",
			ShutdownTimeout: 10 * time.Second,
			QueueSize:       256,
		},
		Simulation: SimulationConfig{
			Enabled:     true,
			ChannelTime: 20 * time.Millisecond,
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileNotFound, "failed to read config file", err)
	}

	// yaml.v3 is a superset of JSON, so both extensions go through it
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse %s config", configKind(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func configKind(path string) string {
	if filepath.Ext(path) == ".json" {
		return "JSON"
	}
	return "YAML"
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeDirectoryCreate, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return errors.WrapConfigError(errors.CodeFilePermission, "failed to write config file", err)
	}

	return nil
}

var validate = validator.New()

// Validate checks struct tags first, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q check", fe.Tag()), fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "validation failed", err)
	}

	if c.Scan.MinDwell > c.Scan.MaxDwell {
		return errors.ErrConfigInvalid("Config.Scan.MinDwell", c.Scan.MinDwell)
	}
	if c.Scan.DriverPeriodic.MaxCycles < 1 {
		return errors.ErrConfigInvalid("Config.Scan.DriverPeriodic.MaxCycles", c.Scan.DriverPeriodic.MaxCycles)
	}
	if len(c.Scan.Channels24) == 0 && len(c.Scan.Channels5) == 0 {
		return errors.ErrConfigMissing("Config.Scan.Channels24")
	}
	if c.API.Enabled {
		if c.API.Port == 0 {
			return errors.ErrConfigInvalid("Config.API.Port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("Config.API.ListenAddr")
		}
	}
	if c.Station.BSSType == "independent" && c.Station.SSID == "" {
		return errors.ErrConfigMissing("Config.Station.SSID")
	}
	for i, ap := range c.Simulation.APs {
		band, _ := wlan.ParseBand(ap.Band)
		if _, _, ok := wlan.FrequencyChannel(wlan.ChannelFrequency(band, ap.Channel)); !ok {
			return errors.ErrConfigInvalid(fmt.Sprintf("Config.Simulation.APs[%d].Channel", i), ap.Channel)
		}
	}

	return nil
}

// BandMask returns the configured bands as a mask.
func (c *Config) BandMask() wlan.BandMask {
	var mask wlan.BandMask
	for _, s := range c.Station.Bands {
		if b, err := wlan.ParseBand(s); err == nil {
			mask |= 1 << b
		}
	}
	return mask
}

// LoggingConfig converts the logging section for the logging package.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
