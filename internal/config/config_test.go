package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anstrom/stascan/internal/errors"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/wlan"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.BandMask() != wlan.BandMaskAll {
		t.Errorf("expected both bands, got %v", cfg.BandMask())
	}
	if cfg.GetAPIAddress() != "127.0.0.1:8380" {
		t.Errorf("unexpected API address %s", cfg.GetAPIAddress())
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			file: "stascan.yaml",
			content: `
station:
  country: DE
  bands: ["2.4GHz"]
  ssid: Net1
  security: wpa2-psk
  retry_intervals: [0s, 3s, 9s]
scan:
  min_dwell: 20ms
  max_dwell: 40ms
  driver_periodic:
    intervals: [0s, 0s, 0s]
    max_cycles: 5
schedules:
  - name: nightly
    cron: "0 3 * * *"
    bands: ["5GHz"]
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Station.Country != "DE" || cfg.Station.SSID != "Net1" {
					t.Errorf("station not loaded: %+v", cfg.Station)
				}
				if cfg.BandMask() != wlan.BandMask24 {
					t.Errorf("expected 2.4GHz only")
				}
				if len(cfg.Station.RetryIntervals) != 3 || cfg.Station.RetryIntervals[2] != 9*time.Second {
					t.Errorf("retry intervals not loaded: %v", cfg.Station.RetryIntervals)
				}
				if cfg.Scan.MinDwell != 20*time.Millisecond {
					t.Errorf("dwell not loaded: %v", cfg.Scan.MinDwell)
				}
				if cfg.Scan.DriverPeriodic.MaxCycles != 5 {
					t.Errorf("periodic cap not loaded")
				}
				if len(cfg.Schedules) != 1 || cfg.Schedules[0].Cron != "0 3 * * *" {
					t.Errorf("schedules not loaded: %+v", cfg.Schedules)
				}
				// untouched sections keep defaults
				if cfg.Daemon.QueueSize != 256 {
					t.Errorf("expected default queue size, got %d", cfg.Daemon.QueueSize)
				}
			},
		},
		{
			name:    "valid json config",
			file:    "stascan.json",
			content: `{"station": {"country": "JP", "rssi_floor": -80}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Station.Country != "JP" || cfg.Station.RSSIFloor != -80 {
					t.Errorf("json not loaded: %+v", cfg.Station)
				}
			},
		},
		{
			name:    "invalid yaml syntax",
			file:    "bad.yaml",
			content: "station: [unterminated",
			wantErr: true,
		},
		{
			name:    "invalid band",
			file:    "band.yaml",
			content: "station:\n  bands: [\"6GHz\"]\n",
			wantErr: true,
		},
		{
			name:    "dwell bounds inverted",
			file:    "dwell.yaml",
			content: "scan:\n  min_dwell: 80ms\n  max_dwell: 40ms\n",
			wantErr: true,
		},
		{
			name:    "bad simulated bssid",
			file:    "sim.yaml",
			content: "simulation:\n  aps:\n    - bssid: nope\n      band: 2.4GHz\n      channel: 6\n      rssi: -50\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			cfg, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && err == nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Station.Country != Default().Station.Country {
		t.Errorf("expected defaults")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		code   errors.ErrorCode
	}{
		{"missing country", func(c *Config) { c.Station.Country = "" }, errors.CodeValidation},
		{"ssid too long", func(c *Config) { c.Station.SSID = string(make([]byte, 33)) }, errors.CodeValidation},
		{"unknown security", func(c *Config) { c.Station.Security = "wpa4" }, errors.CodeValidation},
		{"no retry intervals", func(c *Config) { c.Station.RetryIntervals = nil }, errors.CodeValidation},
		{"no channels", func(c *Config) { c.Scan.Channels24, c.Scan.Channels5 = nil, nil }, errors.CodeConfiguration},
		{"unbounded connection scan", func(c *Config) {
			c.Scan.DriverPeriodic = PeriodicConfig{Intervals: []time.Duration{0, 20 * time.Millisecond}}
		}, errors.CodeValidation},
		{"api without port", func(c *Config) { c.API.Port = 0 }, errors.CodeValidation},
		{"ibss without ssid", func(c *Config) { c.Station.BSSType = "independent" }, errors.CodeConfiguration},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, errors.CodeValidation},
		{"schedule without cron", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "x"}}
		}, errors.CodeValidation},
		{"simulated channel off band", func(c *Config) {
			c.Simulation.APs = []SimulatedAP{{BSSID: "aa:bb:cc:dd:ee:01", Band: "5GHz", Channel: 6, RSSI: -40}}
		}, errors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := errors.GetCode(err); got != tt.code {
				t.Errorf("expected code %s, got %s (%v)", tt.code, got, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Station.SSID = "Net1"
	cfg.Station.BSSID = "aa:bb:cc:dd:ee:01"
	cfg.Simulation.APs = []SimulatedAP{{
		BSSID: "aa:bb:cc:dd:ee:01", SSID: "Net1", Band: "2.4GHz", Channel: 6, RSSI: -40,
	}}

	path := filepath.Join(t.TempDir(), "nested", "stascan.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Station.BSSID != cfg.Station.BSSID || len(loaded.Simulation.APs) != 1 {
		t.Errorf("round trip lost data: %+v", loaded.Station)
	}
	if loaded.Scan.MaxDwell != cfg.Scan.MaxDwell {
		t.Errorf("durations not preserved: %v vs %v", loaded.Scan.MaxDwell, cfg.Scan.MaxDwell)
	}
}

func TestLoggingConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	lc := cfg.LoggingConfig()
	if lc.Level != logging.LevelDebug || lc.Format != logging.FormatJSON {
		t.Errorf("unexpected logging config %+v", lc)
	}
}
