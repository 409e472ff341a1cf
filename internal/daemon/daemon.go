// Package daemon provides the background service of stascan. It owns the
// station, the scan scheduler and the API server, seeds the station's link
// from the host and handles process concerns such as PID files and signals.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/stascan/internal/api"
	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/hostlink"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/metrics"
	"github.com/anstrom/stascan/internal/scheduler"
	"github.com/anstrom/stascan/internal/station"
)

const (
	// Health check interval in seconds.
	healthCheckIntervalSeconds = 10
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// ProberFunc opens the host link prober.
type ProberFunc func(logger *logging.Logger) (*hostlink.Prober, error)

// Daemon represents the main daemon process.
type Daemon struct {
	config     *config.Config
	configPath string
	station    *station.Station
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server
	registry   *metrics.Registry
	prom       *metrics.PrometheusMetrics
	radio      station.RadioFactory
	openProber ProberFunc
	pidFile    string
	logger     *logging.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	apiCancel  context.CancelFunc
	apiDone    chan struct{}
	ready      chan struct{}
	done       chan struct{}
	cleanOnce  sync.Once
	debugMode  bool
	startTime  time.Time
	mu         sync.RWMutex
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithConfigPath names the file reloaded on SIGHUP.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// WithRadio replaces the simulated radio.
func WithRadio(f station.RadioFactory) Option {
	return func(d *Daemon) { d.radio = f }
}

// WithProber replaces the nl80211 prober used to seed the link.
func WithProber(f ProberFunc) Option {
	return func(d *Daemon) { d.openProber = f }
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:     cfg,
		pidFile:    cfg.Daemon.PIDFile,
		openProber: hostlink.Open,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDefault(d.logger).WithComponent("daemon")
	return d
}

// Start brings up every component and runs until the context is cancelled.
func (d *Daemon) Start() error {
	d.logger.InfoDaemon("Starting stascan daemon")
	d.startTime = time.Now()

	// Validate configuration
	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Create working directory if needed
	if d.config.Daemon.WorkDir != "" {
		if err := os.MkdirAll(d.config.Daemon.WorkDir, DefaultDirPermissions); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
	}

	// Create PID file
	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	// Setup signal handling
	d.setupSignalHandlers()

	d.initMetrics()

	if err := d.initStation(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize station: %w", err)
	}

	d.seedLink()

	if err := d.initScheduler(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// Initialize API server if enabled
	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.logger.InfoDaemon("Daemon started successfully")
	return d.run()
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.logger.InfoDaemon("Stopping daemon")

	// Cancel context to signal shutdown
	d.cancel()

	// Wait for graceful shutdown with timeout
	select {
	case <-d.done:
		d.logger.InfoDaemon("Daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, forcing cleanup")
		d.cleanup()
	}
	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.InfoDaemon("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails when a PID file names a live process and removes
// stale or unreadable ones.
func (d *Daemon) checkExistingPID() error {
	if _, err := os.Stat(d.pidFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers sets up signal handling for graceful shutdown.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM, // Termination signal
		syscall.SIGINT,  // Interrupt signal (Ctrl+C)
		syscall.SIGHUP,  // Reload schedules
		syscall.SIGUSR1, // Dump status
		syscall.SIGUSR2, // Toggle event tracing
	)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.InfoDaemon("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.InfoDaemon("Initiating graceful shutdown")
		d.cancel()
	case syscall.SIGHUP:
		if err := d.reloadConfiguration(); err != nil {
			d.logger.ErrorDaemon("Configuration reload failed", err)
		} else {
			d.logger.InfoDaemon("Configuration reloaded successfully")
		}
	case syscall.SIGUSR1:
		d.dumpStatus()
	case syscall.SIGUSR2:
		d.toggleDebugMode()
	}
}

// initMetrics builds the in-process registry and, when enabled, mirrors it
// onto Prometheus collectors.
func (d *Daemon) initMetrics() {
	d.registry = metrics.NewRegistry()
	d.registry.SetEnabled(d.config.Metrics.Enabled)
	if !d.config.Metrics.Enabled {
		return
	}
	d.prom = metrics.NewPrometheusMetrics()
	interval := d.config.Metrics.UpdateInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go d.prom.StartPeriodicUpdates(d.ctx, interval)
}

func (d *Daemon) metricsRegistry() metrics.MetricsRegistry {
	if d.prom != nil {
		return metrics.NewTee(d.registry, d.prom)
	}
	return d.registry
}

// initStation builds and starts the station.
func (d *Daemon) initStation() error {
	opts := []station.Option{
		station.WithLogger(d.logger),
		station.WithMetrics(d.metricsRegistry()),
	}
	if d.radio != nil {
		opts = append(opts, station.WithRadio(d.radio))
	}

	st, err := station.New(d.config, opts...)
	if err != nil {
		return err
	}
	if err := st.Start(d.ctx); err != nil {
		_ = st.Stop(context.Background())
		return err
	}
	d.station = st
	go d.traceEvents()
	return nil
}

// seedLink reads the host interface's current association and hands it to
// the station. Failure only costs the seed.
func (d *Daemon) seedLink() {
	iface := d.config.Station.Interface
	if iface == "" || d.openProber == nil {
		return
	}

	prober, err := d.openProber(d.logger)
	if err != nil {
		d.logger.WithError(err).Warn("Host link unavailable", "interface", iface)
		return
	}
	defer func() { _ = prober.Close() }()

	link, err := prober.Link(iface)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to read host link", "interface", iface)
		return
	}
	if err := d.station.SetLink(d.ctx, link.StationInfo()); err != nil {
		d.logger.WithError(err).Warn("Failed to seed station link", "interface", iface)
		return
	}
	d.logger.InfoDaemon("Seeded station link",
		"interface", iface,
		"connected", link.Connected,
		"bssid", link.BSSID.String(),
		"ssid", link.SSID)
}

// initScheduler loads the configured schedules and starts cron.
func (d *Daemon) initScheduler() error {
	d.scheduler = scheduler.NewScheduler(d.station, scheduler.WithLogger(d.logger))
	if err := d.scheduler.Load(d.config.Schedules); err != nil {
		return err
	}
	return d.scheduler.Start()
}

// initAPIServer initializes the API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.InfoDaemon("API server disabled, skipping initialization")
		return nil
	}

	opts := []api.Option{
		api.WithLogger(d.logger),
		api.WithMetrics(d.metricsRegistry()),
		api.WithScheduler(d.scheduler),
	}
	if d.prom != nil {
		opts = append(opts, api.WithPrometheus(d.prom))
	}

	apiServer, err := api.New(d.config, d.station, opts...)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = apiServer
	d.logger.InfoDaemon("API server initialized", "address", d.config.GetAPIAddress())
	return nil
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	apiErr := make(chan error, 1)
	if d.apiServer != nil {
		// The server gets its own context so cleanup can stop it after
		// the scheduler but before the station.
		var apiCtx context.Context
		apiCtx, d.apiCancel = context.WithCancel(context.Background())
		d.apiDone = make(chan struct{})
		go func() {
			defer close(d.apiDone)
			if err := d.apiServer.Start(apiCtx); err != nil {
				apiErr <- err
			}
		}()
	}
	close(d.ready)

	ticker := time.NewTicker(healthCheckIntervalSeconds * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.InfoDaemon("Shutdown signal received")
			d.cleanup()
			close(d.done)
			return nil

		case err := <-apiErr:
			d.logger.ErrorDaemon("API server error", err)
			d.cancel()
			d.cleanup()
			close(d.done)
			return err

		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

// performHealthCheck checks that the station executor still answers and
// publishes its size.
func (d *Daemon) performHealthCheck() {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()

	st, err := d.station.Status(ctx)
	if err != nil {
		d.logger.ErrorDaemon("Station health check failed", err)
		return
	}
	reg := d.metricsRegistry()
	reg.Gauge("station_sites", float64(st.Sites), nil)
	reg.Gauge("daemon_goroutines", float64(runtime.NumGoroutine()), nil)
}

// traceEvents logs station events while debug mode is on.
func (d *Daemon) traceEvents() {
	ch, cancel := d.station.Events().Subscribe()
	defer cancel()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if d.IsDebugMode() {
				d.logger.Info("Station event",
					"type", ev.Type,
					"client", ev.Client,
					"status", ev.Status,
					"state", ev.State,
					"bssid", ev.BSSID,
					"ssid", ev.SSID)
			}
		}
	}
}

// cleanup stops components in reverse start order. It runs once.
func (d *Daemon) cleanup() {
	d.cleanOnce.Do(func() {
		d.logger.InfoDaemon("Performing cleanup")
		d.cancel()

		if d.apiDone != nil {
			d.apiCancel()
			<-d.apiDone
		}
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		if d.station != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout)
			if err := d.station.Stop(ctx); err != nil {
				d.logger.ErrorDaemon("Error stopping station", err)
			}
			cancel()
		}

		if d.pidFile != "" {
			if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
				d.logger.ErrorDaemon("Error removing PID file", err)
			}
		}
		d.logger.InfoDaemon("Cleanup completed")
	})
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning checks if the daemon is running.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// reloadConfiguration rereads the configuration file and replaces the
// scheduled scans. Station and API settings need a restart.
func (d *Daemon) reloadConfiguration() error {
	if d.configPath == "" {
		return fmt.Errorf("no configuration file to reload")
	}

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}

	d.mu.Lock()
	oldConfig := d.config
	d.mu.Unlock()

	if d.hasAPIConfigChanged(oldConfig, newConfig) || d.hasStationConfigChanged(oldConfig, newConfig) {
		d.logger.Warn("Station or API settings changed; restart to apply them")
	}

	for _, job := range d.scheduler.GetJobs() {
		if err := d.scheduler.RemoveJob(job.ID); err != nil {
			return err
		}
	}
	if err := d.scheduler.Load(newConfig.Schedules); err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	d.mu.Lock()
	d.config.Schedules = newConfig.Schedules
	d.mu.Unlock()

	d.logger.InfoDaemon("Schedules reloaded", "count", len(newConfig.Schedules))
	return nil
}

// dumpStatus dumps the current daemon status to the log.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"debug", d.IsDebugMode(),
		"uptime", time.Since(d.startTime).Truncate(time.Second).String(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
	}

	if d.station != nil {
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		st, err := d.station.Status(ctx)
		cancel()
		if err != nil {
			fields = append(fields, "station", "unavailable: "+err.Error())
		} else {
			fields = append(fields,
				"sme_state", st.SMEState,
				"arbiter_group", st.Arbiter.Group,
				"sites", st.Sites,
				"connected", st.Link.Connected,
				"os_scan", st.OSScan)
		}
	}
	if d.scheduler != nil {
		fields = append(fields, "schedules", len(d.scheduler.GetJobs()))
	}
	if d.apiServer != nil {
		fields = append(fields, "api", d.config.GetAPIAddress())
		fields = append(fields, "event_streams", d.apiServer.Events().Connected())
	}

	d.logger.InfoDaemon("Status dump", fields...)
}

// toggleDebugMode toggles station event tracing.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	newMode := d.debugMode
	d.mu.Unlock()

	d.logger.InfoDaemon("Debug mode toggled", "enabled", newMode)
}

// IsDebugMode returns the current debug mode state.
func (d *Daemon) IsDebugMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// hasAPIConfigChanged checks if API configuration has changed.
func (d *Daemon) hasAPIConfigChanged(oldConfig, newConfig *config.Config) bool {
	return oldConfig.API.Enabled != newConfig.API.Enabled ||
		oldConfig.API.ListenAddr != newConfig.API.ListenAddr ||
		oldConfig.API.Port != newConfig.API.Port
}

func (d *Daemon) hasStationConfigChanged(oldConfig, newConfig *config.Config) bool {
	return !reflect.DeepEqual(oldConfig.Station, newConfig.Station) ||
		!reflect.DeepEqual(oldConfig.Scan, newConfig.Scan)
}

// GetContext returns the daemon's context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// Station returns the running station, or nil before Start.
func (d *Daemon) Station() *station.Station {
	return d.station
}

// Scheduler returns the scan scheduler, or nil before Start.
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Ready is closed once every component is up.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Done is closed once the daemon has shut down.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}
