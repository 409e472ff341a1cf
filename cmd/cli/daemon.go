package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/daemon"
	"github.com/anstrom/stascan/internal/logging"
)

const (
	// Daemon operation constants.
	daemonStopProgressStep = 5  // show progress every N seconds
	daemonStopTimeout      = 30 // seconds to wait before force kill
	statusLineLength       = 30 // characters for status separator line
)

var (
	daemonPidFile   string
	daemonPort      int
	daemonInterface string
)

// daemonCmd represents the daemon command.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and control the stascan daemon",
	Long: `Run stascan as a service that owns the station, runs scheduled scans and
serves the REST and WebSocket API. The daemon runs in the foreground; use a
service manager to background it.`,
	Example: `  stascan daemon start
  stascan daemon stop
  stascan daemon status
  stascan daemon reload`,
}

// daemonStartCmd represents the daemon start command.
var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stascan daemon in the foreground",
	Example: `  stascan daemon start
  stascan daemon start --port 8380 --interface wlan0`,
	RunE: runDaemonStart,
}

// daemonStopCmd represents the daemon stop command.
var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running stascan daemon",
	Run:   runDaemonStop,
}

// daemonStatusCmd represents the daemon status command.
var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the stascan daemon",
	Run:   runDaemonStatus,
}

// daemonReloadCmd asks the daemon to reload its schedules.
var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload scheduled scans from the configuration file",
	RunE:  runDaemonReload,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonReloadCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "", "File to store daemon process ID (default from config)")
	daemonStartCmd.Flags().IntVar(&daemonPort, "port", 0, "Port for API server (overrides config)")
	daemonStartCmd.Flags().StringVar(&daemonInterface, "interface", "", "Wireless interface to seed the link from (overrides config)")
}

// pidFilePath returns the PID file named by the flag or the configuration.
func pidFilePath() string {
	if daemonPidFile != "" {
		return daemonPidFile
	}
	if cfg, err := config.Load(getConfigFilePath()); err == nil && cfg.Daemon.PIDFile != "" {
		return cfg.Daemon.PIDFile
	}
	return config.Default().Daemon.PIDFile
}

// applyDaemonFlags overlays command-line overrides onto cfg.
func applyDaemonFlags(cfg *config.Config) {
	if daemonPidFile != "" {
		cfg.Daemon.PIDFile = daemonPidFile
	}
	if daemonPort != 0 {
		cfg.API.Port = daemonPort
	}
	if daemonInterface != "" {
		cfg.Station.Interface = daemonInterface
	}
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	applyDaemonFlags(cfg)

	if running, pid := daemonRunning(cfg.Daemon.PIDFile); running {
		return fmt.Errorf("daemon is already running with PID %d; use 'stascan daemon stop' first", pid)
	}

	if verbose {
		fmt.Printf("Starting daemon with configuration:\n")
		fmt.Printf("  PID file: %s\n", cfg.Daemon.PIDFile)
		fmt.Printf("  Country: %s\n", cfg.Station.Country)
		if cfg.IsAPIEnabled() {
			fmt.Printf("  API: %s\n", cfg.GetAPIAddress())
		}
	}

	d := daemon.New(cfg,
		daemon.WithLogger(logging.Default()),
		daemon.WithConfigPath(getConfigFilePath()))

	fmt.Printf("Starting stascan daemon (PID %d)...\n", d.GetPID())
	if err := d.Start(); err != nil {
		return fmt.Errorf("error starting daemon: %w", err)
	}
	fmt.Println("Daemon stopped")
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) {
	pidFile := pidFilePath()
	running, pid := daemonRunning(pidFile)
	if !running {
		fmt.Printf("Daemon is not running (no live PID in %s)\n", pidFile)
		return
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding daemon process: %v\n", err)
		os.Exit(1)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending stop signal to daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stopping daemon (PID %d)...\n", pid)
	for i := 0; i < daemonStopTimeout; i++ {
		if ok, _ := daemonRunning(pidFile); !ok {
			fmt.Println("Daemon stopped successfully")
			return
		}
		time.Sleep(1 * time.Second)
		if i%daemonStopProgressStep == (daemonStopProgressStep - 1) {
			fmt.Printf("Waiting for daemon to stop... (%d seconds)\n", i+1)
		}
	}

	fmt.Printf("Daemon did not stop gracefully, sending SIGKILL...\n")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		fmt.Fprintf(os.Stderr, "Error force-killing daemon: %v\n", err)
		os.Exit(1)
	}
	_ = os.Remove(pidFile)
	fmt.Println("Daemon force-stopped")
}

func runDaemonStatus(_ *cobra.Command, _ []string) {
	fmt.Printf("stascan Daemon Status\n")
	fmt.Println(strings.Repeat("=", statusLineLength))

	pidFile := pidFilePath()
	running, pid := daemonRunning(pidFile)
	if !running {
		fmt.Printf("Status: Not running\n")
		fmt.Printf("PID file: %s\n", pidFile)
		return
	}

	fmt.Printf("Status: Running\n")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("PID file: %s\n", pidFile)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	base, err := resolveAPIURL()
	if err != nil {
		return
	}
	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := NewAPIClient(base).Get("/health", &health); err != nil {
		fmt.Printf("API: unreachable (%v)\n", err)
		return
	}
	fmt.Printf("API: %s (%s)\n", base, health.Status)
	if sme, ok := health.Checks["sme"]; ok {
		fmt.Printf("SME state: %s\n", sme)
	}
}

func runDaemonReload(_ *cobra.Command, _ []string) error {
	running, pid := daemonRunning(pidFilePath())
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("error sending reload signal: %w", err)
	}
	fmt.Printf("Reload requested (PID %d)\n", pid)
	return nil
}

// daemonRunning reports whether pidFile names a live process.
func daemonRunning(pidFile string) (bool, int) {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return false, 0
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, pid
	}
	return process.Signal(syscall.Signal(0)) == nil, pid
}

func readPIDFile(path string) (int, error) {
	// #nosec G304 - path comes from the command line or configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %v", err)
	}
	return pid, nil
}

// formatDuration renders d with second precision.
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d-days*24*time.Hour)
	}
	return d.String()
}
