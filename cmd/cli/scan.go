package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/stascan/internal/api/handlers"
)

var (
	scanClient string
	scanBands  []string
	scanSSIDs  []string
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Start an application scan on the running daemon",
	Long: `Ask the daemon to scan on behalf of an application client. The scan runs
under the arbiter's priority rules; it is refused when a higher priority client
owns the radio. Results accumulate in the site table, see 'stascan sites'.`,
	Example: `  stascan scan
  stascan scan --band 5GHz --ssid Home
  stascan scan --client app-periodic
  stascan scan os
  stascan scan stop app-periodic`,
	RunE: runScan,
}

// scanOSCmd starts the two-band bulk OS scan.
var scanOSCmd = &cobra.Command{
	Use:   "os",
	Short: "Start a bulk OS scan across both bands",
	RunE:  runOSScan,
}

// scanStopCmd stops a client's scan.
var scanStopCmd = &cobra.Command{
	Use:   "stop <client>",
	Short: "Stop the scan of a client",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanStop,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanOSCmd)
	scanCmd.AddCommand(scanStopCmd)

	scanCmd.Flags().StringVar(&scanClient, "client", "", "Scan client: app-oneshot (default) or app-periodic")
	scanCmd.Flags().Var(newBandsValue(&scanBands), "band", "Band to scan: 2.4GHz or 5GHz (repeatable, default all)")
	scanCmd.Flags().StringSliceVar(&scanSSIDs, "ssid", nil, "SSID to probe for (repeatable)")
}

func runScan(_ *cobra.Command, _ []string) error {
	req := handlers.ScanRequest{Client: scanClient, Bands: scanBands, SSIDs: scanSSIDs}
	return WithAPIClient("scan", func(c *APIClient) error {
		var resp handlers.ScanResponse
		if err := c.Post("/scans", req, &resp); err != nil {
			return err
		}
		printScanResponse(os.Stdout, resp)
		return nil
	})
}

func runOSScan(_ *cobra.Command, _ []string) error {
	return WithAPIClient("OS scan", func(c *APIClient) error {
		var resp handlers.ScanResponse
		if err := c.Post("/scans/os", struct{}{}, &resp); err != nil {
			return err
		}
		printScanResponse(os.Stdout, resp)
		return nil
	})
}

func runScanStop(_ *cobra.Command, args []string) error {
	client := strings.TrimSpace(args[0])
	return WithAPIClient("scan stop", func(c *APIClient) error {
		if err := c.Delete("/scans/"+client, nil); err != nil {
			return err
		}
		fmt.Printf("Stopped scan for %s\n", client)
		return nil
	})
}

func printScanResponse(w io.Writer, resp handlers.ScanResponse) {
	kind := "Scan"
	if resp.OSScan {
		kind = "OS scan"
	}
	_, _ = fmt.Fprintf(w, "%s started for %s (%s)\n", kind, resp.Client, resp.Status)
}
