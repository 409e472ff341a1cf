package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/stascan/internal/api/handlers"
	"github.com/anstrom/stascan/internal/station"
)

const maxSSIDDisplay = 24

var (
	paramsSSID     string
	paramsBSSID    string
	paramsSecurity string
	paramsWPS      string
	paramsAuto     string
)

// statusCmd shows the station snapshot.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the station state, link and scan clients",
	RunE: func(_ *cobra.Command, _ []string) error {
		return WithAPIClient("status", func(c *APIClient) error {
			var st station.Status
			if err := c.Get("/status", &st); err != nil {
				return err
			}
			printStatus(os.Stdout, &st)
			return nil
		})
	},
}

// sitesCmd lists the site table.
var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List discovered sites, strongest first",
	RunE: func(_ *cobra.Command, _ []string) error {
		return WithAPIClient("list sites", func(c *APIClient) error {
			var resp struct {
				Sites []station.Site `json:"sites"`
			}
			if err := c.Get("/sites", &resp); err != nil {
				return err
			}
			printSites(os.Stdout, resp.Sites)
			return nil
		})
	},
}

// sitesPruneCmd ages out stale sites.
var sitesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove sites older than the configured maximum age",
	RunE: func(_ *cobra.Command, _ []string) error {
		return WithAPIClient("prune sites", func(c *APIClient) error {
			var resp struct {
				Pruned int `json:"pruned"`
			}
			if err := c.Post("/sites/prune", struct{}{}, &resp); err != nil {
				return err
			}
			fmt.Printf("Pruned %d site(s)\n", resp.Pruned)
			return nil
		})
	},
}

// selectCmd runs a dry-run candidate selection.
var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Show which site the station would pick, and why others were rejected",
	Example: `  stascan select
  stascan select --ssid Cafe --security open`,
	RunE: func(_ *cobra.Command, _ []string) error {
		req := paramsFromFlags()
		return WithAPIClient("select", func(c *APIClient) error {
			var resp handlers.SelectResponse
			if err := c.Post("/select", req, &resp); err != nil {
				return err
			}
			printSelection(os.Stdout, &resp)
			return nil
		})
	},
}

// paramsCmd shows or updates the connection parameters.
var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Show or update the connection parameters",
	Example: `  stascan params
  stascan params --ssid Home --security wpa2-psk --auto-connect true`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		update := false
		for _, name := range []string{"ssid", "bssid", "security", "wps", "auto-connect"} {
			update = update || cmd.Flags().Changed(name)
		}
		req := paramsFromFlags()
		return WithAPIClient("params", func(c *APIClient) error {
			var resp handlers.ParamsResponse
			var err error
			if update {
				err = c.Put("/params", req, &resp)
			} else {
				err = c.Get("/params", &resp)
			}
			if err != nil {
				return err
			}
			printParams(os.Stdout, &resp)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sitesCmd)
	sitesCmd.AddCommand(sitesPruneCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(paramsCmd)

	for _, c := range []struct{ use, short, path string }{
		{"connect", "Start a connection cycle", "/connect"},
		{"disconnect", "Drop the current link", "/disconnect"},
		{"fwreset", "Inject a firmware reset indication", "/fwreset"},
	} {
		rootCmd.AddCommand(commandCmd(c.use, c.short, c.path))
	}

	for _, cmd := range []*cobra.Command{selectCmd, paramsCmd} {
		cmd.Flags().StringVar(&paramsSSID, "ssid", "", "Desired SSID")
		cmd.Flags().StringVar(&paramsBSSID, "bssid", "", "Desired BSSID")
		cmd.Flags().StringVar(&paramsSecurity, "security", "", "Security mode: open, wep, wpa-psk, wpa2-psk, wpa2-eap, wpa3-sae")
		cmd.Flags().StringVar(&paramsWPS, "wps", "", "WPS mode: none, pin, pbc")
	}
	paramsCmd.Flags().StringVar(&paramsAuto, "auto-connect", "", "Connect automatically: true or false")
}

// commandCmd builds a command that posts to a station command endpoint.
func commandCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(_ *cobra.Command, _ []string) error {
			return WithAPIClient(use, func(c *APIClient) error {
				var resp struct {
					SMEState string `json:"sme_state"`
				}
				if err := c.Post(path, struct{}{}, &resp); err != nil {
					return err
				}
				fmt.Printf("%s accepted (SME state: %s)\n", use, resp.SMEState)
				return nil
			})
		},
	}
}

// paramsFromFlags builds a params request from the flags that were set.
func paramsFromFlags() handlers.ParamsRequest {
	var req handlers.ParamsRequest
	if paramsSSID != "" {
		req.SSID = &paramsSSID
	}
	if paramsBSSID != "" {
		req.BSSID = &paramsBSSID
	}
	if paramsSecurity != "" {
		req.Security = &paramsSecurity
	}
	if paramsWPS != "" {
		req.WPS = &paramsWPS
	}
	if b, err := strconv.ParseBool(paramsAuto); err == nil {
		req.AutoConnect = &b
	}
	return req
}

func printStatus(w io.Writer, st *station.Status) {
	_, _ = fmt.Fprintf(w, "Country:     %s\n", st.Country)
	_, _ = fmt.Fprintf(w, "SME state:   %s\n", st.SMEState)
	_, _ = fmt.Fprintf(w, "Arbiter:     %s (%s)\n", st.Arbiter.Group, st.Arbiter.Mode)
	_, _ = fmt.Fprintf(w, "Sites:       %d (stable: %t)\n", st.Sites, st.Stable)
	_, _ = fmt.Fprintf(w, "Scans:       %d (OS scan active: %t)\n", st.ScanCount, st.OSScan)
	if st.Link.Connected {
		_, _ = fmt.Fprintf(w, "Link:        %s %q on %s channel %d\n", st.Link.BSSID, st.Link.SSID, st.Link.Band, st.Link.Channel)
	} else {
		_, _ = fmt.Fprintf(w, "Link:        disconnected\n")
	}
	if st.Candidate != nil {
		_, _ = fmt.Fprintf(w, "Candidate:   %s %q (%d dBm)\n", st.Candidate.BSSID, st.Candidate.SSID, st.Candidate.RSSI)
	}
	if len(st.Clients) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Client", "Tag", "State", "Expected", "Delivered", "Last Status")
	for _, c := range st.Clients {
		_ = table.Append([]string{
			c.Client,
			strconv.Itoa(int(c.Tag)),
			c.State,
			strconv.Itoa(c.Expected),
			strconv.Itoa(c.Delivered),
			c.LastStatus,
		})
	}
	_ = table.Render()
}

func printSites(w io.Writer, sites []station.Site) {
	if len(sites) == 0 {
		_, _ = fmt.Fprintln(w, "No sites found")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("BSSID", "SSID", "Type", "RSSI", "Band", "Channel", "Security", "WPS", "Seen")
	for i := range sites {
		s := &sites[i]
		ssid := truncateString(s.SSID, maxSSIDDisplay)
		if s.Hidden {
			ssid = "<hidden>"
		}
		if s.Candidate {
			ssid += " *"
		}
		_ = table.Append([]string{
			s.BSSID,
			ssid,
			s.BSSType,
			strconv.Itoa(s.RSSI),
			s.Band,
			strconv.Itoa(int(s.Channel)),
			s.Security,
			s.WPS,
			formatDuration(time.Since(s.LastSeen)) + " ago",
		})
	}
	_ = table.Render()
	_, _ = fmt.Fprintf(w, "%d site(s)\n", len(sites))
}

func printSelection(w io.Writer, resp *handlers.SelectResponse) {
	if resp.Candidate != nil {
		_, _ = fmt.Fprintf(w, "Candidate: %s %q (%d dBm, channel %d)\n",
			resp.Candidate.BSSID, resp.Candidate.SSID, resp.Candidate.RSSI, resp.Candidate.Channel)
	} else {
		_, _ = fmt.Fprintf(w, "No candidate: %s\n", resp.Error)
	}
	if len(resp.Rejections) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("BSSID", "SSID", "Rejected Because")
	for _, r := range resp.Rejections {
		_ = table.Append([]string{r.BSSID, truncateString(r.SSID, maxSSIDDisplay), r.Reason})
	}
	_ = table.Render()
}

func printParams(w io.Writer, p *handlers.ParamsResponse) {
	ssid := p.SSID
	if ssid == "" {
		ssid = "<any>"
	}
	_, _ = fmt.Fprintf(w, "SSID:         %s\n", ssid)
	if p.BSSID != "" {
		_, _ = fmt.Fprintf(w, "BSSID:        %s\n", p.BSSID)
	}
	_, _ = fmt.Fprintf(w, "BSS type:     %s\n", p.BSSType)
	_, _ = fmt.Fprintf(w, "Security:     %s\n", p.Security)
	_, _ = fmt.Fprintf(w, "WPS:          %s\n", p.WPS)
	_, _ = fmt.Fprintf(w, "Auto connect: %t\n", p.AutoConnect)
	_, _ = fmt.Fprintf(w, "Retry:        %s\n", strings.Join(p.RetryIntervals, ", "))
	_, _ = fmt.Fprintf(w, "Channels:     %d\n", p.ScanChannels)
}

// truncateString shortens s to maxLen runes.
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
