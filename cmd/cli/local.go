package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/stascan/internal/hostlink"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/regdomain"
	"github.com/anstrom/stascan/internal/wlan"
)

var (
	channelsCountry string
	channelsBand    string
)

// channelsCmd prints the regulatory channel table of a country.
var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Show the regulatory channel table for a country",
	Example: `  stascan channels
  stascan channels --country JP --band 2.4GHz
  stascan channels --list`,
	RunE: runChannels,
}

// linkCmd reads the host's wireless interfaces and their association.
var linkCmd = &cobra.Command{
	Use:   "link [interface]",
	Short: "Show the host's wireless interfaces and current association",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLink,
}

func init() {
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(linkCmd)

	channelsCmd.Flags().StringVar(&channelsCountry, "country", "", "ISO country code (default from config)")
	channelsCmd.Flags().StringVar(&channelsBand, "band", "", "Only show one band: 2.4GHz or 5GHz")
	channelsCmd.Flags().Bool("list", false, "List known country codes")
}

func runChannels(cmd *cobra.Command, _ []string) error {
	if list, _ := cmd.Flags().GetBool("list"); list {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(regdomain.Countries(), " "))
		return nil
	}

	country := channelsCountry
	if country == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		country = cfg.Station.Country
	}
	table, err := regdomain.New(country)
	if err != nil {
		return err
	}

	bands := wlan.Bands
	if channelsBand != "" {
		b, err := wlan.ParseBand(channelsBand)
		if err != nil {
			return err
		}
		bands = []wlan.Band{b}
	}
	printChannels(cmd.OutOrStdout(), table, bands)
	return nil
}

func printChannels(w io.Writer, t *regdomain.Table, bands []wlan.Band) {
	_, _ = fmt.Fprintf(w, "Regulatory domain: %s\n", t.Country())
	table := tablewriter.NewWriter(w)
	table.Header("Band", "Channel", "MHz", "Max dBm", "Scan", "DFS")
	for _, band := range bands {
		for _, r := range t.Channels(band) {
			scan := wlan.ScanActive
			if r.PassiveOnly {
				scan = wlan.ScanPassive
			}
			dfs := ""
			if t.IsDFSChannel(band, r.Channel) {
				dfs = "yes"
			}
			_ = table.Append([]string{
				band.String(),
				strconv.Itoa(int(r.Channel)),
				strconv.Itoa(wlan.ChannelFrequency(band, r.Channel)),
				strconv.Itoa(int(r.MaxPower)),
				scan.String(),
				dfs,
			})
		}
	}
	_ = table.Render()
}

func runLink(cmd *cobra.Command, args []string) error {
	prober, err := hostlink.Open(logging.Default())
	if err != nil {
		return err
	}
	defer func() { _ = prober.Close() }()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	return showLink(cmd.OutOrStdout(), prober, name)
}

// showLink prints every wireless interface and the association of the named
// one, or of the first station interface when name is empty.
func showLink(w io.Writer, prober *hostlink.Prober, name string) error {
	ifaces, err := prober.Interfaces()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("Interface", "Index", "PHY", "MAC", "Station", "Band", "Channel")
	for _, ifi := range ifaces {
		ch := ""
		if ifi.Channel != 0 {
			ch = strconv.Itoa(int(ifi.Channel))
		}
		_ = table.Append([]string{
			ifi.Name,
			strconv.Itoa(ifi.Index),
			strconv.Itoa(ifi.PHY),
			ifi.MAC,
			strconv.FormatBool(ifi.Station),
			ifi.Band,
			ch,
		})
	}
	_ = table.Render()

	link, err := prober.Link(name)
	if err != nil {
		return err
	}
	if !link.Connected {
		_, _ = fmt.Fprintf(w, "%s: not associated\n", link.Interface)
		return nil
	}
	_, _ = fmt.Fprintf(w, "%s: associated to %s %q (%s, %s channel %d)\n",
		link.Interface, link.BSSID, link.SSID, link.BSSType, link.Band, link.Channel)
	return nil
}
