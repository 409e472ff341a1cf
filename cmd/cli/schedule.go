package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/anstrom/stascan/internal/api/handlers"
)

const maxJobNameLength = 20 // max job name length before truncation

var (
	scheduleSSID  string
	scheduleBands []string
	scheduleBulk  bool
)

// scheduleCmd represents the schedule command.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled scans",
	Long: `Manage cron-triggered application scans on the running daemon. Jobs added
here live until the daemon restarts; put permanent ones in the configuration
file under 'schedules'.`,
	Example: `  stascan schedule list
  stascan schedule add nightly "0 3 * * *" --bulk
  stascan schedule add home-5g "@every 10m" --ssid Home --band 5GHz
  stascan schedule run <id>
  stascan schedule remove <id>`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled scans",
	RunE: func(_ *cobra.Command, _ []string) error {
		return WithAPIClient("list schedules", func(c *APIClient) error {
			var resp struct {
				Schedules []handlers.ScheduleResponse `json:"schedules"`
			}
			if err := c.Get("/schedules", &resp); err != nil {
				return err
			}
			displaySchedules(os.Stdout, resp.Schedules)
			return nil
		})
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <name> <cron>",
	Short: "Add a scheduled scan",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleAdd,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)

	for _, c := range []struct{ use, short, op, path string }{
		{"remove", "Remove a scheduled scan", "delete", ""},
		{"run", "Run a scheduled scan now", "post", "/run"},
		{"enable", "Resume a scheduled scan", "post", "/enable"},
		{"disable", "Pause a scheduled scan", "post", "/disable"},
	} {
		scheduleCmd.AddCommand(scheduleControlCmd(c.use, c.short, c.op, c.path))
	}

	scheduleAddCmd.Flags().StringVar(&scheduleSSID, "ssid", "", "SSID to probe for")
	scheduleAddCmd.Flags().Var(newBandsValue(&scheduleBands), "band", "Band to scan: 2.4GHz or 5GHz (repeatable)")
	scheduleAddCmd.Flags().BoolVar(&scheduleBulk, "bulk", false, "Run a two-band OS bulk scan")
}

func runScheduleAdd(_ *cobra.Command, args []string) error {
	name, expr := args[0], args[1]
	if err := validateCronExpression(expr); err != nil {
		return err
	}

	req := handlers.ScheduleRequest{
		Name:  name,
		Cron:  expr,
		SSID:  scheduleSSID,
		Bands: scheduleBands,
		Bulk:  scheduleBulk,
	}
	return WithAPIClient("add schedule", func(c *APIClient) error {
		var resp handlers.ScheduleResponse
		if err := c.Post("/schedules", req, &resp); err != nil {
			return err
		}
		fmt.Printf("Scheduled %q (%s) as %s\n", resp.Name, resp.Cron, resp.ID)
		return nil
	})
}

// scheduleControlCmd builds a command acting on one job by ID.
func scheduleControlCmd(use, short, op, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "/schedules/" + args[0] + suffix
			return WithAPIClient(use+" schedule", func(c *APIClient) error {
				if op == "delete" {
					if err := c.Delete(path, nil); err != nil {
						return err
					}
					fmt.Printf("Removed schedule %s\n", args[0])
					return nil
				}
				var resp handlers.ScheduleResponse
				if err := c.Post(path, struct{}{}, &resp); err != nil {
					return err
				}
				fmt.Printf("%s: %s (enabled: %t, runs: %d)\n", use, resp.Name, resp.Enabled, resp.Runs)
				return nil
			})
		},
	}
}

func displaySchedules(w io.Writer, jobs []handlers.ScheduleResponse) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No scheduled scans found")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Schedule", "Kind", "Active", "Next Run", "Runs", "Last Status")
	for i := range jobs {
		job := &jobs[i]
		kind := "one-shot"
		if job.Bulk {
			kind = "bulk"
		}
		if len(job.Bands) > 0 {
			kind += " " + strings.Join(job.Bands, "+")
		}
		active := "No"
		if job.Enabled {
			active = "Yes"
		}
		next := "-"
		if job.NextRun != nil {
			next = job.NextRun.Local().Format("2006-01-02 15:04")
		}
		_ = table.Append([]string{
			job.ID,
			truncateString(job.Name, maxJobNameLength),
			job.Cron,
			kind,
			active,
			next,
			strconv.Itoa(job.Runs),
			job.LastStatus,
		})
	}
	_ = table.Render()
}

// validateCronExpression checks expr with the same parser the daemon uses.
func validateCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
