package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/server"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		Long:  `Display pool occupancy, class load, in-flight tasks and recent outcomes of a running daemon.`,
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().String("addr", "", "daemon status address (default is server.addr from the config)")
	cmd.Flags().Bool("json", false, "print the raw status document")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = looseConfig(cmd).GetString("server.addr")
	}

	st, err := server.FetchStatus(cmd.Context(), addr)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(cmd.OutOrStdout(), st, time.Now())
	return nil
}

func printStatus(w io.Writer, st server.Status, now time.Time) {
	if st.Pool != nil {
		state := "enabled"
		if !st.Pool.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "Pool: %d/%d leased, %d available, %d waiting (%s)\n",
			st.Pool.Leased, st.Pool.Size, st.Pool.Available, st.Pool.Waiters, state)
		for _, l := range st.Pool.Leases {
			fmt.Fprintf(w, "  %s -> %s since %s\n", l.HandleID, l.Owner, humanize.RelTime(l.LeasedAt, now, "ago", "from now"))
		}
		if st.Pool.Quarantined > 0 || st.Pool.DirtyReleases > 0 {
			fmt.Fprintf(w, "  %d dirty release(s), %d quarantined\n", st.Pool.DirtyReleases, st.Pool.Quarantined)
		}
	}

	if len(st.Classes) > 0 {
		fmt.Fprintln(w, "Classes:")
		for _, c := range st.Classes {
			limit := "unlimited"
			if c.Limit > 0 {
				limit = fmt.Sprint(c.Limit)
			}
			fmt.Fprintf(w, "  %-16s %d/%s %s\n", c.Name, c.Active, limit, strings.Join(c.TaskIDs, " "))
		}
	}

	if st.Health != nil && len(st.Health.Alerts) > 0 {
		fmt.Fprintln(w, "Alerts:")
		for _, a := range st.Health.Alerts {
			fmt.Fprintf(w, "  [%s] %s (%s)\n", a.Kind, a.Message, humanize.RelTime(a.Since, now, "ago", "from now"))
		}
	}

	fmt.Fprintf(w, "In flight: %d", len(st.InFlight))
	if len(st.InFlight) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(st.InFlight, ", "))
	}
	fmt.Fprintln(w)

	if len(st.Outcomes) > 0 {
		fmt.Fprintln(w, "Recent outcomes:")
		for _, o := range st.Outcomes {
			line := fmt.Sprintf("  %-10s %-12s %-12s %8s  $%.4f  %s",
				o.TaskID, o.Status, o.Class,
				(time.Duration(o.DurationMS) * time.Millisecond).Round(time.Second),
				o.CostUSD, humanize.RelTime(o.RecordedAt, now, "ago", "from now"))
			if o.Score != nil {
				line += "  score " + humanize.FtoaWithDigits(*o.Score, 2)
			}
			if o.ChangeURL != "" {
				line += "  " + o.ChangeURL
			}
			switch {
			case o.Failure == "":
			case o.Status == string(scheduler.StatusPending):
				line += "  requeued, no " + o.Failure + ": " + o.Error
			default:
				line += "  failed at " + o.Failure + ": " + o.Error
			}
			fmt.Fprintln(w, line)
		}
	}
}
