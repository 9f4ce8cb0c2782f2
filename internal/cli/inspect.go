package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procsup/internal/api"
	"github.com/Paintersrp/procsup/internal/cliutil"
	"github.com/Paintersrp/procsup/internal/proctable"
	"github.com/Paintersrp/procsup/internal/resolve"
)

func parsePIDArg(value string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", value)
	}
	return pid, nil
}

func newResolveCmd(ctx *context) *cobra.Command {
	var (
		expect  string
		exclude []string
		maxWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resolve PID",
		Short: "Find the worker process launched behind a wrapper pid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := parsePIDArg(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			format, err := ctx.outputFormat(cmd)
			if err != nil {
				return err
			}
			sup := ctx.newSupervisor(cfg, log, nil, false)

			q := resolve.Query{ParentPID: parent, ExpectedName: expect, MaxWait: maxWait}
			if cmd.Flags().Changed("exclude") {
				q.ExcludeNames = append([]string{}, exclude...)
			}
			pid, found := sup.Resolve(cmd.Context(), q)
			result := api.ResolveResult{ParentPID: parent, PID: pid, Found: found}
			text := strconv.Itoa(pid)
			if !found {
				text = fmt.Sprintf("no worker found under pid %d", parent)
			}
			if err := writeResult(cmd.OutOrStdout(), format, result, text); err != nil {
				return err
			}
			if !found {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "Expected worker name used as a resolution hint")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Wrapper names to skip (replaces the configured set)")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "How long to keep looking (default from config)")
	return cmd
}

func newAliveCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alive PID",
		Short: "Report whether a process is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePIDArg(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			format, err := ctx.outputFormat(cmd)
			if err != nil {
				return err
			}
			sup := ctx.newSupervisor(cfg, log, nil, false)

			alive := sup.IsAlive(cmd.Context(), pid)
			text := fmt.Sprintf("%d alive", pid)
			if !alive {
				text = fmt.Sprintf("%d not running", pid)
			}
			if err := writeResult(cmd.OutOrStdout(), format, api.ProcessStatus{PID: pid, Alive: alive}, text); err != nil {
				return err
			}
			if !alive {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	return cmd
}

func newPsCmd(ctx *context) *cobra.Command {
	var (
		tree int
		name string
	)
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List processes from the host process table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			format, err := ctx.outputFormat(cmd)
			if err != nil {
				return err
			}
			sup := ctx.newSupervisor(cfg, log, nil, false)
			snap, err := sup.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("read process table: %w", err)
			}

			var members []proctable.Member
			if cmd.Flags().Changed("tree") {
				if tree <= 0 {
					return fmt.Errorf("invalid pid %d", tree)
				}
				members = snap.Tree(tree)
				if len(members) == 0 {
					return fmt.Errorf("pid %d not found", tree)
				}
			} else {
				for _, rec := range snap.Records() {
					members = append(members, proctable.Member{Record: rec})
				}
			}
			if name != "" {
				filtered := members[:0]
				for _, m := range members {
					if proctable.NameContainsAny(m.Name, []string{name}) {
						filtered = append(filtered, m)
					}
				}
				members = filtered
			}

			out := cmd.OutOrStdout()
			if format == cliutil.OutputJSON {
				enc := json.NewEncoder(out)
				for _, m := range members {
					if err := enc.Encode(psRecord(m)); err != nil {
						return err
					}
				}
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tPPID\tSTARTED\tNAME")
			for _, m := range members {
				started := "-"
				if !m.StartTime.IsZero() {
					started = m.StartTime.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s%s\n", m.PID, m.PPID, started, strings.Repeat("  ", m.Depth), m.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&tree, "tree", 0, "Only show the process tree rooted at this pid")
	cmd.Flags().StringVar(&name, "name", "", "Only show processes whose name contains this text")
	return cmd
}

type psEntry struct {
	PID       int        `json:"pid"`
	PPID      int        `json:"ppid"`
	Name      string     `json:"name"`
	Depth     int        `json:"depth,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

func psRecord(m proctable.Member) psEntry {
	entry := psEntry{PID: m.PID, PPID: m.PPID, Name: m.Name, Depth: m.Depth}
	if !m.StartTime.IsZero() {
		started := m.StartTime
		entry.StartTime = &started
	}
	return entry
}
