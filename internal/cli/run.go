package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procsup/internal/api"
	"github.com/Paintersrp/procsup/internal/config"
	"github.com/Paintersrp/procsup/internal/runtime"
	"github.com/Paintersrp/procsup/internal/supervisor"
)

// terminateSlack bounds how long an interrupted run waits past the grace
// period for the tree to go away.
const terminateSlack = 10 * time.Second

type runOptions struct {
	profile   string
	detach    bool
	hidden    bool
	track     bool
	quiet     bool
	wait      bool
	dir       string
	expect    string
	exclude   []string
	maxWait   time.Duration
	env       []string
	labels    []string
	workspace string
	action    string
	runID     string

	workspaceProfiles string
}

func newRunCmd(ctx *context) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Launch a process, relay its output and optionally resolve its worker",
		Long: `Launch a process and relay its stdout and stderr line by line.

Attached launches run until the process exits and propagate its exit code.
Detached launches return once the process is started (and resolved, with
--track) unless --wait is given. Interrupting procsup terminates the
launched process tree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			format, err := ctx.outputFormat(cmd)
			if err != nil {
				return err
			}
			if opts.workspaceProfiles != "" {
				if len(args) > 0 || opts.profile != "" {
					return errors.New("--workspace-profiles cannot be combined with a command or --profile")
				}
				return runWorkspaceProfiles(cmd, ctx, cfg, log, format, opts.workspaceProfiles)
			}
			req, err := opts.request(cmd, args)
			if err != nil {
				return err
			}
			spec, err := launchSpecFor(cfg, req)
			if err != nil {
				return err
			}

			pump := startOutput(cmd, format, cfg.Relay)
			sup := ctx.newSupervisor(cfg, log, pump.mux, false)
			launch, err := sup.Launch(cmd.Context(), spec)
			if err != nil {
				pump.Close()
				return err
			}
			_ = pump.mux.Deliver(launchLine(launchResult(launch)))

			if spec.Detached && !opts.wait {
				pump.Close()
				return nil
			}
			return waitForExit(cmd.Context(), sup, launch, pump, cfg.Terminate.GracePeriod.Duration)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.profile, "profile", "p", "", "Launch a profile from the config file")
	flags.BoolVarP(&opts.detach, "detach", "d", false, "Detach the process so it outlives procsup")
	flags.BoolVar(&opts.hidden, "hidden", false, "Hide the console window where the platform has one")
	flags.BoolVarP(&opts.track, "track", "t", false, "Resolve the worker process behind wrapper launchers")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Discard all process output")
	flags.BoolVarP(&opts.wait, "wait", "w", false, "Keep relaying a detached process until it exits")
	flags.StringVar(&opts.dir, "dir", "", "Working directory for the process")
	flags.StringVar(&opts.expect, "expect", "", "Expected worker name used as a resolution hint")
	flags.StringSliceVar(&opts.exclude, "exclude", nil, "Wrapper names to skip during resolution (replaces the configured set)")
	flags.DurationVar(&opts.maxWait, "max-wait", 0, "How long to look for the worker process")
	flags.StringArrayVarP(&opts.env, "env", "e", nil, "Extra environment variable as KEY=VALUE (repeatable)")
	flags.StringArrayVarP(&opts.labels, "label", "l", nil, "Correlation label as KEY=VALUE (repeatable)")
	flags.StringVar(&opts.workspace, "workspace", "", "Workspace id carried on every output line")
	flags.StringVar(&opts.action, "action", "", "Action id carried on every output line")
	flags.StringVar(&opts.runID, "run-id", "", "Run id to use instead of a generated one")
	flags.StringVar(&opts.workspaceProfiles, "workspace-profiles", "", "Launch every profile of this workspace, detached, in name order")
	return cmd
}

// request maps flags and positional arguments onto a launch request.
func (o *runOptions) request(cmd *cobra.Command, args []string) (api.LaunchRequest, error) {
	req := api.LaunchRequest{
		Profile:      o.profile,
		Dir:          o.dir,
		Hidden:       o.hidden,
		Detached:     o.detach,
		Track:        o.track,
		Quiet:        o.quiet,
		ExpectedName: o.expect,
		RunID:        o.runID,
		ActionID:     o.action,
		WorkspaceID:  o.workspace,
	}
	if len(args) > 0 {
		req.Command = args[0]
		req.Args = append([]string{}, args[1:]...)
	} else if o.profile == "" {
		return api.LaunchRequest{}, errors.New("a command is required: procsup run [flags] -- command [args...]")
	}
	if cmd.Flags().Changed("exclude") {
		req.ExcludeNames = append([]string{}, o.exclude...)
	}
	if cmd.Flags().Changed("max-wait") {
		if o.maxWait < 0 {
			return api.LaunchRequest{}, errors.New("--max-wait must be non-negative")
		}
		req.MaxWait = o.maxWait.String()
	}
	var err error
	if req.Env, err = parseAssignments("env", o.env); err != nil {
		return api.LaunchRequest{}, err
	}
	if req.Labels, err = parseAssignments("label", o.labels); err != nil {
		return api.LaunchRequest{}, err
	}
	return req, nil
}

func parseAssignments(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--%s %q: expected KEY=VALUE", flag, value)
		}
		out[key] = val
	}
	return out, nil
}

func launchLine(launch *api.LaunchResult) runtime.LogLine {
	return runtime.LogLine{
		Timestamp: launch.StartedAt,
		PID:       launch.PID,
		Stream:    runtime.StreamSystem,
		Level:     "info",
		Text: fmt.Sprintf("launched command=%s pid=%d initial_pid=%d tracked=%t resolved=%t",
			launch.Command, launch.PID, launch.InitialPID, launch.Tracked, launch.Resolved),
		Correlation: launch.Correlation,
	}
}

// runWorkspaceProfiles launches every profile of a workspace and reports one
// line per launch. Any failed launch fails the command after the rest ran.
func runWorkspaceProfiles(cmd *cobra.Command, ctx *context, cfg *config.Config, log *slog.Logger, format, workspace string) error {
	pump := startOutput(cmd, format, cfg.Relay)
	defer pump.Close()

	sup := ctx.newSupervisor(cfg, log, pump.mux, false)
	result, err := NewControlAPI(cfg, sup).LaunchBatch(cmd.Context(), api.BatchLaunchRequest{Workspace: workspace})
	if err != nil {
		return err
	}
	for _, item := range result.Items {
		if item.Launch != nil {
			_ = pump.mux.Deliver(launchLine(item.Launch))
			continue
		}
		_ = pump.mux.Deliver(runtime.LogLine{
			Timestamp:   time.Now(),
			Stream:      runtime.StreamSystem,
			Level:       "error",
			Text:        fmt.Sprintf("launch failed profile=%s error=%q", item.Profile, item.Error),
			Correlation: runtime.Correlation{ActionID: item.Profile, WorkspaceID: workspace},
		})
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d launches in workspace %s failed", result.Failed, len(result.Items), workspace)
	}
	return nil
}

// waitForExit relays output until the spawned process exits. Cancelling ctx
// terminates the launched tree first. A non-zero exit code is returned as an
// exitError.
func waitForExit(ctx stdcontext.Context, sup *supervisor.Supervisor, launch *supervisor.Launch, pump *outputPump, grace time.Duration) error {
	proc := launch.Process()
	select {
	case <-proc.Done():
	case <-ctx.Done():
		termCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), grace+terminateSlack)
		defer cancel()
		roots := []int{launch.InitialPID}
		if launch.PID != launch.InitialPID {
			roots = append(roots, launch.PID)
		}
		var termErr error
		for _, pid := range roots {
			if _, err := sup.Terminate(termCtx, pid); err != nil {
				termErr = errors.Join(termErr, err)
			}
		}
		select {
		case <-proc.Done():
		case <-termCtx.Done():
			pump.Close()
			return errors.Join(termErr, fmt.Errorf("process %d did not exit", launch.InitialPID))
		}
		<-proc.OutputDone()
		pump.Close()
		if termErr != nil {
			return termErr
		}
		return ctx.Err()
	}

	<-proc.OutputDone()
	pump.Close()
	if code := proc.ExitCode(); code != 0 {
		if code < 0 {
			code = 1
		}
		return &exitError{code: code}
	}
	return nil
}
