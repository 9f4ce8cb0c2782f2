package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

func newKillCmd(ctx *context) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "kill PID",
		Short: "Terminate a process and all of its descendants",
		Long: `Terminate a process tree. Every member is asked to exit, and whatever is
still running after the grace period is killed, leaves first. A process that
has already exited counts as success.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePIDArg(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grace") {
				if grace < 0 {
					return errors.New("--grace must be non-negative")
				}
				cfg.Terminate.GracePeriod.Duration = grace
			}
			format, err := ctx.outputFormat(cmd)
			if err != nil {
				return err
			}
			sup := ctx.newSupervisor(cfg, log, nil, false)

			out, err := sup.Terminate(cmd.Context(), pid)
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), format, out, out.Message)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "How long to wait after the cooperative request (default from config)")
	return cmd
}
