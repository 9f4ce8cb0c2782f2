package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/Paintersrp/procsup/internal/api/http"
	"github.com/Paintersrp/procsup/internal/supervisor"
)

var newAPIServer = apihttp.NewServer

func newServeCmd(ctx *context) *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API and relay output of launched processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.load(cmd)
			if err != nil {
				return err
			}
			format, err := ctx.outputFormat(cmd)
			if err != nil {
				return err
			}
			addr := cfg.API.Addr
			if cmd.Flags().Changed("addr") {
				addr = apiAddr
			}

			pump := startOutput(cmd, format, cfg.Relay)
			defer pump.Close()

			sup := ctx.newSupervisor(cfg, log, pump.mux, true)
			control := NewControlAPI(cfg, sup)
			if control == nil {
				return errors.New("control API unavailable")
			}
			server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: control, Logger: log})
			if err != nil {
				return err
			}

			runCtx, cancel := stdcontext.WithCancel(cmd.Context())
			defer cancel()
			group, groupCtx := errgroup.WithContext(runCtx)
			group.Go(func() error {
				err := server.Run(groupCtx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return stdcontext.Canceled
			})
			if watcher := sup.Watcher(); watcher != nil {
				group.Go(func() error { return watcher.Run(groupCtx) })
				group.Go(func() error {
					logEvents(groupCtx, log, watcher)
					return nil
				})
			}

			readyTimer := time.NewTimer(200 * time.Millisecond)
			defer readyTimer.Stop()
			select {
			case <-groupCtx.Done():
			case <-readyTimer.C:
				fmt.Fprintf(cmd.ErrOrStderr(), "Control API listening on %s\n", server.Addr())
			}

			err = group.Wait()
			if err != nil && !errors.Is(err, stdcontext.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "addr", "", "Listen address for the HTTP control API (default from config or PROCSUP_API_ADDR)")
	return cmd
}

func logEvents(ctx stdcontext.Context, log *slog.Logger, watcher *supervisor.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-watcher.Events():
			msg := "tracked process exited"
			switch evt.Type {
			case supervisor.EventTypeLaunched:
				msg = "tracked process launched"
			case supervisor.EventTypeTerminated:
				msg = "tracked process terminated"
			}
			log.Info(msg,
				"launch_id", evt.LaunchID,
				"pid", evt.PID,
				"command", evt.Command,
				"action_id", evt.Correlation.ActionID,
				"workspace_id", evt.Correlation.WorkspaceID,
			)
		}
	}
}
