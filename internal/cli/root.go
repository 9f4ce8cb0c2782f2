package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procsup/internal/config"
	"github.com/Paintersrp/procsup/internal/lifecycle"
	"github.com/Paintersrp/procsup/internal/logging"
	"github.com/Paintersrp/procsup/internal/proctable"
	"github.com/Paintersrp/procsup/internal/resolve"
	"github.com/Paintersrp/procsup/internal/runtime"
	"github.com/Paintersrp/procsup/internal/supervisor"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{}

	root := &cobra.Command{
		Use:   "procsup",
		Short: "Launch, track and terminate local process trees",
	}

	root.PersistentFlags().
		StringVarP(&ctx.configPath, "config", "c", "", "Path to procsup.yaml (default: $PROCSUP_CONFIG or ./procsup.yaml)")
	root.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Diagnostic log level: debug, info, warn, error or off")
	root.PersistentFlags().StringVar(&ctx.logFormat, "log-format", "", "Diagnostic log format: text or json")
	root.PersistentFlags().StringVarP(&ctx.output, "output", "o", outputAuto, "Output format for process lines and results: auto, text or json")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newResolveCmd(ctx))
	root.AddCommand(newAliveCmd(ctx))
	root.AddCommand(newKillCmd(ctx))
	root.AddCommand(newPsCmd(ctx))
	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.msg != "" {
				fmt.Fprintln(os.Stderr, exitErr.msg)
			}
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError ends the command with a specific status code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}

type context struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string

	// table and signaler replace the host process table and signals in tests.
	table    proctable.Table
	signaler lifecycle.Signaler

	once sync.Once
	cfg  *config.Config
	log  *slog.Logger
	err  error
}

// load resolves configuration and the diagnostic logger once per invocation.
// Command line flags win over the file and the environment.
func (c *context) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	c.once.Do(func() {
		cfg, err := config.Resolve(c.configPath)
		if err != nil {
			c.err = err
			return
		}
		if c.logLevel != "" {
			cfg.Logging.Level = c.logLevel
		}
		if c.logFormat != "" {
			cfg.Logging.Format = c.logFormat
		}
		log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
		if err != nil {
			c.err = fmt.Errorf("configure logging: %w", err)
			return
		}
		c.cfg = cfg
		c.log = log
	})
	return c.cfg, c.log, c.err
}

// newSupervisor builds a supervisor from configuration. A positive watch
// interval enables the exit watcher.
func (c *context) newSupervisor(cfg *config.Config, log *slog.Logger, sink runtime.Sink, watch bool) *supervisor.Supervisor {
	opts := supervisor.Options{
		Table:       c.table,
		Sink:        sink,
		Logger:      log,
		MaxPending:  int(cfg.Relay.MaxPending.Bytes),
		MaxLineSize: int(cfg.Relay.MaxLineSize.Bytes),
		Resolver: []resolve.Option{
			resolve.WithMaxWait(cfg.Resolver.MaxWait.Duration),
			resolve.WithPollInterval(cfg.Resolver.PollInterval.Duration),
			resolve.WithExcludeNames(cfg.Resolver.ExcludeNames),
		},
		Terminator: []lifecycle.Option{
			lifecycle.WithGracePeriod(cfg.Terminate.GracePeriod.Duration),
			lifecycle.WithPollInterval(cfg.Terminate.PollInterval.Duration),
		},
	}
	if c.signaler != nil {
		opts.Terminator = append(opts.Terminator, lifecycle.WithSignaler(c.signaler))
	}
	if watch {
		opts.WatchInterval = cfg.Watch.Interval.Duration
	}
	return supervisor.New(opts)
}
