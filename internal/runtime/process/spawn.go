package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Paintersrp/procsup/internal/cliutil"
	"github.com/Paintersrp/procsup/internal/metrics"
	"github.com/Paintersrp/procsup/internal/runtime"
)

// Spawner creates child processes and wires their output to a sink.
type Spawner struct {
	sink       runtime.Sink
	log        *slog.Logger
	maxPending int
	maxLine    int
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithSink sets the sink that receives relayed output.
func WithSink(sink runtime.Sink) Option {
	return func(s *Spawner) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the logger used for spawn diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Spawner) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaxPending bounds, in bytes, the output each stream holds for a sink
// that has fallen behind.
func WithMaxPending(n int) Option {
	return func(s *Spawner) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithMaxLineSize bounds a single relayed line in bytes.
func WithMaxLineSize(n int) Option {
	return func(s *Spawner) {
		if n > 0 {
			s.maxLine = n
		}
	}
}

// New constructs a Spawner. Without options output is discarded and nothing
// is logged.
func New(opts ...Option) *Spawner {
	s := &Spawner{
		sink:       runtime.Discard,
		log:        slog.New(slog.DiscardHandler),
		maxPending: DefaultMaxPending,
		maxLine:    MaxLineSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts the process described by spec and returns once the OS has
// assigned a pid. The child is not bound to ctx: cancelling ctx after Spawn
// returns has no effect on the process.
func (s *Spawner) Spawn(ctx context.Context, spec runtime.LaunchSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Command) == "" {
		metrics.RecordSpawn("failed")
		return nil, &SpawnError{Kind: KindOSFailure, Command: spec.Command, Err: errors.New("command is required")}
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err == nil && !info.IsDir() {
			err = fmt.Errorf("%s is not a directory", spec.Dir)
		}
		if err != nil {
			metrics.RecordSpawn("failed")
			return nil, &SpawnError{Kind: KindOSFailure, Command: spec.Command, Err: fmt.Errorf("working directory: %w", err)}
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	env := os.Environ()
	if spec.Env != nil {
		envOverrides := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			envOverrides = append(envOverrides, fmt.Sprintf("%s=%s", k, v))
		}
		env = append(env, envOverrides...)
	}
	cmd.Env = env

	var stdout, stderr io.ReadCloser
	if !spec.Quiet {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			metrics.RecordSpawn("failed")
			return nil, &SpawnError{Kind: KindOSFailure, Command: spec.Command, Err: fmt.Errorf("stdout: %w", err)}
		}
		stderr, err = cmd.StderrPipe()
		if err != nil {
			metrics.RecordSpawn("failed")
			return nil, &SpawnError{Kind: KindOSFailure, Command: spec.Command, Err: fmt.Errorf("stderr: %w", err)}
		}
	}

	if spec.Hidden && !SupportsHiddenWindow {
		s.log.Debug("hidden has no effect on this platform", "command", spec.Command)
	}
	configureCmdSysProcAttr(cmd, spec)

	if err := cmd.Start(); err != nil {
		spawnErr := classifySpawnError(spec.Command, err)
		metrics.RecordSpawn(spawnResult(spawnErr.Kind))
		s.log.Debug("spawn failed", "command", spec.Command, "kind", string(spawnErr.Kind), "error", err)
		return nil, spawnErr
	}
	metrics.RecordSpawn("ok")

	proc := &Process{
		pid:        cmd.Process.Pid,
		cmd:        cmd,
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}

	s.log.Debug("spawned process",
		"pid", proc.pid,
		"command", cliutil.RedactSecrets(commandLine(spec)),
		"detached", spec.Detached,
		"hidden", spec.Hidden,
		"quiet", spec.Quiet,
		"run_id", spec.Correlation.RunID,
	)

	var readers errgroup.Group
	var delivered sync.WaitGroup
	if !spec.Quiet {
		for _, pipe := range []struct {
			r      io.Reader
			stream runtime.Stream
		}{{stdout, runtime.StreamStdout}, {stderr, runtime.StreamStderr}} {
			relay := &Relay{
				Sink:        s.sink,
				Stream:      pipe.stream,
				PID:         proc.pid,
				Correlation: spec.Correlation.Clone(),
				MaxPending:  s.maxPending,
				MaxLine:     s.maxLine,
				Logger:      s.log,
			}
			src := pipe.r
			delivered.Add(1)
			readers.Go(func() error {
				relay.Run(src)
				go func() {
					<-relay.Drained()
					delivered.Done()
				}()
				return nil
			})
		}
	}
	go func() {
		delivered.Wait()
		close(proc.outputDone)
	}()

	// Wait closes the pipes, so it must only run once both readers hit EOF.
	go func() {
		_ = readers.Wait()
		proc.finish(cmd.Wait())
		s.log.Debug("process exited", "pid", proc.pid, "exit_code", proc.ExitCode())
	}()

	return proc, nil
}

func spawnResult(kind SpawnErrorKind) string {
	switch kind {
	case KindExecutableNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "failed"
	}
}

func commandLine(spec runtime.LaunchSpec) string {
	if len(spec.Args) == 0 {
		return spec.Command
	}
	return spec.Command + " " + strings.Join(spec.Args, " ")
}

// Process is a handle on a spawned child. The pid it reports is the one the
// OS assigned at spawn time.
type Process struct {
	pid        int
	cmd        *exec.Cmd
	done       chan struct{}
	outputDone chan struct{}

	mu      sync.Mutex
	waitErr error
}

// PID returns the pid assigned by the OS at spawn time.
func (p *Process) PID() int {
	return p.pid
}

// Done is closed once the direct child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// OutputDone is closed once every relayed line has been handed to the sink.
func (p *Process) OutputDone() <-chan struct{} {
	return p.outputDone
}

// Err returns the error reported by the OS when the child exited. It is nil
// before Done is closed and after a clean exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// ExitCode returns the child's exit code, or -1 while it is still running or
// when it was terminated by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) finish(err error) {
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}
