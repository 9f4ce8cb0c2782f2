package runtime

import (
	"time"
)

// Stream identifies the origin of a relayed log line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem tags lines synthesized by procsup itself, such as drop
	// notices emitted by the relay.
	StreamSystem Stream = "procsup"
)

// Level returns the log level conventionally associated with a stream.
func (s Stream) Level() string {
	switch s {
	case StreamStderr:
		return "error"
	case StreamSystem:
		return "warn"
	default:
		return "info"
	}
}

// Correlation carries caller supplied identifiers. It is passed through to
// every log line untouched.
type Correlation struct {
	RunID       string            `json:"run_id,omitempty" yaml:"runId"`
	ActionID    string            `json:"action_id,omitempty" yaml:"actionId"`
	WorkspaceID string            `json:"workspace_id,omitempty" yaml:"workspaceId"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels"`
}

// Clone returns a deep copy of the correlation context.
func (c Correlation) Clone() Correlation {
	cp := c
	if len(c.Labels) > 0 {
		cp.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			cp.Labels[k] = v
		}
	}
	return cp
}

// LaunchSpec describes a single launch request. It is built once per request
// and consumed by the spawner.
type LaunchSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Hidden suppresses the console window where the platform has one.
	Hidden bool `json:"hidden,omitempty"`
	// Detached lets the child outlive the supervisor.
	Detached bool `json:"detached,omitempty"`
	// Track resolves the real worker behind a wrapper executable.
	Track bool `json:"track,omitempty"`
	// Quiet nulls stdin, stdout and stderr. No output is relayed.
	Quiet bool `json:"quiet,omitempty"`

	// Resolver overrides used when Track is set.
	ExpectedName string        `json:"expected_name,omitempty"`
	ExcludeNames []string      `json:"exclude_names,omitempty"`
	MaxWait      time.Duration `json:"max_wait,omitempty"`

	Correlation Correlation `json:"correlation,omitempty"`
}

// LogLine is a single line of child output, or a synthesized relay notice.
type LogLine struct {
	Timestamp   time.Time   `json:"ts"`
	PID         int         `json:"pid"`
	Stream      Stream      `json:"stream"`
	Level       string      `json:"level"`
	Text        string      `json:"text"`
	Correlation Correlation `json:"correlation"`
}

// Sink receives relayed log lines. Implementations may be slow or fail; the
// relay never lets either affect the child process.
type Sink interface {
	Deliver(LogLine) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(LogLine) error

// Deliver calls f(line).
func (f SinkFunc) Deliver(line LogLine) error {
	return f(line)
}

type discardSink struct{}

func (discardSink) Deliver(LogLine) error { return nil }

// Discard is a Sink that drops every line.
var Discard Sink = discardSink{}
