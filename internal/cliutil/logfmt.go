package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/procsup/internal/runtime"
)

// LogRecord represents a relayed line ready for JSON encoding.
type LogRecord struct {
	Timestamp   time.Time         `json:"ts"`
	PID         int               `json:"pid"`
	Stream      string            `json:"stream"`
	Level       string            `json:"level"`
	Message     string            `json:"msg"`
	RunID       string            `json:"run_id,omitempty"`
	ActionID    string            `json:"action_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// NewLogRecord converts a relayed line into a structured log record. Secrets
// in the text are redacted.
func NewLogRecord(line runtime.LogLine) LogRecord {
	level := line.Level
	if level == "" {
		if inferred := inferLogLevel(line.Text); inferred != "" {
			level = inferred
		} else {
			level = line.Stream.Level()
		}
	}
	stream := string(line.Stream)
	if stream == "" {
		stream = string(runtime.StreamSystem)
	}
	return LogRecord{
		Timestamp:   line.Timestamp,
		PID:         line.PID,
		Stream:      stream,
		Level:       level,
		Message:     RedactSecrets(line.Text),
		RunID:       line.Correlation.RunID,
		ActionID:    line.Correlation.ActionID,
		WorkspaceID: line.Correlation.WorkspaceID,
		Labels:      line.Correlation.Labels,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogLine encodes a relayed line to JSON, reporting errors to stderr if
// needed.
func EncodeLogLine(enc *json.Encoder, stderr io.Writer, line runtime.LogLine) {
	if enc == nil {
		return
	}
	record := NewLogRecord(line)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatText renders a relayed line for a terminal.
func FormatText(line runtime.LogLine) string {
	record := NewLogRecord(line)
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%d %s]", ts.Format("15:04:05.000"), record.Level, record.PID, record.Stream)
	if record.ActionID != "" {
		fmt.Fprintf(&b, " action=%s", record.ActionID)
	}
	if len(record.Labels) > 0 {
		keys := make([]string, 0, len(record.Labels))
		for k := range record.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, record.Labels[k])
		}
	}
	b.WriteString(" ")
	b.WriteString(record.Message)
	return b.String()
}

// Output formats accepted by NewWriterSink.
const (
	OutputJSON = "json"
	OutputText = "text"
)

// NewWriterSink returns a Sink that writes each line to w in the given
// format. Writes are serialized so lines from both streams never interleave.
func NewWriterSink(w io.Writer, stderr io.Writer, format string) runtime.Sink {
	var mu sync.Mutex
	if strings.EqualFold(format, OutputJSON) {
		enc := json.NewEncoder(w)
		return runtime.SinkFunc(func(line runtime.LogLine) error {
			mu.Lock()
			defer mu.Unlock()
			EncodeLogLine(enc, stderr, line)
			return nil
		})
	}
	return runtime.SinkFunc(func(line runtime.LogLine) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintln(w, FormatText(line))
		return err
	})
}
