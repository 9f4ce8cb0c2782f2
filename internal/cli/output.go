package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/procsup/internal/cliutil"
	"github.com/Paintersrp/procsup/internal/config"
	"github.com/Paintersrp/procsup/internal/logmux"
)

const outputAuto = "auto"

// outputFormat picks json or text. In auto mode a terminal gets text and
// anything else (pipes, files, buffers) gets json records.
func (c *context) outputFormat(cmd *cobra.Command) (string, error) {
	switch strings.ToLower(strings.TrimSpace(c.output)) {
	case cliutil.OutputJSON:
		return cliutil.OutputJSON, nil
	case cliutil.OutputText:
		return cliutil.OutputText, nil
	case "", outputAuto:
		if isTerminal(cmd.OutOrStdout()) {
			return cliutil.OutputText, nil
		}
		return cliutil.OutputJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want auto, text or json)", c.output)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// outputPump fans process output from every relay into one writer.
type outputPump struct {
	mux  *logmux.Mux
	done chan struct{}
}

func startOutput(cmd *cobra.Command, format string, relay config.RelaySpec) *outputPump {
	mux := logmux.New(relay.Buffer, relay.StallTimeout.Duration)
	sink := cliutil.NewWriterSink(cmd.OutOrStdout(), cmd.ErrOrStderr(), format)
	p := &outputPump{mux: mux, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for line := range mux.Output() {
			_ = sink.Deliver(line)
		}
	}()
	return p
}

// Close flushes pending lines and drop notices, then waits for the writer.
func (p *outputPump) Close() {
	p.mux.Close()
	<-p.done
}

func writeResult(w io.Writer, format string, payload any, text string) error {
	if format == cliutil.OutputJSON {
		return json.NewEncoder(w).Encode(payload)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
