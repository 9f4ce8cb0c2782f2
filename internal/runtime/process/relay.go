package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/procsup/internal/metrics"
	"github.com/Paintersrp/procsup/internal/runtime"
)

const (
	readBufferSize = 64 * 1024
	// MaxLineSize is the default bound on a single relayed line. Longer lines
	// are split.
	MaxLineSize = 1 << 20
	// DefaultMaxPending bounds the text a relay holds for a sink that has
	// fallen behind.
	DefaultMaxPending = 16 << 20
)

// Relay forwards one output stream to a sink, one LogLine per newline. Reads
// never block on the sink: lines wait in an unbounded queue until the sink
// takes them. Only when more than MaxPending bytes are waiting are lines
// dropped, and a dropped=N notice takes their place in the stream.
type Relay struct {
	Sink        runtime.Sink
	Stream      runtime.Stream
	PID         int
	Correlation runtime.Correlation
	MaxPending  int
	MaxLine     int
	Logger      *slog.Logger

	once         sync.Once
	mu           sync.Mutex
	pending      []queued
	pendingBytes int
	closed       bool
	wake         chan struct{}
	drained      chan struct{}
	now          func() time.Time
}

// queued is a line waiting for the sink, or a run of dropped lines.
type queued struct {
	line    runtime.LogLine
	dropped int
}

func (r *Relay) init() {
	r.once.Do(func() {
		if r.Sink == nil {
			r.Sink = runtime.Discard
		}
		if r.Logger == nil {
			r.Logger = slog.New(slog.DiscardHandler)
		}
		if r.MaxPending <= 0 {
			r.MaxPending = DefaultMaxPending
		}
		if r.MaxLine <= 0 {
			r.MaxLine = MaxLineSize
		}
		if r.now == nil {
			r.now = time.Now
		}
		r.wake = make(chan struct{}, 1)
		r.drained = make(chan struct{})
		go r.deliver()
	})
}

// Drained is closed once every queued line has been handed to the sink after
// Run has returned.
func (r *Relay) Drained() <-chan struct{} {
	r.init()
	return r.drained
}

// Run reads src until EOF or a read error. It returns as soon as reading
// stops; delivery of queued lines continues until Drained is closed.
func (r *Relay) Run(src io.Reader) {
	r.init()
	defer r.finish()

	br := bufio.NewReaderSize(src, readBufferSize)
	var partial []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			partial = append(partial, chunk...)
			if len(partial) >= r.MaxLine {
				r.enqueue(partial)
				partial = partial[:0]
			}
			continue
		}
		line := chunk
		if len(partial) > 0 {
			partial = append(partial, chunk...)
			line = partial
		}
		if len(line) > 0 {
			r.enqueue(line)
		}
		partial = partial[:0]
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.Logger.Debug("relay read failed", "pid", r.PID, "stream", string(r.Stream), "error", err)
			}
			return
		}
	}
}

func (r *Relay) enqueue(raw []byte) {
	text := strings.TrimSuffix(string(raw), "\n")
	text = strings.TrimSuffix(text, "\r")
	text = strings.ToValidUTF8(text, "\uFFFD")

	metrics.AddRelayLines(string(r.Stream), 1)
	line := runtime.LogLine{
		Timestamp:   r.now(),
		PID:         r.PID,
		Stream:      r.Stream,
		Level:       r.Stream.Level(),
		Text:        text,
		Correlation: r.Correlation,
	}
	r.push(line)
}

func (r *Relay) push(line runtime.LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := pendingSize(line)
	if r.pendingBytes > 0 && r.pendingBytes+size > r.MaxPending {
		metrics.AddRelayDropped(string(r.Stream), 1)
		if last := len(r.pending) - 1; r.pending[last].dropped > 0 {
			r.pending[last].dropped++
		} else {
			r.pending = append(r.pending, queued{dropped: 1})
		}
	} else {
		r.pending = append(r.pending, queued{line: line})
		r.pendingBytes += size
	}
	r.signal()
}

// pendingSize counts the newline too, so runs of empty lines are bounded.
func pendingSize(line runtime.LogLine) int {
	return len(line.Text) + 1
}

func (r *Relay) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.signal()
}

// signal wakes the delivery goroutine. Callers hold mu.
func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// take hands the queued items to the caller. done reports that reading has
// stopped and nothing is left.
func (r *Relay) take() (batch []queued, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch = r.pending
	r.pending = nil
	return batch, r.closed && len(batch) == 0
}

func (r *Relay) release(n int) {
	r.mu.Lock()
	r.pendingBytes -= n
	r.mu.Unlock()
}

func (r *Relay) deliver() {
	defer close(r.drained)
	for {
		batch, done := r.take()
		if done {
			return
		}
		if len(batch) == 0 {
			<-r.wake
			continue
		}
		for _, item := range batch {
			if item.dropped > 0 {
				r.send(r.dropNotice(item.dropped))
				continue
			}
			r.send(item.line)
			r.release(pendingSize(item.line))
		}
	}
}

func (r *Relay) dropNotice(n int) runtime.LogLine {
	return runtime.LogLine{
		Timestamp:   r.now(),
		PID:         r.PID,
		Stream:      runtime.StreamSystem,
		Level:       runtime.StreamSystem.Level(),
		Text:        fmt.Sprintf("dropped=%d stream=%s", n, r.Stream),
		Correlation: r.Correlation,
	}
}

func (r *Relay) send(line runtime.LogLine) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncrementSinkFailure()
			r.Logger.Warn("log sink panicked", "pid", r.PID, "stream", string(line.Stream), "panic", rec)
		}
	}()
	if err := r.Sink.Deliver(line); err != nil {
		metrics.IncrementSinkFailure()
		r.Logger.Debug("log sink rejected line", "pid", r.PID, "stream", string(line.Stream), "error", err)
	}
}
