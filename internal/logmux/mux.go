package logmux

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Paintersrp/procsup/internal/runtime"
)

// ErrClosed is returned by Deliver after Close.
var ErrClosed = errors.New("logmux: closed")

// Mux fans in log lines from many processes and delivers them via a bounded
// channel. Deliver waits for room in the channel. With a stall timeout, a line
// that waits longer than the timeout is dropped instead, and a synthesized
// dropped=N line per source follows once there is room again.
type Mux struct {
	out   chan runtime.LogLine
	stall time.Duration

	closeMu sync.RWMutex
	closed  bool

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	count       int
	pid         int
	correlation runtime.Correlation
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel. A stall of zero never drops.
func New(size int, stall time.Duration) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan runtime.LogLine, size),
		stall: stall,
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed line channel.
func (m *Mux) Output() <-chan runtime.LogLine {
	return m.out
}

// Deliver implements runtime.Sink. It blocks until the line is queued or,
// with a stall timeout, counted as dropped.
func (m *Mux) Deliver(line runtime.LogLine) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.deliver(normalize(line))
	return nil
}

// Add registers a source channel. The mux consumes lines until the source
// channel is closed.
func (m *Mux) Add(source <-chan runtime.LogLine) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for line := range source {
			_ = m.Deliver(line)
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel. The output must keep being read until it is
// closed.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(line runtime.LogLine) {
	key := sourceKey(line)
	if !m.flushPending(key) {
		m.recordDrop(key, line, 1)
		return
	}
	if m.send(line) {
		return
	}
	m.recordDrop(key, line, 1)
}

func (m *Mux) flushPending(key string) bool {
	for {
		rec := m.takeDrops(key)
		if rec.count == 0 {
			return true
		}
		if m.send(synthesizeDropLine(rec)) {
			continue
		}
		m.restoreDrops(key, rec)
		return false
	}
}

func (m *Mux) takeDrops(key string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[key]
	if rec.count != 0 {
		delete(m.drops, key)
	}
	return rec
}

func (m *Mux) restoreDrops(key string, rec dropRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.drops[key]
	cur.count += rec.count
	cur.pid = rec.pid
	cur.correlation = rec.correlation
	m.drops[key] = cur
}

func (m *Mux) recordDrop(key string, line runtime.LogLine, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[key]
	rec.count += count
	rec.pid = line.PID
	rec.correlation = line.Correlation
	m.drops[key] = rec
}

func (m *Mux) flushDrops() {
	for _, rec := range m.collectDrops() {
		m.out <- synthesizeDropLine(rec)
	}
}

func (m *Mux) collectDrops() map[string]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]dropRecord, len(m.drops))
	for key, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[key] = rec
	}
	m.drops = make(map[string]dropRecord)
	return dup
}

func (m *Mux) send(line runtime.LogLine) bool {
	if m.stall <= 0 {
		m.out <- line
		return true
	}
	select {
	case m.out <- line:
		return true
	default:
	}
	timer := time.NewTimer(m.stall)
	defer timer.Stop()
	select {
	case m.out <- line:
		return true
	case <-timer.C:
		return false
	}
}

// sourceKey groups drop accounting per run, falling back to the pid.
func sourceKey(line runtime.LogLine) string {
	if line.Correlation.RunID != "" {
		return line.Correlation.RunID
	}
	return "pid:" + strconv.Itoa(line.PID)
}

func normalize(line runtime.LogLine) runtime.LogLine {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	if line.Stream == "" {
		line.Stream = runtime.StreamStdout
	}
	if line.Level == "" {
		line.Level = line.Stream.Level()
	}
	return line
}

func synthesizeDropLine(rec dropRecord) runtime.LogLine {
	return runtime.LogLine{
		Timestamp:   time.Now(),
		PID:         rec.pid,
		Stream:      runtime.StreamSystem,
		Level:       runtime.StreamSystem.Level(),
		Text:        fmt.Sprintf("dropped=%d", rec.count),
		Correlation: rec.correlation,
	}
}
