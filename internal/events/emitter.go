package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Format selects how events are rendered on the output streams.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Publisher receives every event in wire form, in emission order.
type Publisher interface {
	Publish(evt protocol.JobEvent) error
}

// Snapshot is the latest progress seen by the emitter.
type Snapshot struct {
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	Phase       string    `json:"phase"`
	Current     int       `json:"current_chunk"`
	Total       int       `json:"total_chunks"`
	Done        bool      `json:"done"`
	Failed      bool      `json:"failed"`
	LastEventAt time.Time `json:"last_event_at"`
}

// Options configures an Emitter.
type Options struct {
	Format  Format
	JobID   string
	RunID   string
	LogFile string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Emitter writes events to stdout/stderr, an optional append-only log file
// and any attached publishers. It is safe for concurrent use.
type Emitter struct {
	format     Format
	jobID      string
	runID      string
	stdout     io.Writer
	stderr     io.Writer
	logFile    *os.File
	publishers []Publisher
	log        *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	snapshot Snapshot
}

func NewEmitter(opts Options, log *slog.Logger) (*Emitter, error) {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if opts.JobID == "" {
		opts.JobID = "job"
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	e := &Emitter{
		format: opts.Format,
		jobID:  opts.JobID,
		runID:  opts.RunID,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		log:    log.With(slog.String("component", "events")),
		clock:  time.Now,
		snapshot: Snapshot{
			JobID: opts.JobID,
			RunID: opts.RunID,
		},
	}
	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		e.logFile = f
	}
	return e, nil
}

// Attach adds a publisher that receives every subsequent event.
func (e *Emitter) Attach(p Publisher) {
	e.mu.Lock()
	e.publishers = append(e.publishers, p)
	e.mu.Unlock()
}

// JobID returns the identifier stamped on every event.
func (e *Emitter) JobID() string { return e.jobID }

// Emit renders evt and forwards it to publishers.
func (e *Emitter) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = e.clock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.track(evt)

	wire := protocol.JobEvent{
		Type:        string(evt.Type),
		TimestampMS: evt.Time.UnixMilli(),
		JobID:       e.jobID,
		RunID:       e.runID,
		Payload:     evt.Payload,
	}
	if e.format == FormatJSON {
		data, err := json.Marshal(wire)
		if err != nil {
			e.log.Warn("encode event", slog.String("error", err.Error()))
		} else {
			e.write(string(data), false)
		}
	} else if line, toStderr := evt.Text(); line != "" {
		e.write(line, toStderr)
	}

	for _, p := range e.publishers {
		if err := p.Publish(wire); err != nil {
			e.log.Warn("publish event", slog.String("type", wire.Type), slog.String("error", err.Error()))
		}
	}
}

// Info emits an informational log line.
func (e *Emitter) Info(message string) { e.Emit(logEvent("info", message)) }

// Warn emits a warning. Warnings never abort the job.
func (e *Emitter) Warn(message string) { e.Emit(logEvent("warning", message)) }

// Error emits the terminal error event.
func (e *Emitter) Error(err error) { e.Emit(Failure(err)) }

// Snapshot returns the latest progress state.
func (e *Emitter) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Close releases the log file.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.logFile == nil {
		return nil
	}
	err := e.logFile.Close()
	e.logFile = nil
	return err
}

func (e *Emitter) track(evt Event) {
	e.snapshot.LastEventAt = evt.Time
	switch evt.Type {
	case TypePhase:
		e.snapshot.Phase, _ = evt.Payload["phase"].(string)
	case TypeProgress:
		e.snapshot.Current, _ = evt.Payload["current_chunk"].(int)
		e.snapshot.Total, _ = evt.Payload["total_chunks"].(int)
	case TypeDone:
		e.snapshot.Done = true
	case TypeError:
		e.snapshot.Failed = true
	}
}

func (e *Emitter) write(line string, toStderr bool) {
	w := e.stdout
	if toStderr {
		w = e.stderr
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		e.log.Debug("write event line", slog.String("error", err.Error()))
	}
	if e.logFile != nil {
		if _, err := fmt.Fprintln(e.logFile, line); err != nil {
			e.log.Warn("write event log file", slog.String("error", err.Error()))
		}
	}
}
