// Package events renders job lifecycle signals for the process that
// launched the job, either as legacy text lines or as JSON lines.
package events

import (
	"fmt"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	TypePhase      Type = "phase"
	TypeMetadata   Type = "metadata"
	TypeTiming     Type = "timing"
	TypeHeartbeat  Type = "heartbeat"
	TypeWorker     Type = "worker"
	TypeProgress   Type = "progress"
	TypeCheckpoint Type = "checkpoint"
	TypeDone       Type = "done"
	TypeError      Type = "error"
	TypeLog        Type = "log"
)

// Phase is a coarse job stage.
type Phase string

const (
	PhaseParsing       Phase = "PARSING"
	PhaseInference     Phase = "INFERENCE"
	PhaseConcatenating Phase = "CONCATENATING"
	PhaseExporting     Phase = "EXPORTING"
)

// CheckpointCode is the status reported by checkpoint events.
type CheckpointCode string

const (
	CheckpointNone         CheckpointCode = "NONE"
	CheckpointFound        CheckpointCode = "FOUND"
	CheckpointResuming     CheckpointCode = "RESUMING"
	CheckpointInvalid      CheckpointCode = "INVALID"
	CheckpointSaved        CheckpointCode = "SAVED"
	CheckpointReused       CheckpointCode = "REUSED"
	CheckpointMissingAudio CheckpointCode = "MISSING_AUDIO"
	CheckpointCleaned      CheckpointCode = "CLEANED"
)

// Worker statuses.
const (
	WorkerInfer  = "INFER"
	WorkerEncode = "ENCODE"
)

// Event is a single lifecycle notification. Payload keys match the JSON
// rendering.
type Event struct {
	Type    Type
	Time    time.Time
	Payload map[string]any
}

func Phased(p Phase) Event {
	return Event{Type: TypePhase, Payload: map[string]any{"phase": string(p)}}
}

func Metadata(key string, value any) Event {
	return Event{Type: TypeMetadata, Payload: map[string]any{"key": key, "value": value}}
}

func Timing(chunkIdx int, elapsed time.Duration, stage string) Event {
	return Event{Type: TypeTiming, Payload: map[string]any{
		"chunk_idx":       chunkIdx,
		"chunk_timing_ms": elapsed.Milliseconds(),
		"stage":           stage,
	}}
}

func Heartbeat(ts time.Time) Event {
	return Event{Type: TypeHeartbeat, Time: ts, Payload: map[string]any{"heartbeat_ts": ts.UnixMilli()}}
}

func Worker(id int, status, details string) Event {
	return Event{Type: TypeWorker, Payload: map[string]any{"id": id, "status": status, "details": details}}
}

func Progress(current, total int) Event {
	return Event{Type: TypeProgress, Payload: map[string]any{"current_chunk": current, "total_chunks": total}}
}

// Checkpoint builds a checkpoint status event. A nil detail is omitted.
func Checkpoint(code CheckpointCode, detail any) Event {
	payload := map[string]any{"code": string(code)}
	if detail != nil {
		payload["detail"] = detail
	}
	return Event{Type: TypeCheckpoint, Payload: payload}
}

func Done(output string, chunks int) Event {
	return Event{Type: TypeDone, Payload: map[string]any{"output": output, "chunks": chunks}}
}

func Failure(err error) Event {
	return Event{Type: TypeError, Payload: map[string]any{"message": err.Error()}}
}

func logEvent(level, message string) Event {
	return Event{Type: TypeLog, Payload: map[string]any{"level": level, "message": message}}
}

// Text renders the legacy line protocol. The boolean reports whether the
// line belongs on stderr. Events with no text form return "".
func (e Event) Text() (string, bool) {
	p := e.Payload
	switch e.Type {
	case TypePhase:
		return fmt.Sprintf("PHASE:%v", p["phase"]), false
	case TypeMetadata:
		return fmt.Sprintf("METADATA:%v:%v", p["key"], p["value"]), false
	case TypeTiming:
		return fmt.Sprintf("TIMING:%v:%v", p["chunk_idx"], p["chunk_timing_ms"]), false
	case TypeHeartbeat:
		return fmt.Sprintf("HEARTBEAT:%v", p["heartbeat_ts"]), false
	case TypeWorker:
		return fmt.Sprintf("WORKER:%v:%v:%v", p["id"], p["status"], p["details"]), false
	case TypeProgress:
		return fmt.Sprintf("PROGRESS:%v/%v chunks", p["current_chunk"], p["total_chunks"]), false
	case TypeCheckpoint:
		if detail, ok := p["detail"]; ok {
			return fmt.Sprintf("CHECKPOINT:%v:%v", p["code"], detail), false
		}
		return fmt.Sprintf("CHECKPOINT:%v", p["code"]), false
	case TypeDone:
		return "DONE", false
	case TypeError:
		return fmt.Sprint(p["message"]), true
	case TypeLog:
		if p["level"] == "warning" {
			return fmt.Sprintf("WARN: %v", p["message"]), true
		}
		return fmt.Sprint(p["message"]), false
	}
	return "", false
}
