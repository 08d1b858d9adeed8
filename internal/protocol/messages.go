package protocol

import (
	"encoding/json"
	"strings"
)

// JobEvent is the wire form of one job lifecycle event. It is rendered
// flat: the payload keys sit next to type, ts_ms and job_id.
type JobEvent struct {
	Type        string
	TimestampMS int64
	JobID       string
	RunID       string
	Payload     map[string]any
}

func (e JobEvent) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		body[k] = v
	}
	body["type"] = e.Type
	body["ts_ms"] = e.TimestampMS
	body["job_id"] = e.JobID
	if e.RunID != "" {
		body["run_id"] = e.RunID
	}
	return json.Marshal(body)
}

func (e *JobEvent) UnmarshalJSON(data []byte) error {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	e.Type, _ = body["type"].(string)
	e.JobID, _ = body["job_id"].(string)
	e.RunID, _ = body["run_id"].(string)
	if ts, ok := body["ts_ms"].(float64); ok {
		e.TimestampMS = int64(ts)
	}
	for _, k := range []string{"type", "ts_ms", "job_id", "run_id"} {
		delete(body, k)
	}
	e.Payload = body
	return nil
}

const SubjectJobPrefix = "narrator.job"

// Subject returns the NATS subject for an event: <prefix>.<job>.<type>.
func Subject(prefix, jobID, eventType string) string {
	if prefix == "" {
		prefix = SubjectJobPrefix
	}
	return prefix + "." + subjectToken(jobID) + "." + subjectToken(eventType)
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
