package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Recorder appends every published job event to the store and closes the
// job row when a terminal event arrives.
type Recorder struct {
	store *Store
	ctx   context.Context
}

// Recorder returns an events publisher bound to ctx.
func (s *Store) Recorder(ctx context.Context) *Recorder {
	return &Recorder{store: s, ctx: ctx}
}

func (r *Recorder) Publish(evt protocol.JobEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := r.store.AppendEvent(r.ctx, Event{
		RunID:     evt.RunID,
		Type:      evt.Type,
		Payload:   payload,
		CreatedAt: time.UnixMilli(evt.TimestampMS),
	}); err != nil {
		return err
	}
	switch evt.Type {
	case "done":
		return r.store.FinishJob(r.ctx, evt.RunID, StatusSucceeded)
	case "error":
		return r.store.FinishJob(r.ctx, evt.RunID, StatusFailed)
	}
	return nil
}
