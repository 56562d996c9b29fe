package queue

import (
	"time"
)

type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
)

// Event reports one job transition out of active. Exactly one event is
// published per transition, in the order the backend applied them.
type Event struct {
	Kind        EventKind `json:"kind"`
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Stage       string    `json:"stage"`
	Result      []byte    `json:"result,omitempty"`
	Err         string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
}

// emit publishes ev, waiting at most one operation timeout for the consumer.
func (q *Queue) emit(ev Event) {
	if q.events == nil {
		return
	}
	timer := time.NewTimer(q.cfg.OpTimeout)
	defer timer.Stop()
	select {
	case q.events <- ev:
	case <-timer.C:
		q.logger.Error().Str("job", ev.JobID).Str("kind", string(ev.Kind)).Msg("event consumer stalled, event not delivered")
	}
}
