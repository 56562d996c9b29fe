package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the queue-side lifecycle state of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StatePaused    JobState = "paused"
)

// JobStates lists every state in display order.
var JobStates = []JobState{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed, StatePaused}

// Terminal reports whether no further transition can leave s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func ParseJobState(s string) (JobState, error) {
	for _, st := range JobStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown job state %q", ErrValidation, s)
}

// JobType is the kind of training stage a job runs. The set is closed.
type JobType string

const (
	TypeDataPrep JobType = "data_prep"
	TypeTrain    JobType = "train"
	TypeEvaluate JobType = "evaluate"
)

func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case TypeDataPrep, TypeTrain, TypeEvaluate:
		return JobType(s), nil
	case "data-prep":
		return TypeDataPrep, nil
	}
	return "", fmt.Errorf("%w: unknown job type %q", ErrValidation, s)
}

// Payload is what a worker needs to run a stage.
type Payload struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if len(b) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

type Job struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	Stage       string    `json:"stage"`
	Type        JobType   `json:"type"`
	Payload     []byte    `json:"payload,omitempty"`
	State       JobState  `json:"state"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Result      []byte    `json:"result,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AvailableAt time.Time `json:"available_at"`
}
