package model

import "time"

// Checkpoint is an immutable resume snapshot of one execution.
type Checkpoint struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
	Payload     []byte    `json:"payload"`
}
