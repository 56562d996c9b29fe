// Package checkpoint persists resume points for executions.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trainctl/internal/model"
	"trainctl/internal/store"
)

// StageResult records one completed stage at checkpoint time.
type StageResult struct {
	Stage  string          `json:"stage"`
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ResumePoint is the payload of a checkpoint: the completed stages in
// completion order together with their results.
type ResumePoint struct {
	Stages []StageResult `json:"stages"`
}

func (r ResumePoint) Encode() ([]byte, error) {
	if r.Stages == nil {
		r.Stages = []StageResult{}
	}
	return json.Marshal(r)
}

// Decode parses a checkpoint payload. An empty payload is an empty resume point.
func Decode(b []byte) (ResumePoint, error) {
	var r ResumePoint
	if len(b) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("%w: checkpoint payload: %v", model.ErrValidation, err)
	}
	return r, nil
}

// CompletedStages returns the set of stage names recorded in r.
func (r ResumePoint) CompletedStages() map[string]StageResult {
	out := make(map[string]StageResult, len(r.Stages))
	for _, s := range r.Stages {
		out[s.Stage] = s
	}
	return out
}

// toRaw keeps a job result usable as raw JSON; non-JSON output is quoted.
func toRaw(result []byte) json.RawMessage {
	if len(result) == 0 {
		return nil
	}
	if json.Valid(result) {
		return json.RawMessage(result)
	}
	quoted, _ := json.Marshal(string(result))
	return quoted
}

// NewStageResult builds a StageResult from a job's raw output.
func NewStageResult(stage, jobID string, result []byte) StageResult {
	return StageResult{Stage: stage, JobID: jobID, Result: toRaw(result)}
}

type Manager struct {
	db      *store.Store
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

func New(db *store.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		db:      db,
		logger:  logger.With().Str("component", "checkpoint").Logger(),
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new checkpoint. It is durable when Create returns.
func (m *Manager) Create(ctx context.Context, executionID string, payload []byte) (*model.Checkpoint, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: missing execution id", model.ErrValidation)
	}
	cp := &model.Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		CreatedAt:   m.now(),
		Payload:     payload,
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.db.InsertCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	m.logger.Info().Str("execution", executionID).Str("checkpoint", cp.ID).Int64("seq", cp.Seq).Msg("checkpoint created")
	return cp, nil
}

// LoadLatest returns the newest checkpoint of an execution, or nil.
func (m *Manager) LoadLatest(ctx context.Context, executionID string) (*model.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.LatestCheckpoint(ctx, executionID)
}

// List returns every checkpoint of an execution, oldest first.
func (m *Manager) List(ctx context.Context, executionID string) ([]*model.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.ListCheckpoints(ctx, executionID)
}
