package model

import (
	"sort"
	"time"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is sticky: completed, failed and cancelled
// executions never change status again (except through an explicit resume).
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// JobSet names the aggregate set of an execution a job belongs to.
type JobSet string

const (
	SetNone      JobSet = ""
	SetCurrent   JobSet = "current"
	SetCompleted JobSet = "completed"
	SetFailed    JobSet = "failed"
)

// TrackedJob is the execution-side record of one scheduled job.
type TrackedJob struct {
	JobID    string `json:"job_id"`
	Stage    string `json:"stage"`
	Set      JobSet `json:"set"`
	Required bool   `json:"required"`
	// Seq orders completed jobs; zero for the other sets.
	Seq int `json:"seq,omitempty"`
}

// Execution is one end-to-end run of a workflow.
type Execution struct {
	ID          string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`

	CurrentJobs   []string `json:"current_jobs"`
	CompletedJobs []string `json:"completed_jobs"` // in completion order
	FailedJobs    []string `json:"failed_jobs"`

	CheckpointID  string `json:"checkpoint_id,omitempty"`
	CheckpointSeq int64  `json:"-"`
	Planned       int    `json:"planned"`

	// Jobs maps job id to its tracking record.
	Jobs     map[string]TrackedJob `json:"-"`
	Workflow Workflow              `json:"-"`
}

type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
}

func (e *Execution) Progress() Progress {
	p := Progress{
		Completed: len(e.CompletedJobs),
		Failed:    len(e.FailedJobs),
		Running:   len(e.CurrentJobs),
	}
	p.Total = p.Completed + p.Failed + p.Running
	return p
}

// StageSet returns the stages whose jobs are in set.
func (e *Execution) StageSet(set JobSet) map[string]string {
	out := map[string]string{}
	for id, tj := range e.Jobs {
		if tj.Set == set {
			out[tj.Stage] = id
		}
	}
	return out
}

// Rebuild derives the three job sets from Jobs. Completed jobs are ordered
// by Seq, the others by job id.
func (e *Execution) Rebuild() {
	e.CurrentJobs, e.CompletedJobs, e.FailedJobs = []string{}, []string{}, []string{}
	for id, tj := range e.Jobs {
		switch tj.Set {
		case SetCurrent:
			e.CurrentJobs = append(e.CurrentJobs, id)
		case SetCompleted:
			e.CompletedJobs = append(e.CompletedJobs, id)
		case SetFailed:
			e.FailedJobs = append(e.FailedJobs, id)
		}
	}
	sort.Strings(e.CurrentJobs)
	sort.Strings(e.FailedJobs)
	sort.Slice(e.CompletedJobs, func(a, b int) bool {
		return e.Jobs[e.CompletedJobs[a]].Seq < e.Jobs[e.CompletedJobs[b]].Seq
	})
}

// NextSeq returns the sequence number for the next completed job.
func (e *Execution) NextSeq() int {
	top := 0
	for _, tj := range e.Jobs {
		if tj.Seq > top {
			top = tj.Seq
		}
	}
	return top + 1
}

// Clone returns a deep copy safe to mutate.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Jobs = make(map[string]TrackedJob, len(e.Jobs))
	for id, tj := range e.Jobs {
		cp.Jobs[id] = tj
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.CurrentJobs = append([]string(nil), e.CurrentJobs...)
	cp.CompletedJobs = append([]string(nil), e.CompletedJobs...)
	cp.FailedJobs = append([]string(nil), e.FailedJobs...)
	return &cp
}
