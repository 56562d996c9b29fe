package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"trainctl/internal/model"
)

// Coordinator is the workflow side of the API.
type Coordinator interface {
	Submit(ctx context.Context, wf model.Workflow) (*model.Execution, error)
	Cancel(ctx context.Context, executionID string, force bool) (*model.Execution, error)
	Checkpoint(ctx context.Context, executionID string) (*model.Checkpoint, error)
	Resume(ctx context.Context, executionID string) (*model.Execution, error)
}

// Executions reads execution state.
type Executions interface {
	Get(ctx context.Context, id string) (*model.Execution, error)
}

// Queue is the control surface of the job queue.
type Queue interface {
	Stats(ctx context.Context) (model.QueueStats, error)
	Healthy(ctx context.Context) bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

type ExecutionView struct {
	ExecutionID  string                `json:"executionId"`
	WorkflowID   string                `json:"workflowId"`
	Status       model.ExecutionStatus `json:"status"`
	StartedAt    time.Time             `json:"startedAt"`
	CompletedAt  *time.Time            `json:"completedAt"`
	Progress     model.Progress        `json:"progress"`
	CheckpointID *string               `json:"checkpointId"`
}

func viewOf(e *model.Execution) ExecutionView {
	v := ExecutionView{
		ExecutionID: e.ID,
		WorkflowID:  e.WorkflowID,
		Status:      e.Status,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Progress:    e.Progress(),
	}
	if e.CheckpointID != "" {
		id := e.CheckpointID
		v.CheckpointID = &id
	}
	return v
}

type StatsView struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
	Total     int `json:"total"`
}

type QueueStatsView struct {
	Healthy bool      `json:"healthy"`
	Stats   StatsView `json:"stats"`
}

type CheckpointView struct {
	CheckpointID string    `json:"checkpointId"`
	ExecutionID  string    `json:"executionId"`
	Seq          int64     `json:"seq"`
	CreatedAt    time.Time `json:"createdAt"`
}

func GetExecutionHandler(states Executions) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		e, err := states.Get(c.Request().Context(), id)
		if err != nil {
			return fromDomain(err)
		}
		if e == nil {
			return notFound("execution " + id + " not found")
		}
		return c.JSON(http.StatusOK, viewOf(e))
	}
}

func QueueStatsHandler(q Queue) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		v := QueueStatsView{Healthy: q.Healthy(ctx)}
		if v.Healthy {
			s, err := q.Stats(ctx)
			if err != nil {
				return fromDomain(err)
			}
			v.Stats = StatsView{
				Waiting: s.Waiting, Active: s.Active, Completed: s.Completed,
				Failed: s.Failed, Delayed: s.Delayed, Paused: s.Paused, Total: s.Total(),
			}
		}
		return c.JSON(http.StatusOK, v)
	}
}

func QueueResumeHandler(q Queue) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := q.Resume(c.Request().Context()); err != nil {
			return fromDomain(err)
		}
		return c.JSON(http.StatusOK, map[string]bool{"resumed": true})
	}
}

func QueuePauseHandler(q Queue) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := q.Pause(c.Request().Context()); err != nil {
			return fromDomain(err)
		}
		return c.JSON(http.StatusOK, map[string]bool{"paused": true})
	}
}

// SubmitWorkflowHandler accepts a workflow document in YAML or JSON.
func SubmitWorkflowHandler(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
		if err != nil {
			return newError(http.StatusBadRequest, "can not read request body", "", err)
		}
		wf, err := model.ParseWorkflow(body)
		if err != nil {
			return fromDomain(err)
		}
		e, err := coord.Submit(c.Request().Context(), *wf)
		if err != nil {
			return fromDomain(err)
		}
		return c.JSON(http.StatusCreated, viewOf(e))
	}
}

func CancelExecutionHandler(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		force := false
		if raw := c.QueryParam("force"); raw != "" {
			f, err := strconv.ParseBool(raw)
			if err != nil {
				return newError(http.StatusBadRequest, "force must be a boolean", "", err)
			}
			force = f
		}
		e, err := coord.Cancel(c.Request().Context(), c.Param("id"), force)
		if err != nil {
			return fromDomain(err)
		}
		return c.JSON(http.StatusOK, viewOf(e))
	}
}

func CheckpointExecutionHandler(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		cp, err := coord.Checkpoint(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fromDomain(err)
		}
		return c.JSON(http.StatusCreated, CheckpointView{
			CheckpointID: cp.ID, ExecutionID: cp.ExecutionID, Seq: cp.Seq, CreatedAt: cp.CreatedAt,
		})
	}
}

func ResumeExecutionHandler(coord Coordinator) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := coord.Resume(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fromDomain(err)
		}
		return c.JSON(http.StatusOK, viewOf(e))
	}
}
