package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/task"
)

func (a *API) scheduleTask(ctx forge.Context, req *ScheduleTaskRequest) (*task.Task, error) {
	if req.Name == "" {
		return nil, forge.BadRequest("task name is required")
	}

	t := &task.Task{
		Name:         req.Name,
		AgentKind:    req.AgentKind,
		ContextKind:  req.ContextKind,
		ScheduledFor: req.ScheduledFor,
		Priority:     task.Priority(req.Priority),
		MaxRetries:   req.MaxRetries,
		Context:      req.Context,
		CreatedBy:    "api",
	}
	if req.UserID != "" {
		userID, err := id.ParseUserID(req.UserID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
		}
		t.UserID = userID
	}
	if req.ContextID != "" {
		ctxID, err := id.Parse(req.ContextID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid context ID: %v", err))
		}
		t.ContextID = ctxID
	}

	if err := a.eng.ScheduleRaw(ctx.Context(), t); err != nil {
		return nil, fmt.Errorf("schedule task: %w", err)
	}

	return t, ctx.JSON(http.StatusCreated, t)
}

func (a *API) listTasks(ctx forge.Context, req *ListTasksRequest) ([]*task.Task, error) {
	opts := task.ListOpts{
		Limit:     defaultLimit(req.Limit),
		Offset:    req.Offset,
		Name:      req.Name,
		AgentKind: req.AgentKind,
	}
	if req.UserID != "" {
		userID, err := id.ParseUserID(req.UserID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
		}
		opts.UserID = userID
	}

	tasks, err := a.eng.TaskStore().ListTasksByState(ctx.Context(), taskStateFromString(req.State), opts)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return tasks, ctx.JSON(http.StatusOK, tasks)
}

func (a *API) getTask(ctx forge.Context, _ *GetTaskRequest) (*task.Task, error) {
	taskID, err := id.ParseTaskID(ctx.Param("taskId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid task ID: %v", err))
	}

	t, err := a.eng.TaskStore().GetTask(ctx.Context(), taskID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return t, ctx.JSON(http.StatusOK, t)
}

func (a *API) cancelTask(ctx forge.Context, _ *CancelTaskRequest) (*struct{}, error) {
	taskID, err := id.ParseTaskID(ctx.Param("taskId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid task ID: %v", err))
	}

	ts := a.eng.TaskStore()
	t, err := ts.GetTask(ctx.Context(), taskID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	if t.State != task.StatePending {
		return nil, forge.BadRequest(fmt.Sprintf("can only cancel pending tasks, current state: %s", t.State))
	}

	now := time.Now().UTC()
	t.State = task.StateCancelled
	t.CompletedAt = &now
	if updateErr := ts.UpdateTask(ctx.Context(), t); updateErr != nil {
		return nil, fmt.Errorf("cancel task: %w", updateErr)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) taskCounts(ctx forge.Context) error {
	c := ctx.Context()

	states := []task.State{
		task.StatePending,
		task.StateProcessing,
		task.StateCompleted,
		task.StateFailed,
		task.StateCancelled,
	}

	resp := TaskCountsResponse{}
	for _, state := range states {
		count, err := a.eng.TaskStore().CountTasks(c, task.CountOpts{State: state})
		if err != nil {
			return fmt.Errorf("count tasks (%s): %w", state, err)
		}
		switch state {
		case task.StatePending:
			resp.Pending = count
		case task.StateProcessing:
			resp.Processing = count
		case task.StateCompleted:
			resp.Completed = count
		case task.StateFailed:
			resp.Failed = count
		case task.StateCancelled:
			resp.Cancelled = count
		}
	}

	return ctx.JSON(http.StatusOK, resp)
}

func (a *API) processTask(ctx forge.Context, _ *ProcessTaskRequest) (*ProcessResponse, error) {
	taskID, err := id.ParseTaskID(ctx.Param("taskId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid task ID: %v", err))
	}

	settled, err := a.eng.ProcessTask(ctx.Context(), taskID)
	if err != nil {
		if errors.Is(err, introq.ErrTaskNotPending) {
			return nil, forge.BadRequest(err.Error())
		}
		return nil, mapStoreError(err)
	}

	resp := &ProcessResponse{Settled: settled}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) dispatchTasks(ctx forge.Context) error {
	n, err := a.eng.TriggerTaskBatch(ctx.Context())
	if err != nil {
		return fmt.Errorf("dispatch tasks: %w", err)
	}

	return ctx.JSON(http.StatusOK, DispatchResponse{Dispatched: n})
}

// taskStateFromString maps a query string to a task state, defaulting to
// pending.
func taskStateFromString(s string) task.State {
	switch task.State(s) {
	case task.StateProcessing, task.StateCompleted, task.StateFailed, task.StateCancelled:
		return task.State(s)
	default:
		return task.StatePending
	}
}
