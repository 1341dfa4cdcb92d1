package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/id"
)

func (a *API) listActions(ctx forge.Context, req *ListActionsRequest) ([]*audit.Action, error) {
	opts := audit.ListOpts{
		Limit:     defaultLimit(req.Limit),
		Offset:    req.Offset,
		AgentKind: req.AgentKind,
	}
	if req.TaskID != "" {
		taskID, err := id.ParseTaskID(req.TaskID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid task ID: %v", err))
		}
		opts.TaskID = taskID
	}
	if req.UserID != "" {
		userID, err := id.ParseUserID(req.UserID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
		}
		opts.UserID = userID
	}

	actions, err := a.eng.AuditStore().ListActions(ctx.Context(), opts)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}

	return actions, ctx.JSON(http.StatusOK, actions)
}
