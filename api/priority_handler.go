package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
)

func (a *API) priorityNext(ctx forge.Context, _ *PriorityNextRequest) (*priority.Entry, error) {
	userID, err := id.ParseUserID(ctx.Param("userId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
	}

	entry, err := a.eng.PriorityStore().NextForUser(ctx.Context(), userID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return entry, ctx.JSON(http.StatusOK, entry)
}

func (a *API) priorityList(ctx forge.Context, req *ListPriorityRequest) ([]*priority.Entry, error) {
	userID, err := id.ParseUserID(ctx.Param("userId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid user ID: %v", err))
	}

	entries, err := a.eng.PriorityStore().ListForUser(ctx.Context(), userID, defaultLimit(req.Limit))
	if err != nil {
		return nil, fmt.Errorf("list priority entries: %w", err)
	}

	return entries, ctx.JSON(http.StatusOK, entries)
}
