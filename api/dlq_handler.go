package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
)

func (a *API) listDLQ(ctx forge.Context, req *ListDLQRequest) ([]*dlq.Entry, error) {
	entries, err := a.eng.DLQService().List(ctx.Context(), dlq.ListOpts{
		Limit:     defaultLimit(req.Limit),
		Offset:    req.Offset,
		EventName: req.EventName,
	})
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}

	return entries, ctx.JSON(http.StatusOK, entries)
}

func (a *API) getDLQ(ctx forge.Context, _ *GetDLQRequest) (*dlq.Entry, error) {
	entryID, err := id.ParseDeadLetterID(ctx.Param("entryId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid DLQ entry ID: %v", err))
	}

	entry, err := a.eng.DLQService().Get(ctx.Context(), entryID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return entry, ctx.JSON(http.StatusOK, entry)
}

func (a *API) replayDLQ(ctx forge.Context, _ *ReplayDLQRequest) (*event.Event, error) {
	entryID, err := id.ParseDeadLetterID(ctx.Param("entryId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid DLQ entry ID: %v", err))
	}

	evt, err := a.eng.DLQService().Replay(ctx.Context(), entryID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return evt, ctx.JSON(http.StatusCreated, evt)
}

func (a *API) purgeDLQ(ctx forge.Context) error {
	// Purge entries older than 30 days.
	count, err := a.eng.DLQService().Purge(ctx.Context(), 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("purge dlq: %w", err)
	}

	return ctx.JSON(http.StatusOK, PurgeDLQResponse{Purged: count})
}

func (a *API) dlqCount(ctx forge.Context) error {
	count, err := a.eng.DLQService().Count(ctx.Context())
	if err != nil {
		return fmt.Errorf("count dlq: %w", err)
	}

	return ctx.JSON(http.StatusOK, DLQCountResponse{Count: count})
}
