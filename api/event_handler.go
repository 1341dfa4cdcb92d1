package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xraph/forge"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
)

func (a *API) appendEvent(ctx forge.Context, req *AppendEventRequest) (*event.Event, error) {
	if req.Name == "" {
		return nil, forge.BadRequest("event name is required")
	}

	evt := &event.Event{
		ID:            id.NewEventID(),
		Name:          req.Name,
		AggregateKind: req.AggregateKind,
		Payload:       req.Payload,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     "api",
	}
	if req.AggregateID != "" {
		aggID, err := id.Parse(req.AggregateID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid aggregate ID: %v", err))
		}
		evt.AggregateID = aggID
	}

	if err := a.eng.EventStore().AppendEvent(ctx.Context(), evt); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	a.eng.Extensions().EmitEventAppended(ctx.Context(), evt)

	return evt, ctx.JSON(http.StatusCreated, evt)
}

func (a *API) listEvents(ctx forge.Context, req *ListEventsRequest) ([]*event.Event, error) {
	events, err := a.eng.EventStore().ListUnprocessedEvents(ctx.Context(), event.ListOpts{
		Limit:  defaultLimit(req.Limit),
		Offset: req.Offset,
		Name:   req.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	return events, ctx.JSON(http.StatusOK, events)
}

func (a *API) getEvent(ctx forge.Context, _ *GetEventRequest) (*event.Event, error) {
	eventID, err := id.ParseEventID(ctx.Param("eventId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid event ID: %v", err))
	}

	evt, err := a.eng.EventStore().GetEvent(ctx.Context(), eventID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return evt, ctx.JSON(http.StatusOK, evt)
}

func (a *API) eventCounts(ctx forge.Context) error {
	c := ctx.Context()

	var resp EventCountsResponse
	for _, processed := range []bool{false, true} {
		processed := processed
		count, err := a.eng.EventStore().CountEvents(c, event.CountOpts{Processed: &processed})
		if err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		if processed {
			resp.Processed = count
		} else {
			resp.Unprocessed = count
		}
	}

	return ctx.JSON(http.StatusOK, resp)
}

func (a *API) processEvent(ctx forge.Context, _ *ProcessEventRequest) (*ProcessResponse, error) {
	eventID, err := id.ParseEventID(ctx.Param("eventId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid event ID: %v", err))
	}

	settled, err := a.eng.ProcessEvent(ctx.Context(), eventID)
	if err != nil {
		if errors.Is(err, introq.ErrEventAlreadyProcessed) {
			return nil, forge.BadRequest(err.Error())
		}
		return nil, mapStoreError(err)
	}

	resp := &ProcessResponse{Settled: settled}
	return resp, ctx.JSON(http.StatusOK, resp)
}

func (a *API) dispatchEvents(ctx forge.Context) error {
	n, err := a.eng.TriggerEventBatch(ctx.Context())
	if err != nil {
		return fmt.Errorf("dispatch events: %w", err)
	}

	return ctx.JSON(http.StatusOK, DispatchResponse{Dispatched: n})
}

// mapStoreError converts introq sentinel errors to forge HTTP errors.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return forge.NotFound(err.Error())
	}
	if errors.Is(err, introq.ErrInvalidTransition) {
		return forge.BadRequest(err.Error())
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, introq.ErrEventNotFound) ||
		errors.Is(err, introq.ErrTaskNotFound) ||
		errors.Is(err, introq.ErrDLQNotFound) ||
		errors.Is(err, introq.ErrOpportunityNotFound) ||
		errors.Is(err, introq.ErrRequestNotFound) ||
		errors.Is(err, introq.ErrOfferNotFound) ||
		errors.Is(err, introq.ErrPriorityNotFound)
}
