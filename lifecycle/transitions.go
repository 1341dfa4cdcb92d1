package lifecycle

import (
	"fmt"

	"github.com/loopmark/introq"
)

// Action is an operation applied to a workflow.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionConfirm  Action = "confirm"
	ActionComplete Action = "complete"
	ActionDecline  Action = "decline"
	ActionCancel   Action = "cancel"
	ActionPause    Action = "pause"
)

// transition is one legal edge in the state machine.
type transition struct {
	kind   Kind // empty matches every kind
	from   Status
	action Action
	to     Status
}

// transitions is the full parametrized table. Opportunities and requests
// share every edge; offers start in created and route completion through
// the confirmation step.
var transitions = []transition{
	// Opportunity and request edges.
	{KindOpportunity, StatusOpen, ActionAccept, StatusAccepted},
	{KindOpportunity, StatusOpen, ActionDecline, StatusDeclined},
	{KindOpportunity, StatusOpen, ActionPause, StatusPaused},
	{KindOpportunity, StatusAccepted, ActionComplete, StatusCompleted},
	{KindOpportunity, StatusAccepted, ActionCancel, StatusCancelled},
	{KindOpportunity, StatusPaused, ActionCancel, StatusCancelled},

	{KindRequest, StatusOpen, ActionAccept, StatusAccepted},
	{KindRequest, StatusOpen, ActionDecline, StatusDeclined},
	{KindRequest, StatusOpen, ActionPause, StatusPaused},
	{KindRequest, StatusAccepted, ActionComplete, StatusCompleted},
	{KindRequest, StatusAccepted, ActionCancel, StatusCancelled},
	{KindRequest, StatusPaused, ActionCancel, StatusCancelled},

	// Offer edges: created initial, confirm between accept and complete.
	{KindOffer, StatusCreated, ActionAccept, StatusAccepted},
	{KindOffer, StatusCreated, ActionDecline, StatusDeclined},
	{KindOffer, StatusCreated, ActionPause, StatusPaused},
	{KindOffer, StatusAccepted, ActionConfirm, StatusConfirmed},
	{KindOffer, StatusAccepted, ActionCancel, StatusCancelled},
	{KindOffer, StatusConfirmed, ActionComplete, StatusCompleted},
	{KindOffer, StatusPaused, ActionCancel, StatusCancelled},
}

// Transition returns the status that applying action to a workflow of the
// given kind in status from yields, or ErrInvalidTransition.
func Transition(kind Kind, from Status, action Action) (Status, error) {
	for _, tr := range transitions {
		if tr.kind == kind && tr.from == from && tr.action == action {
			return tr.to, nil
		}
	}
	return "", fmt.Errorf("%w: %s %s cannot %s", introq.ErrInvalidTransition, kind, from, action)
}

// CanTransition reports whether applying action is legal for the given kind
// and status.
func CanTransition(kind Kind, from Status, action Action) bool {
	_, err := Transition(kind, from, action)
	return err == nil
}
