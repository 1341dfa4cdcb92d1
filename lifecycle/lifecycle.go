// Package lifecycle implements the introduction lifecycle: three workflow
// variants (opportunity, connection request, intro offer) sharing one
// parametrized state machine, plus the cross-entity rules that keep a
// subject's workflows mutually exclusive.
package lifecycle

import (
	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
)

// Kind identifies a workflow variant.
type Kind string

const (
	// KindOpportunity is a connector-driven introduction opportunity.
	KindOpportunity Kind = "opportunity"
	// KindRequest is an introducee-driven connection request.
	KindRequest Kind = "request"
	// KindOffer is a connector-driven intro offer with an extra
	// confirmation step.
	KindOffer Kind = "offer"
)

// Kinds lists all workflow variants.
func Kinds() []Kind {
	return []Kind{KindOpportunity, KindRequest, KindOffer}
}

// Status is the canonical workflow status shared across variants.
type Status string

const (
	// StatusOpen is the initial status for opportunities and requests.
	StatusOpen Status = "open"
	// StatusCreated is the initial status for offers.
	StatusCreated Status = "created"
	// StatusAccepted means the counterpart agreed to proceed.
	StatusAccepted Status = "accepted"
	// StatusConfirmed is the offer-only post-acceptance confirmation.
	StatusConfirmed Status = "confirmed"
	// StatusCompleted is the successful terminal status.
	StatusCompleted Status = "completed"
	// StatusPaused means a sibling workflow for the same subject was
	// accepted first.
	StatusPaused Status = "paused"
	// StatusDeclined is the rejected terminal status.
	StatusDeclined Status = "declined"
	// StatusCancelled is the abandoned terminal status.
	StatusCancelled Status = "cancelled"
)

// InitialStatus returns the status a fresh workflow of the given kind
// starts in.
func InitialStatus(kind Kind) Status {
	if kind == KindOffer {
		return StatusCreated
	}
	return StatusOpen
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// Opportunity is a connector proposing to introduce a subject.
type Opportunity struct {
	ID              id.OpportunityID `json:"id"`
	ConnectorUserID id.UserID        `json:"connector_user_id"`
	SubjectID       id.UserID        `json:"subject_id"`
	Status          Status           `json:"status"`
	BountyCredits   int              `json:"bounty_credits"`

	introq.Entity
}

// Request is an introducee asking to be connected to a subject.
type Request struct {
	ID               id.RequestID `json:"id"`
	RequestorUserID  id.UserID    `json:"requestor_user_id"`
	IntroduceeUserID id.UserID    `json:"introducee_user_id"`
	SubjectID        id.UserID    `json:"subject_id"`
	Status           Status       `json:"status"`

	introq.Entity
}

// Offer is a connector offering an introduction to an introducee, with a
// confirmation step after the introducee accepts.
type Offer struct {
	ID               id.OfferID `json:"id"`
	OfferingUserID   id.UserID  `json:"offering_user_id"`
	IntroduceeUserID id.UserID  `json:"introducee_user_id"`
	SubjectID        id.UserID  `json:"subject_id"`
	Status           Status     `json:"status"`
	BountyCredits    int        `json:"bounty_credits"`

	introq.Entity
}

// Ref is the kind-agnostic view of a workflow, used by the cross-entity
// rules that operate over all variants of a subject at once.
type Ref struct {
	Kind      Kind      `json:"kind"`
	ID        id.ID     `json:"id"`
	SubjectID id.UserID `json:"subject_id"`

	// OwnerUserID is the user credited and notified on completion: the
	// connector for opportunities, the requestor for requests, the
	// offering user for offers.
	OwnerUserID id.UserID `json:"owner_user_id"`

	Status Status `json:"status"`

	// Bounty is the credit amount at stake; zero for requests.
	Bounty int `json:"bounty"`
}

// Change is the event payload appended for every workflow status change.
type Change struct {
	Kind      Kind      `json:"kind"`
	EntityID  id.ID     `json:"entity_id"`
	SubjectID id.UserID `json:"subject_id"`
	OwnerID   id.UserID `json:"owner_id"`
	Status    Status    `json:"status"`
	Bounty    int       `json:"bounty,omitempty"`
}
