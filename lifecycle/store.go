package lifecycle

import (
	"context"

	"github.com/loopmark/introq/id"
)

// Store persists the three workflow variants.
type Store interface {
	CreateOpportunity(ctx context.Context, o *Opportunity) error
	GetOpportunity(ctx context.Context, oppID id.OpportunityID) (*Opportunity, error)
	UpdateOpportunity(ctx context.Context, o *Opportunity) error

	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, reqID id.RequestID) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error

	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, offerID id.OfferID) (*Offer, error)
	UpdateOffer(ctx context.Context, o *Offer) error

	// ListActiveBySubject returns every workflow across all variants for
	// subjectID still in its initial status (open or created).
	ListActiveBySubject(ctx context.Context, subjectID id.UserID) ([]Ref, error)

	// ListPausedBySubject returns every paused workflow across all
	// variants for subjectID.
	ListPausedBySubject(ctx context.Context, subjectID id.UserID) ([]Ref, error)

	// UpdateWorkflowStatus sets the status of a single workflow
	// identified by kind and ID.
	UpdateWorkflowStatus(ctx context.Context, kind Kind, entityID id.ID, status Status) error
}
