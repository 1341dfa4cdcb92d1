package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/lifecycle"
)

func (a *API) createOpportunity(ctx forge.Context, req *CreateOpportunityRequest) (*lifecycle.Opportunity, error) {
	connectorID, err := id.ParseUserID(req.ConnectorUserID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid connector user ID: %v", err))
	}
	subjectID, err := id.ParseUserID(req.SubjectID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid subject ID: %v", err))
	}

	opp, err := a.eng.Lifecycle().CreateOpportunity(ctx.Context(), connectorID, subjectID, req.BountyCredits)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return opp, ctx.JSON(http.StatusCreated, opp)
}

func (a *API) getOpportunity(ctx forge.Context, _ *GetOpportunityRequest) (*lifecycle.Opportunity, error) {
	oppID, err := id.ParseOpportunityID(ctx.Param("opportunityId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid opportunity ID: %v", err))
	}

	ls, err := a.lifecycleStore()
	if err != nil {
		return nil, err
	}

	opp, err := ls.GetOpportunity(ctx.Context(), oppID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return opp, ctx.JSON(http.StatusOK, opp)
}

func (a *API) createRequest(ctx forge.Context, req *CreateRequestRequest) (*lifecycle.Request, error) {
	requestorID, err := id.ParseUserID(req.RequestorUserID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid requestor user ID: %v", err))
	}
	introduceeID, err := id.ParseUserID(req.IntroduceeUserID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid introducee user ID: %v", err))
	}
	subjectID, err := id.ParseUserID(req.SubjectID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid subject ID: %v", err))
	}

	r, err := a.eng.Lifecycle().CreateRequest(ctx.Context(), requestorID, introduceeID, subjectID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return r, ctx.JSON(http.StatusCreated, r)
}

func (a *API) getRequest(ctx forge.Context, _ *GetRequestRequest) (*lifecycle.Request, error) {
	reqID, err := id.ParseRequestID(ctx.Param("requestId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid request ID: %v", err))
	}

	ls, err := a.lifecycleStore()
	if err != nil {
		return nil, err
	}

	r, err := ls.GetRequest(ctx.Context(), reqID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return r, ctx.JSON(http.StatusOK, r)
}

func (a *API) createOffer(ctx forge.Context, req *CreateOfferRequest) (*lifecycle.Offer, error) {
	offeringID, err := id.ParseUserID(req.OfferingUserID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid offering user ID: %v", err))
	}
	introduceeID, err := id.ParseUserID(req.IntroduceeUserID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid introducee user ID: %v", err))
	}
	subjectID, err := id.ParseUserID(req.SubjectID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid subject ID: %v", err))
	}

	o, err := a.eng.Lifecycle().CreateOffer(ctx.Context(), offeringID, introduceeID, subjectID, req.BountyCredits)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return o, ctx.JSON(http.StatusCreated, o)
}

func (a *API) getOffer(ctx forge.Context, _ *GetOfferRequest) (*lifecycle.Offer, error) {
	offerID, err := id.ParseOfferID(ctx.Param("offerId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid offer ID: %v", err))
	}

	ls, err := a.lifecycleStore()
	if err != nil {
		return nil, err
	}

	o, err := ls.GetOffer(ctx.Context(), offerID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return o, ctx.JSON(http.StatusOK, o)
}

func (a *API) confirmOffer(ctx forge.Context, _ *ConfirmOfferRequest) (*struct{}, error) {
	offerID, err := id.ParseOfferID(ctx.Param("offerId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid offer ID: %v", err))
	}

	if err := a.eng.Lifecycle().Confirm(ctx.Context(), offerID); err != nil {
		return nil, mapStoreError(err)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) acceptIntroduction(ctx forge.Context, _ *AcceptIntroductionRequest) (*struct{}, error) {
	return a.applyTransition(ctx, a.eng.Lifecycle().Accept)
}

func (a *API) completeIntroduction(ctx forge.Context, _ *CompleteIntroductionRequest) (*struct{}, error) {
	return a.applyTransition(ctx, a.eng.Lifecycle().Complete)
}

func (a *API) declineIntroduction(ctx forge.Context, _ *DeclineIntroductionRequest) (*struct{}, error) {
	return a.applyTransition(ctx, a.eng.Lifecycle().Decline)
}

func (a *API) cancelIntroduction(ctx forge.Context, _ *CancelIntroductionRequest) (*struct{}, error) {
	return a.applyTransition(ctx, a.eng.Lifecycle().Cancel)
}

func (a *API) listActiveIntroductions(ctx forge.Context, _ *ListActiveIntroductionsRequest) ([]lifecycle.Ref, error) {
	return a.listRefs(ctx, lifecycle.Store.ListActiveBySubject)
}

func (a *API) listPausedIntroductions(ctx forge.Context, _ *ListPausedIntroductionsRequest) ([]lifecycle.Ref, error) {
	return a.listRefs(ctx, lifecycle.Store.ListPausedBySubject)
}

// applyTransition parses the :kind/:entityId pair and runs one lifecycle
// transition against it.
func (a *API) applyTransition(ctx forge.Context, fn func(c context.Context, kind lifecycle.Kind, entityID id.ID) error) (*struct{}, error) {
	kind, entityID, err := parseWorkflowRef(ctx.Param("kind"), ctx.Param("entityId"))
	if err != nil {
		return nil, err
	}

	if err := fn(ctx.Context(), kind, entityID); err != nil {
		return nil, mapStoreError(err)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) listRefs(ctx forge.Context, fn func(s lifecycle.Store, c context.Context, subjectID id.UserID) ([]lifecycle.Ref, error)) ([]lifecycle.Ref, error) {
	subjectID, err := id.ParseUserID(ctx.Param("subjectId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid subject ID: %v", err))
	}

	ls, err := a.lifecycleStore()
	if err != nil {
		return nil, err
	}

	refs, err := fn(ls, ctx.Context(), subjectID)
	if err != nil {
		return nil, fmt.Errorf("list introductions: %w", err)
	}

	return refs, ctx.JSON(http.StatusOK, refs)
}

func (a *API) lifecycleStore() (lifecycle.Store, error) {
	ls, ok := a.eng.Runtime().Store().(lifecycle.Store)
	if !ok {
		return nil, fmt.Errorf("store does not implement lifecycle.Store")
	}
	return ls, nil
}

// parseWorkflowRef resolves a kind path segment and an entity ID with the
// prefix matching that kind.
func parseWorkflowRef(kindStr, idStr string) (lifecycle.Kind, id.ID, error) {
	kind := lifecycle.Kind(kindStr)
	var (
		entityID id.ID
		err      error
	)
	switch kind {
	case lifecycle.KindOpportunity:
		entityID, err = id.ParseOpportunityID(idStr)
	case lifecycle.KindRequest:
		entityID, err = id.ParseRequestID(idStr)
	case lifecycle.KindOffer:
		entityID, err = id.ParseOfferID(idStr)
	default:
		return "", id.Nil, forge.BadRequest(fmt.Sprintf("unknown workflow kind %q", kindStr))
	}
	if err != nil {
		return "", id.Nil, forge.BadRequest(fmt.Sprintf("invalid %s ID: %v", kind, err))
	}
	return kind, entityID, nil
}
