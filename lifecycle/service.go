package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/ext"
	"github.com/loopmark/introq/gateway"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/task"
)

// ConfirmReminderTask is the task name for the post-acceptance offer
// confirmation reminder.
const ConfirmReminderTask = "offer.confirm.reminder"

// DefaultReminderDelay is how long after an offer is accepted the
// confirmation reminder fires if the offering user has not confirmed.
const DefaultReminderDelay = 72 * time.Hour

// ServiceConfig wires the collaborators a Service needs.
type ServiceConfig struct {
	Store    Store
	Events   event.Store
	Tasks    task.Store
	Credits  *credit.Ledger
	Priority priority.Store

	// Gateway delivers user notifications; defaults to gateway.Nop.
	Gateway gateway.Messenger

	// Hooks is optional.
	Hooks *ext.Registry

	Logger *slog.Logger

	// ReminderDelay overrides DefaultReminderDelay.
	ReminderDelay time.Duration
}

// Service drives workflow transitions and reacts to the resulting events
// with the cross-entity rules.
type Service struct {
	store     Store
	events    event.Store
	tasks     task.Store
	scheduler *task.Scheduler
	credits   *credit.Ledger
	priority  priority.Store
	gateway   gateway.Messenger
	hooks     *ext.Registry
	logger    *slog.Logger
	reminder  time.Duration
}

// NewService creates the lifecycle service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gw := cfg.Gateway
	if gw == nil {
		gw = gateway.Nop{}
	}
	delay := cfg.ReminderDelay
	if delay <= 0 {
		delay = DefaultReminderDelay
	}
	return &Service{
		store:     cfg.Store,
		events:    cfg.Events,
		tasks:     cfg.Tasks,
		scheduler: task.NewScheduler(cfg.Tasks, logger),
		credits:   cfg.Credits,
		priority:  cfg.Priority,
		gateway:   gw,
		hooks:     cfg.Hooks,
		logger:    logger,
		reminder:  delay,
	}
}

// ---------------------------------------------------------------------------
// Workflow creation
// ---------------------------------------------------------------------------

// CreateOpportunity opens a new introduction opportunity.
func (s *Service) CreateOpportunity(ctx context.Context, connectorID, subjectID id.UserID, bounty int) (*Opportunity, error) {
	o := &Opportunity{
		ID:              id.NewOpportunityID(),
		ConnectorUserID: connectorID,
		SubjectID:       subjectID,
		Status:          InitialStatus(KindOpportunity),
		BountyCredits:   bounty,
		Entity:          introq.NewEntity(),
	}
	if err := s.store.CreateOpportunity(ctx, o); err != nil {
		return nil, err
	}
	if err := s.appendChange(ctx, "opportunity.created", Change{
		Kind: KindOpportunity, EntityID: o.ID, SubjectID: subjectID,
		OwnerID: connectorID, Status: o.Status, Bounty: bounty,
	}); err != nil {
		return nil, err
	}
	return o, nil
}

// CreateRequest opens a new connection request.
func (s *Service) CreateRequest(ctx context.Context, requestorID, introduceeID, subjectID id.UserID) (*Request, error) {
	r := &Request{
		ID:               id.NewRequestID(),
		RequestorUserID:  requestorID,
		IntroduceeUserID: introduceeID,
		SubjectID:        subjectID,
		Status:           InitialStatus(KindRequest),
		Entity:           introq.NewEntity(),
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	if err := s.appendChange(ctx, "request.created", Change{
		Kind: KindRequest, EntityID: r.ID, SubjectID: subjectID,
		OwnerID: requestorID, Status: r.Status,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateOffer creates a new intro offer.
func (s *Service) CreateOffer(ctx context.Context, offeringID, introduceeID, subjectID id.UserID, bounty int) (*Offer, error) {
	o := &Offer{
		ID:               id.NewOfferID(),
		OfferingUserID:   offeringID,
		IntroduceeUserID: introduceeID,
		SubjectID:        subjectID,
		Status:           InitialStatus(KindOffer),
		BountyCredits:    bounty,
		Entity:           introq.NewEntity(),
	}
	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}
	if err := s.appendChange(ctx, "offer.created", Change{
		Kind: KindOffer, EntityID: o.ID, SubjectID: subjectID,
		OwnerID: offeringID, Status: o.Status, Bounty: bounty,
	}); err != nil {
		return nil, err
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Accept applies the accept action to any workflow kind.
func (s *Service) Accept(ctx context.Context, kind Kind, entityID id.ID) error {
	return s.apply(ctx, kind, entityID, ActionAccept)
}

// Confirm applies the offer-only confirmation step.
func (s *Service) Confirm(ctx context.Context, offerID id.OfferID) error {
	return s.apply(ctx, KindOffer, offerID, ActionConfirm)
}

// Complete applies the complete action to any workflow kind.
func (s *Service) Complete(ctx context.Context, kind Kind, entityID id.ID) error {
	return s.apply(ctx, kind, entityID, ActionComplete)
}

// Decline applies the decline action to any workflow kind.
func (s *Service) Decline(ctx context.Context, kind Kind, entityID id.ID) error {
	return s.apply(ctx, kind, entityID, ActionDecline)
}

// Cancel applies the cancel action to any workflow kind.
func (s *Service) Cancel(ctx context.Context, kind Kind, entityID id.ID) error {
	return s.apply(ctx, kind, entityID, ActionCancel)
}

// eventSuffix maps an action to the past-tense event name component.
func eventSuffix(action Action) string {
	switch action {
	case ActionAccept:
		return "accepted"
	case ActionConfirm:
		return "confirmed"
	case ActionComplete:
		return "completed"
	case ActionDecline:
		return "declined"
	case ActionCancel:
		return "cancelled"
	case ActionPause:
		return "paused"
	default:
		return string(action)
	}
}

// apply loads the workflow, transitions it, persists the new status, and
// appends the corresponding lifecycle event.
func (s *Service) apply(ctx context.Context, kind Kind, entityID id.ID, action Action) error {
	ref, err := s.loadRef(ctx, kind, entityID)
	if err != nil {
		return err
	}

	next, err := Transition(kind, ref.Status, action)
	if err != nil {
		return err
	}

	if err := s.store.UpdateWorkflowStatus(ctx, kind, entityID, next); err != nil {
		return err
	}

	name := fmt.Sprintf("%s.%s", kind, eventSuffix(action))
	return s.appendChange(ctx, name, Change{
		Kind:      kind,
		EntityID:  entityID,
		SubjectID: ref.SubjectID,
		OwnerID:   ref.OwnerUserID,
		Status:    next,
		Bounty:    ref.Bounty,
	})
}

// loadRef fetches the kind-agnostic view of a workflow.
func (s *Service) loadRef(ctx context.Context, kind Kind, entityID id.ID) (Ref, error) {
	switch kind {
	case KindOpportunity:
		o, err := s.store.GetOpportunity(ctx, entityID)
		if err != nil {
			return Ref{}, err
		}
		return Ref{
			Kind: kind, ID: o.ID, SubjectID: o.SubjectID,
			OwnerUserID: o.ConnectorUserID, Status: o.Status, Bounty: o.BountyCredits,
		}, nil
	case KindRequest:
		r, err := s.store.GetRequest(ctx, entityID)
		if err != nil {
			return Ref{}, err
		}
		return Ref{
			Kind: kind, ID: r.ID, SubjectID: r.SubjectID,
			OwnerUserID: r.RequestorUserID, Status: r.Status,
		}, nil
	case KindOffer:
		o, err := s.store.GetOffer(ctx, entityID)
		if err != nil {
			return Ref{}, err
		}
		return Ref{
			Kind: kind, ID: o.ID, SubjectID: o.SubjectID,
			OwnerUserID: o.OfferingUserID, Status: o.Status, Bounty: o.BountyCredits,
		}, nil
	default:
		return Ref{}, fmt.Errorf("lifecycle: unknown kind %q", kind)
	}
}

// appendChange writes a lifecycle event to the durable log.
func (s *Service) appendChange(ctx context.Context, name string, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("lifecycle: encode %s payload: %w", name, err)
	}
	evt := &event.Event{
		ID:            id.NewEventID(),
		Name:          name,
		AggregateID:   ch.EntityID,
		AggregateKind: string(ch.Kind),
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     "lifecycle",
	}
	if err := s.events.AppendEvent(ctx, evt); err != nil {
		return err
	}
	if s.hooks != nil {
		s.hooks.EmitEventAppended(ctx, evt)
	}
	return nil
}
