package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/gateway"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/task"
)

// reminderContext is the payload of the offer confirmation reminder task.
type reminderContext struct {
	OfferID string `json:"offer_id"`
}

// RegisterEventHandlers registers the lifecycle reactions for every workflow
// event into reg. The handlers implement the cross-entity rules; they are
// idempotent so at-least-once event delivery cannot corrupt state.
func (s *Service) RegisterEventHandlers(reg *event.Registry) {
	for _, kind := range Kinds() {
		event.RegisterDefinition(reg, event.NewDefinition(
			fmt.Sprintf("%s.created", kind),
			func(ctx context.Context, evt *event.Event, ch Change) error {
				return s.handleCreated(ctx, ch)
			}))
		event.RegisterDefinition(reg, event.NewDefinition(
			fmt.Sprintf("%s.accepted", kind),
			func(ctx context.Context, evt *event.Event, ch Change) error {
				return s.handleAccepted(ctx, ch)
			}))
		event.RegisterDefinition(reg, event.NewDefinition(
			fmt.Sprintf("%s.completed", kind),
			func(ctx context.Context, evt *event.Event, ch Change) error {
				return s.handleCompleted(ctx, ch)
			}))
		event.RegisterDefinition(reg, event.NewDefinition(
			fmt.Sprintf("%s.declined", kind),
			func(ctx context.Context, evt *event.Event, ch Change) error {
				return s.handleClosed(ctx, ch, priority.StatusCancelled)
			}))
		event.RegisterDefinition(reg, event.NewDefinition(
			fmt.Sprintf("%s.cancelled", kind),
			func(ctx context.Context, evt *event.Event, ch Change) error {
				return s.handleClosed(ctx, ch, priority.StatusCancelled)
			}))
	}

	event.RegisterDefinition(reg, event.NewDefinition(
		"offer.confirmed",
		func(ctx context.Context, evt *event.Event, ch Change) error {
			return s.handleOfferConfirmed(ctx, ch)
		}))
}

// RegisterTaskHandlers registers the lifecycle's scheduled task handlers
// into reg.
func (s *Service) RegisterTaskHandlers(reg *task.Registry) {
	task.RegisterDefinition(reg, task.NewDefinition(ConfirmReminderTask,
		func(ctx context.Context, t *task.Task, rc reminderContext) ([]byte, error) {
			return s.handleConfirmReminder(ctx, rc)
		}))
}

// handleCreated projects a fresh workflow into its owner's priority queue.
func (s *Service) handleCreated(ctx context.Context, ch Change) error {
	score := float64(ch.Bounty)
	if score <= 0 {
		score = 1
	}
	now := time.Now().UTC()
	return s.priority.UpsertActive(ctx, &priority.Entry{
		ID:        id.NewPriorityID(),
		UserID:    ch.OwnerID,
		ItemKind:  string(ch.Kind),
		ItemID:    ch.EntityID,
		Score:     score,
		Status:    priority.StatusActive,
		Reason:    fmt.Sprintf("%s.created", ch.Kind),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// handleAccepted applies pause-on-accept: every other workflow for the same
// subject still in its initial status is paused. Zero competitors is a
// no-op. Offer acceptance additionally schedules the confirmation reminder.
func (s *Service) handleAccepted(ctx context.Context, ch Change) error {
	siblings, err := s.store.ListActiveBySubject(ctx, ch.SubjectID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.ID == ch.EntityID {
			continue
		}
		if err := s.store.UpdateWorkflowStatus(ctx, sib.Kind, sib.ID, StatusPaused); err != nil {
			return err
		}
		s.logger.Info("paused competing workflow",
			slog.String("kind", string(sib.Kind)),
			slog.String("id", sib.ID.String()),
			slog.String("subject_id", ch.SubjectID.String()))
	}

	if ch.Kind == KindOffer {
		return s.scheduleConfirmReminder(ctx, ch)
	}
	return nil
}

// scheduleConfirmReminder queues the +72h confirmation nudge. The scheduler
// dedup rule supersedes any reminder still pending from a prior acceptance.
func (s *Service) scheduleConfirmReminder(ctx context.Context, ch Change) error {
	payload, err := json.Marshal(reminderContext{OfferID: ch.EntityID.String()})
	if err != nil {
		return fmt.Errorf("lifecycle: encode reminder context: %w", err)
	}
	t := &task.Task{
		Name:         ConfirmReminderTask,
		AgentKind:    "lifecycle",
		UserID:       ch.OwnerID,
		ContextID:    ch.EntityID,
		ContextKind:  string(KindOffer),
		ScheduledFor: time.Now().UTC().Add(s.reminder),
		Priority:     task.PriorityMedium,
		Context:      payload,
		CreatedBy:    "lifecycle",
	}
	if err := s.scheduler.Schedule(ctx, t); err != nil {
		return err
	}
	if s.hooks != nil {
		s.hooks.EmitTaskScheduled(ctx, t)
	}
	return nil
}

// handleOfferConfirmed withdraws any still-pending confirmation reminder.
func (s *Service) handleOfferConfirmed(ctx context.Context, ch Change) error {
	cancelled, err := s.tasks.CancelPendingTasks(ctx, ch.OwnerID, ConfirmReminderTask)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		s.logger.Debug("withdrew confirmation reminder",
			slog.String("offer_id", ch.EntityID.String()))
	}
	return nil
}

// handleCompleted applies cancel-on-complete: paused siblings are
// cancelled, the owner is credited exactly once, the priority projection is
// settled, and the closed loop is announced.
func (s *Service) handleCompleted(ctx context.Context, ch Change) error {
	// 1. Cancel paused siblings and settle their priority entries.
	paused, err := s.store.ListPausedBySubject(ctx, ch.SubjectID)
	if err != nil {
		return err
	}
	for _, sib := range paused {
		if err := s.store.UpdateWorkflowStatus(ctx, sib.Kind, sib.ID, StatusCancelled); err != nil {
			return err
		}
		if err := s.priority.SetStatus(ctx, sib.OwnerUserID, string(sib.Kind), sib.ID, priority.StatusCancelled); err != nil {
			return err
		}
	}

	// 2. Award the bounty. The idempotency key makes redelivery safe.
	if ch.Bounty > 0 {
		key := fmt.Sprintf("%s:completion", ch.EntityID)
		granted, err := s.credits.Award(ctx, ch.OwnerID, ch.Bounty, fmt.Sprintf("%s.completed", ch.Kind), key)
		if err != nil {
			return err
		}
		if !granted {
			s.logger.Debug("credit already awarded",
				slog.String("idempotency_key", key))
		}
	}

	// 3. Mark the completed item actioned in the priority projection.
	if err := s.priority.SetStatus(ctx, ch.OwnerID, string(ch.Kind), ch.EntityID, priority.StatusActioned); err != nil {
		return err
	}

	// 4. Announce the closed loop.
	if err := s.gateway.Send(ctx, gateway.Message{
		UserID: ch.OwnerID,
		Kind:   "loop.closed",
		Meta: map[string]string{
			"kind":       string(ch.Kind),
			"entity_id":  ch.EntityID.String(),
			"subject_id": ch.SubjectID.String(),
		},
	}); err != nil {
		return err
	}
	if err := s.appendChange(ctx, "loop.closed", Change{
		Kind:      ch.Kind,
		EntityID:  ch.EntityID,
		SubjectID: ch.SubjectID,
		OwnerID:   ch.OwnerID,
		Status:    StatusCompleted,
	}); err != nil {
		return err
	}
	if s.hooks != nil {
		s.hooks.EmitLoopClosed(ctx, ch.SubjectID.String())
	}
	return nil
}

// handleClosed settles the priority entry of a declined or cancelled
// workflow.
func (s *Service) handleClosed(ctx context.Context, ch Change, status priority.Status) error {
	return s.priority.SetStatus(ctx, ch.OwnerID, string(ch.Kind), ch.EntityID, status)
}

// handleConfirmReminder nudges the offering user if the offer is still
// awaiting confirmation. An offer that moved on, or no longer exists, makes
// the reminder a no-op.
func (s *Service) handleConfirmReminder(ctx context.Context, rc reminderContext) ([]byte, error) {
	offerID, err := id.ParseOfferID(rc.OfferID)
	if err != nil {
		return nil, task.Terminal(fmt.Errorf("lifecycle: bad reminder offer id: %w", err))
	}
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		if errors.Is(err, introq.ErrOfferNotFound) {
			return []byte(`{"skipped":"offer gone"}`), nil
		}
		return nil, err
	}
	if offer.Status != StatusAccepted {
		return []byte(fmt.Sprintf(`{"skipped":"status %s"}`, offer.Status)), nil
	}

	if err := s.gateway.Send(ctx, gateway.Message{
		UserID: offer.OfferingUserID,
		Kind:   ConfirmReminderTask,
		Meta: map[string]string{
			"offer_id":   offer.ID.String(),
			"subject_id": offer.SubjectID.String(),
		},
	}); err != nil {
		return nil, err
	}
	return []byte(`{"reminded":true}`), nil
}
