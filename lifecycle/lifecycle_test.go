package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/gateway"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/lifecycle"
	"github.com/loopmark/introq/store/memory"
	"github.com/loopmark/introq/task"
	"github.com/loopmark/introq/worker"
)

// fixture wires the lifecycle service to a memory store with a real event
// dispatcher, so tests exercise the same append-then-react path production
// uses.
type fixture struct {
	store   *memory.Store
	svc     *lifecycle.Service
	events  *event.Registry
	tasks   *task.Registry
	disp    *worker.EventDispatcher
	gw      *gateway.Recorder
	credits *credit.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	gw := &gateway.Recorder{}
	credits := credit.NewLedger(s)

	svc := lifecycle.NewService(lifecycle.ServiceConfig{
		Store:    s,
		Events:   s,
		Tasks:    s,
		Credits:  credits,
		Priority: s,
		Gateway:  gw,
	})

	evReg := event.NewRegistry()
	svc.RegisterEventHandlers(evReg)
	taskReg := task.NewRegistry()
	svc.RegisterTaskHandlers(taskReg)

	return &fixture{
		store:  s,
		svc:    svc,
		events: evReg,
		tasks:  taskReg,
		disp: worker.NewEventDispatcher(worker.EventDispatcherConfig{
			Store:    s,
			Registry: evReg,
			DLQ:      dlq.NewService(s, s),
		}),
		gw:      gw,
		credits: credits,
	}
}

// drain dispatches event batches until the log is settled, including events
// appended by the handlers themselves.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for range 10 {
		n, err := f.disp.DispatchBatch(context.Background())
		if err != nil {
			t.Fatalf("DispatchBatch: %v", err)
		}
		if n == 0 {
			return
		}
	}
	t.Fatal("event log never settled")
}

func TestService_CreateProjectsPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connector := id.NewUserID()
	subject := id.NewUserID()

	opp, err := f.svc.CreateOpportunity(ctx, connector, subject, 5)
	if err != nil {
		t.Fatalf("CreateOpportunity: %v", err)
	}
	if opp.CreatedAt.IsZero() || opp.UpdatedAt.IsZero() {
		t.Errorf("entity timestamps not stamped: %+v", opp.Entity)
	}
	f.drain(t)

	next, err := f.store.NextForUser(ctx, connector)
	if err != nil {
		t.Fatalf("NextForUser: %v", err)
	}
	if next.ItemKind != "opportunity" || next.ItemID != opp.ID {
		t.Errorf("next = %s %s, want opportunity %s", next.ItemKind, next.ItemID, opp.ID)
	}
	if next.Score != 5 {
		t.Errorf("score = %v, want bounty 5", next.Score)
	}

	// Zero-bounty workflows still get a floor score.
	requestor := id.NewUserID()
	if _, err := f.svc.CreateRequest(ctx, requestor, id.NewUserID(), subject); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	next, err = f.store.NextForUser(ctx, requestor)
	if err != nil {
		t.Fatal(err)
	}
	if next.Score != 1 {
		t.Errorf("zero-bounty score = %v, want 1", next.Score)
	}
}

func TestService_PauseOnAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := id.NewUserID()

	opp, err := f.svc.CreateOpportunity(ctx, id.NewUserID(), subject, 0)
	if err != nil {
		t.Fatal(err)
	}
	req, err := f.svc.CreateRequest(ctx, id.NewUserID(), id.NewUserID(), subject)
	if err != nil {
		t.Fatal(err)
	}
	offer, err := f.svc.CreateOffer(ctx, id.NewUserID(), id.NewUserID(), subject, 3)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if err := f.svc.Accept(ctx, lifecycle.KindRequest, req.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.drain(t)

	gotReq, _ := f.store.GetRequest(ctx, req.ID)
	if gotReq.Status != lifecycle.StatusAccepted {
		t.Errorf("request status = %q, want accepted", gotReq.Status)
	}
	gotOpp, _ := f.store.GetOpportunity(ctx, opp.ID)
	if gotOpp.Status != lifecycle.StatusPaused {
		t.Errorf("opportunity status = %q, want paused", gotOpp.Status)
	}
	gotOffer, _ := f.store.GetOffer(ctx, offer.ID)
	if gotOffer.Status != lifecycle.StatusPaused {
		t.Errorf("offer status = %q, want paused", gotOffer.Status)
	}
}

func TestService_AcceptWithoutCompetitors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opp, err := f.svc.CreateOpportunity(ctx, id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if err := f.svc.Accept(ctx, lifecycle.KindOpportunity, opp.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.drain(t)

	got, _ := f.store.GetOpportunity(ctx, opp.ID)
	if got.Status != lifecycle.StatusAccepted {
		t.Errorf("status = %q, want accepted", got.Status)
	}
}

func TestService_CancelOnComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := id.NewUserID()
	connector := id.NewUserID()
	offering := id.NewUserID()

	// A loop-closed event should also be appended for downstream consumers.
	closedEvents := 0
	f.events.RegisterFunc("loop.closed", func(ctx context.Context, evt *event.Event) error {
		closedEvents++
		return nil
	})

	opp, err := f.svc.CreateOpportunity(ctx, connector, subject, 0)
	if err != nil {
		t.Fatal(err)
	}
	offer, err := f.svc.CreateOffer(ctx, offering, id.NewUserID(), subject, 10)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if err := f.svc.Accept(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Confirm(ctx, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Complete(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// Paused competitor is cancelled, and its priority entry settled.
	gotOpp, _ := f.store.GetOpportunity(ctx, opp.ID)
	if gotOpp.Status != lifecycle.StatusCancelled {
		t.Errorf("paused opportunity = %q, want cancelled", gotOpp.Status)
	}
	if _, err := f.store.NextForUser(ctx, connector); !errors.Is(err, introq.ErrPriorityNotFound) {
		t.Errorf("connector should have no active priority entries, got %v", err)
	}

	// The bounty is credited.
	balance, err := f.credits.BalanceFor(ctx, offering)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 10 {
		t.Errorf("balance = %d, want 10", balance)
	}

	// The completed offer is marked actioned, not left active.
	if _, err := f.store.NextForUser(ctx, offering); !errors.Is(err, introq.ErrPriorityNotFound) {
		t.Errorf("offering user should have no active priority entries, got %v", err)
	}

	// The owner is told the loop closed.
	var found bool
	for _, msg := range f.gw.SentTo(offering) {
		if msg.Kind == "loop.closed" {
			found = true
			if msg.Meta["entity_id"] != offer.ID.String() {
				t.Errorf("meta entity_id = %q", msg.Meta["entity_id"])
			}
		}
	}
	if !found {
		t.Error("no loop.closed message delivered to offer owner")
	}
	if closedEvents != 1 {
		t.Errorf("loop.closed events = %d, want 1", closedEvents)
	}
}

func TestService_CreditAwardedOnceUnderRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := id.NewUserID()
	offering := id.NewUserID()

	offer, err := f.svc.CreateOffer(ctx, offering, id.NewUserID(), subject, 7)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Accept(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Confirm(ctx, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Complete(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// Redeliver the completion event. At-least-once delivery means the
	// handler must tolerate running twice without double-crediting.
	payload, err := json.Marshal(lifecycle.Change{
		Kind:      lifecycle.KindOffer,
		EntityID:  offer.ID,
		SubjectID: subject,
		OwnerID:   offering,
		Status:    lifecycle.StatusCompleted,
		Bounty:    7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.AppendEvent(ctx, &event.Event{
		ID:        id.NewEventID(),
		Name:      "offer.completed",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "test",
	}); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	balance, err := f.credits.BalanceFor(ctx, offering)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 7 {
		t.Errorf("balance after redelivery = %d, want 7", balance)
	}
}

func TestService_OfferReminderScheduledOnAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offering := id.NewUserID()

	offer, err := f.svc.CreateOffer(ctx, offering, id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	before := time.Now().UTC()
	if err := f.svc.Accept(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	pending, err := f.store.ListTasksByState(ctx, task.StatePending, task.ListOpts{Name: lifecycle.ConfirmReminderTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending reminders = %d, want 1", len(pending))
	}
	delay := pending[0].ScheduledFor.Sub(before)
	if delay < lifecycle.DefaultReminderDelay-time.Minute || delay > lifecycle.DefaultReminderDelay+time.Minute {
		t.Errorf("reminder delay = %v, want ~%v", delay, lifecycle.DefaultReminderDelay)
	}
	if pending[0].UserID != offering {
		t.Errorf("reminder user = %s, want offering user", pending[0].UserID)
	}
}

func TestService_OfferReminderCancelledOnConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	offer, err := f.svc.CreateOffer(ctx, id.NewUserID(), id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Accept(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Confirm(ctx, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	pending, err := f.store.ListTasksByState(ctx, task.StatePending, task.ListOpts{Name: lifecycle.ConfirmReminderTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("reminder still pending after confirmation")
	}
	cancelled, err := f.store.ListTasksByState(ctx, task.StateCancelled, task.ListOpts{Name: lifecycle.ConfirmReminderTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 1 {
		t.Errorf("cancelled reminders = %d, want 1", len(cancelled))
	}
}

func TestService_ReminderFiresWhileAwaitingConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offering := id.NewUserID()

	offer, err := f.svc.CreateOffer(ctx, offering, id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Accept(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	runDueReminder(t, f)

	var found bool
	for _, msg := range f.gw.SentTo(offering) {
		if msg.Kind == lifecycle.ConfirmReminderTask {
			found = true
			if msg.Meta["offer_id"] != offer.ID.String() {
				t.Errorf("meta offer_id = %q", msg.Meta["offer_id"])
			}
		}
	}
	if !found {
		t.Error("no reminder delivered to offering user")
	}
}

func TestService_ReminderSkipsConfirmedOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offering := id.NewUserID()

	offer, err := f.svc.CreateOffer(ctx, offering, id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if err := f.svc.Accept(ctx, lifecycle.KindOffer, offer.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// Confirm directly at the store so the pending reminder survives, then
	// let it fire: a confirmed offer makes the nudge a no-op.
	if err := f.store.UpdateWorkflowStatus(ctx, lifecycle.KindOffer, offer.ID, lifecycle.StatusConfirmed); err != nil {
		t.Fatal(err)
	}
	runDueReminder(t, f)

	for _, msg := range f.gw.SentTo(offering) {
		if msg.Kind == lifecycle.ConfirmReminderTask {
			t.Fatal("reminder delivered for a confirmed offer")
		}
	}
	done, err := f.store.ListTasksByState(ctx, task.StateCompleted, task.ListOpts{Name: lifecycle.ConfirmReminderTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Errorf("reminder task should complete as a no-op, got %d completed", len(done))
	}
}

// runDueReminder forces the pending confirmation reminder due and runs one
// task batch.
func runDueReminder(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	pending, err := f.store.ListTasksByState(ctx, task.StatePending, task.ListOpts{Name: lifecycle.ConfirmReminderTask})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending reminders = %d, want 1", len(pending))
	}
	pending[0].ScheduledFor = time.Now().UTC().Add(-time.Second)
	if err := f.store.UpdateTask(ctx, pending[0]); err != nil {
		t.Fatal(err)
	}

	td := worker.NewTaskDispatcher(worker.TaskDispatcherConfig{
		Store:    f.store,
		Registry: f.tasks,
		Audit:    f.store,
	})
	if _, err := td.DispatchDue(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestService_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	offer, err := f.svc.CreateOffer(ctx, id.NewUserID(), id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	opp, err := f.svc.CreateOpportunity(ctx, id.NewUserID(), id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	// An offer must be accepted before it can be confirmed or completed.
	if err := f.svc.Confirm(ctx, offer.ID); !errors.Is(err, introq.ErrInvalidTransition) {
		t.Errorf("Confirm on created offer: %v, want ErrInvalidTransition", err)
	}
	if err := f.svc.Complete(ctx, lifecycle.KindOffer, offer.ID); !errors.Is(err, introq.ErrInvalidTransition) {
		t.Errorf("Complete on created offer: %v, want ErrInvalidTransition", err)
	}

	// An opportunity completes only from accepted.
	if err := f.svc.Complete(ctx, lifecycle.KindOpportunity, opp.ID); !errors.Is(err, introq.ErrInvalidTransition) {
		t.Errorf("Complete on open opportunity: %v, want ErrInvalidTransition", err)
	}

	// Terminal states accept no further actions.
	if err := f.svc.Decline(ctx, lifecycle.KindOpportunity, opp.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Accept(ctx, lifecycle.KindOpportunity, opp.ID); !errors.Is(err, introq.ErrInvalidTransition) {
		t.Errorf("Accept on declined opportunity: %v, want ErrInvalidTransition", err)
	}
}

func TestService_DeclineSettlesPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	connector := id.NewUserID()

	opp, err := f.svc.CreateOpportunity(ctx, connector, id.NewUserID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if err := f.svc.Decline(ctx, lifecycle.KindOpportunity, opp.ID); err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if _, err := f.store.NextForUser(ctx, connector); !errors.Is(err, introq.ErrPriorityNotFound) {
		t.Errorf("declined workflow should leave no active priority entry, got %v", err)
	}
}
