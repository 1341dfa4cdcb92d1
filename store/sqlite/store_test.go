package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/credit"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/lifecycle"
	"github.com/loopmark/introq/priority"
	"github.com/loopmark/introq/store/sqlite"
	"github.com/loopmark/introq/task"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func newEvent(name string) *event.Event {
	return &event.Event{
		ID:        id.NewEventID(),
		Name:      name,
		Payload:   []byte(`{"n":1}`),
		CreatedAt: time.Now().UTC(),
		CreatedBy: "test",
	}
}

func TestEventAppendGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	evt := newEvent("user.registered")
	evt.AggregateID = id.NewUserID()
	evt.AggregateKind = "user"
	if err := s.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, evt); !errors.Is(err, introq.ErrEventAlreadyExists) {
		t.Errorf("duplicate append: %v, want ErrEventAlreadyExists", err)
	}

	got, err := s.GetEvent(ctx, evt.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Name != evt.Name || got.AggregateKind != "user" || got.Processed {
		t.Errorf("got = %+v", got)
	}
	if got.AggregateID != evt.AggregateID {
		t.Errorf("aggregate id = %s, want %s", got.AggregateID, evt.AggregateID)
	}

	if _, err := s.GetEvent(ctx, id.NewEventID()); !errors.Is(err, introq.ErrEventNotFound) {
		t.Errorf("missing event: %v, want ErrEventNotFound", err)
	}
}

func TestEventClaimLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := newEvent("a")
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Second)
	second := newEvent("b")
	for _, evt := range []*event.Event{first, second} {
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.ClaimEvents(ctx, id.NewWorkerID(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimEvents: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want 2", len(claimed))
	}
	if claimed[0].ID != first.ID {
		t.Errorf("claim order wrong: got %s first", claimed[0].Name)
	}

	// A live lease excludes other claimers.
	other, err := s.ClaimEvents(ctx, id.NewWorkerID(), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("second claimer got %d events, want 0", len(other))
	}

	// Recording a retry releases the claim.
	if err := s.RecordEventRetry(ctx, first.ID, event.RetryState{Count: 1, LastError: "boom"}); err != nil {
		t.Fatal(err)
	}
	again, err := s.ClaimEvents(ctx, id.NewWorkerID(), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].ID != first.ID {
		t.Fatalf("reclaim after retry = %v", again)
	}
	if again[0].Retry.Count != 1 || again[0].Retry.LastError != "boom" {
		t.Errorf("retry state = %+v", again[0].Retry)
	}

	// Processed events are never reclaimed.
	if err := s.MarkEventProcessed(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEventProcessed(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	done, err := s.ClaimEvents(ctx, id.NewWorkerID(), 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 0 {
		t.Errorf("claimed processed events: %v", done)
	}

	last, err := s.LastProcessedAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Fatal("LastProcessedAt = nil after processing")
	}

	processed := false
	n, err := s.CountEvents(ctx, event.CountOpts{Processed: &processed})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unprocessed count = %d, want 0", n)
	}
}

func newTask(name string, userID id.UserID) *task.Task {
	return &task.Task{
		ID:           id.NewTaskID(),
		Name:         name,
		AgentKind:    "outreach",
		UserID:       userID,
		ScheduledFor: time.Now().UTC().Add(-time.Second),
		Priority:     task.PriorityMedium,
		State:        task.StatePending,
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestTaskClaimOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()
	due := time.Now().UTC().Add(-time.Minute)

	low := newTask("step", user)
	low.Priority = task.PriorityLow
	low.ScheduledFor = due
	urgent := newTask("step", user)
	urgent.Priority = task.PriorityUrgent
	urgent.ScheduledFor = due
	medEarly := newTask("step", user)
	medEarly.ScheduledFor = due.Add(-time.Hour)
	future := newTask("step", user)
	future.ScheduledFor = time.Now().UTC().Add(time.Hour)

	for _, tk := range []*task.Task{low, urgent, medEarly, future} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.ClaimDueTasks(ctx, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed = %d, want 3 (future task excluded)", len(claimed))
	}
	wantOrder := []id.TaskID{urgent.ID, medEarly.ID, low.ID}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Errorf("claim[%d] = %s, want %s", i, claimed[i].ID, want)
		}
	}
	for _, tk := range claimed {
		if tk.State != task.StateProcessing {
			t.Errorf("claimed state = %q, want processing", tk.State)
		}
		if tk.LastAttemptedAt == nil {
			t.Error("LastAttemptedAt not stamped")
		}
	}

	// Claimed tasks are invisible to a second claimer.
	again, err := s.ClaimDueTasks(ctx, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second claim = %d, want 0", len(again))
	}
}

func TestTaskClaimPending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Not yet due: the single-task claim ignores the schedule.
	tk := newTask("send", id.NewUserID())
	tk.ScheduledFor = time.Now().UTC().Add(time.Hour)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimPendingTask(ctx, id.NewWorkerID(), tk.ID)
	if err != nil {
		t.Fatalf("ClaimPendingTask: %v", err)
	}
	if claimed.State != task.StateProcessing {
		t.Errorf("state = %q, want processing", claimed.State)
	}
	if claimed.LastAttemptedAt == nil {
		t.Error("LastAttemptedAt not stamped")
	}

	// The claim is exclusive: a second claimer sees not-pending.
	if _, err := s.ClaimPendingTask(ctx, id.NewWorkerID(), tk.ID); !errors.Is(err, introq.ErrTaskNotPending) {
		t.Errorf("second claim err = %v, want ErrTaskNotPending", err)
	}
	if _, err := s.ClaimPendingTask(ctx, id.NewWorkerID(), id.NewTaskID()); !errors.Is(err, introq.ErrTaskNotFound) {
		t.Errorf("missing task err = %v, want ErrTaskNotFound", err)
	}
}

func TestTaskDedupCancel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()

	a := newTask("offer.confirm.reminder", user)
	b := newTask("offer.confirm.reminder", user)
	other := newTask("offer.confirm.reminder", id.NewUserID())
	for _, tk := range []*task.Task{a, b, other} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	cancelled, err := s.CancelPendingTasks(ctx, user, "offer.confirm.reminder")
	if err != nil {
		t.Fatalf("CancelPendingTasks: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", cancelled)
	}

	got, _ := s.GetTask(ctx, other.ID)
	if got.State != task.StatePending {
		t.Errorf("other user's task state = %q, want pending", got.State)
	}
}

func TestTaskReapStale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tk := newTask("stuck", id.NewUserID())
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimDueTasks(ctx, id.NewWorkerID(), 1); err != nil {
		t.Fatal(err)
	}

	reaped, err := s.ReapStaleTasks(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("ReapStaleTasks: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
}

func TestTaskUpdateRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tk := newTask("send", id.NewUserID())
	tk.Context = []byte(`{"k":"v"}`)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	tk.State = task.StateCompleted
	tk.Result = []byte(`{"ok":true}`)
	tk.CompletedAt = &now
	if err := s.UpdateTask(ctx, tk); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateCompleted || string(got.Result) != `{"ok":true}` {
		t.Errorf("got = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt lost in round trip")
	}

	last, err := s.LastCompletedAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Error("LastCompletedAt = nil")
	}

	done, err := s.ListTasksByState(ctx, task.StateCompleted, task.ListOpts{Name: "send"})
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Errorf("completed list = %d, want 1", len(done))
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := &dlq.Entry{
		ID:                id.NewDeadLetterID(),
		EventID:           id.NewEventID(),
		EventName:         "broken",
		Payload:           []byte(`{}`),
		Error:             "gave up",
		RetryCount:        5,
		OriginalCreatedAt: time.Now().UTC().Add(-time.Hour),
		FailedAt:          time.Now().UTC(),
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.PushDeadLetter(ctx, e); err != nil {
		t.Fatalf("PushDeadLetter: %v", err)
	}

	// One entry per event, even under a fresh entry ID.
	dup := *e
	dup.ID = id.NewDeadLetterID()
	if err := s.PushDeadLetter(ctx, &dup); !errors.Is(err, introq.ErrDuplicateDeadLetter) {
		t.Errorf("duplicate push err = %v, want ErrDuplicateDeadLetter", err)
	}

	got, err := s.GetDeadLetter(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.Error != "gave up" || got.RetryCount != 5 {
		t.Errorf("got = %+v", got)
	}

	if err := s.MarkReplayed(ctx, e.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	got, _ = s.GetDeadLetter(ctx, e.ID)
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not persisted")
	}

	purged, err := s.PurgeDeadLetters(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestAwardIdempotency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()

	a := &credit.Award{
		ID:             id.NewAwardID(),
		UserID:         user,
		Amount:         10,
		Reason:         "offer.completed",
		IdempotencyKey: "offer_x:completion",
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.InsertAward(ctx, a); err != nil {
		t.Fatalf("InsertAward: %v", err)
	}

	dup := *a
	dup.ID = id.NewAwardID()
	if err := s.InsertAward(ctx, &dup); !errors.Is(err, introq.ErrDuplicateAward) {
		t.Fatalf("duplicate key insert: %v, want ErrDuplicateAward", err)
	}

	total, err := s.SumAwards(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if total != 10 {
		t.Errorf("sum = %d, want 10", total)
	}
}

func TestPriorityProjection(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := id.NewUserID()
	item := id.NewOpportunityID()
	now := time.Now().UTC()

	first := &priority.Entry{
		ID: id.NewPriorityID(), UserID: user, ItemKind: "opportunity",
		ItemID: item, Score: 5, Status: priority.StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertActive(ctx, first); err != nil {
		t.Fatalf("UpsertActive: %v", err)
	}

	// Upsert for the same item replaces the active entry.
	second := &priority.Entry{
		ID: id.NewPriorityID(), UserID: user, ItemKind: "opportunity",
		ItemID: item, Score: 8, Status: priority.StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertActive(ctx, second); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListForUser(ctx, user, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Score != 8 {
		t.Fatalf("active = %+v, want single entry with score 8", active)
	}

	next, err := s.NextForUser(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != second.ID {
		t.Errorf("next = %s, want %s", next.ID, second.ID)
	}

	if err := s.SetStatus(ctx, user, "opportunity", item, priority.StatusActioned); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NextForUser(ctx, user); !errors.Is(err, introq.ErrPriorityNotFound) {
		t.Errorf("settled queue: %v, want ErrPriorityNotFound", err)
	}

	// Expiry sweep.
	past := now.Add(-time.Hour)
	expiring := &priority.Entry{
		ID: id.NewPriorityID(), UserID: user, ItemKind: "offer",
		ItemID: id.NewOfferID(), Score: 1, Status: priority.StatusActive,
		ExpiresAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertActive(ctx, expiring); err != nil {
		t.Fatal(err)
	}
	expired, err := s.ExpireBefore(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	subject := id.NewUserID()
	now := time.Now().UTC()

	opp := &lifecycle.Opportunity{
		ID: id.NewOpportunityID(), ConnectorUserID: id.NewUserID(),
		SubjectID: subject, Status: lifecycle.StatusOpen, BountyCredits: 5,
		Entity: introq.Entity{CreatedAt: now, UpdatedAt: now},
	}
	offer := &lifecycle.Offer{
		ID: id.NewOfferID(), OfferingUserID: id.NewUserID(),
		IntroduceeUserID: id.NewUserID(), SubjectID: subject,
		Status: lifecycle.StatusCreated, BountyCredits: 3,
		Entity: introq.Entity{CreatedAt: now, UpdatedAt: now},
	}
	req := &lifecycle.Request{
		ID: id.NewRequestID(), RequestorUserID: id.NewUserID(),
		IntroduceeUserID: id.NewUserID(), SubjectID: subject,
		Status: lifecycle.StatusOpen,
		Entity: introq.Entity{CreatedAt: now, UpdatedAt: now},
	}
	if err := s.CreateOpportunity(ctx, opp); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateOffer(ctx, offer); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("GetOpportunity: %v", err)
	}
	if got.Status != lifecycle.StatusOpen || got.BountyCredits != 5 {
		t.Errorf("got = %+v", got)
	}
	if _, err := s.GetOffer(ctx, id.NewOfferID()); !errors.Is(err, introq.ErrOfferNotFound) {
		t.Errorf("missing offer: %v, want ErrOfferNotFound", err)
	}

	// All three are in their initial status.
	active, err := s.ListActiveBySubject(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("active refs = %d, want 3", len(active))
	}

	if err := s.UpdateWorkflowStatus(ctx, lifecycle.KindOffer, offer.ID, lifecycle.StatusPaused); err != nil {
		t.Fatal(err)
	}
	paused, err := s.ListPausedBySubject(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 1 || paused[0].Kind != lifecycle.KindOffer {
		t.Fatalf("paused refs = %+v", paused)
	}
	if paused[0].Bounty != 3 {
		t.Errorf("paused bounty = %d, want 3", paused[0].Bounty)
	}

	if err := s.UpdateWorkflowStatus(ctx, lifecycle.KindRequest, id.NewRequestID(), lifecycle.StatusPaused); !errors.Is(err, introq.ErrRequestNotFound) {
		t.Errorf("missing request status update: %v, want ErrRequestNotFound", err)
	}
}
