package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/dlq"
	"github.com/loopmark/introq/event"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/middleware"
	"github.com/loopmark/introq/store/memory"
	"github.com/loopmark/introq/worker"
)

func newEventFixture(t *testing.T, reg *event.Registry) (*memory.Store, *worker.EventDispatcher) {
	t.Helper()
	s := memory.New()
	d := worker.NewEventDispatcher(worker.EventDispatcherConfig{
		Store:        s,
		Registry:     reg,
		DLQ:          dlq.NewService(s, s),
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		ClaimLease:   time.Minute,
		MaxRetries:   5,
	})
	return s, d
}

func appendEvent(t *testing.T, s *memory.Store, name string) *event.Event {
	t.Helper()
	evt := &event.Event{
		ID:        id.NewEventID(),
		Name:      name,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AppendEvent(context.Background(), evt); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	return evt
}

func TestEventDispatcher_Success(t *testing.T) {
	reg := event.NewRegistry()
	calls := 0
	reg.RegisterFunc("greet", func(ctx context.Context, evt *event.Event) error {
		calls++
		return nil
	})

	s, d := newEventFixture(t, reg)
	evt := appendEvent(t, s, "greet")

	settled, err := d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if settled != 1 || calls != 1 {
		t.Fatalf("settled=%d calls=%d, want 1/1", settled, calls)
	}

	got, _ := s.GetEvent(context.Background(), evt.ID)
	if !got.Processed {
		t.Error("event should be processed")
	}

	// Processed events never run again.
	if _, err := d.DispatchBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

func TestEventDispatcher_UnroutableIsTerminal(t *testing.T) {
	s, d := newEventFixture(t, event.NewRegistry())
	evt := appendEvent(t, s, "nobody.listens")

	settled, err := d.DispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected unroutable event settled, got %d", settled)
	}

	got, _ := s.GetEvent(context.Background(), evt.ID)
	if !got.Processed {
		t.Error("unroutable event should be marked processed")
	}
	if n, _ := s.CountDeadLetters(context.Background()); n != 0 {
		t.Errorf("unroutable event must not dead-letter, got %d entries", n)
	}
}

func TestEventDispatcher_RetryBudgetThenSingleDeadLetter(t *testing.T) {
	reg := event.NewRegistry()
	attempts := 0
	reg.RegisterFunc("always.fails", func(ctx context.Context, evt *event.Event) error {
		attempts++
		return errors.New("downstream unavailable")
	})

	s, d := newEventFixture(t, reg)
	evt := appendEvent(t, s, "always.fails")
	ctx := context.Background()

	// Each batch is one attempt: the claim is released on retry, so the
	// next cycle picks the event up again.
	for i := 1; i <= 4; i++ {
		if _, err := d.DispatchBatch(ctx); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetEvent(ctx, evt.ID)
		if got.Processed {
			t.Fatalf("event processed after attempt %d, want retrying", i)
		}
		if got.Retry.Count != i {
			t.Fatalf("retry count = %d after attempt %d", got.Retry.Count, i)
		}
		if got.Retry.LastError == "" {
			t.Fatal("retry state should carry the last error")
		}
	}

	// Fifth attempt exhausts the budget.
	if _, err := d.DispatchBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if attempts != 5 {
		t.Fatalf("handler ran %d times, want 5", attempts)
	}

	got, _ := s.GetEvent(ctx, evt.ID)
	if !got.Processed {
		t.Fatal("exhausted event should be marked processed")
	}

	entries, err := s.ListDeadLetters(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dead letter entry, got %d", len(entries))
	}
	if entries[0].EventID != evt.ID || entries[0].RetryCount != 5 {
		t.Errorf("dead letter entry mismatch: %+v", entries[0])
	}

	// Further cycles never touch the event or the DLQ again.
	if _, err := d.DispatchBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if attempts != 5 {
		t.Errorf("handler ran after dead-lettering")
	}
	if n, _ := s.CountDeadLetters(ctx); n != 1 {
		t.Errorf("DLQ grew to %d entries", n)
	}
}

func TestEventDispatcher_RedeliveryAfterDeadLetterPush(t *testing.T) {
	reg := event.NewRegistry()
	reg.RegisterFunc("always.fails", func(ctx context.Context, evt *event.Event) error {
		return errors.New("downstream unavailable")
	})

	s, d := newEventFixture(t, reg)
	evt := appendEvent(t, s, "always.fails")
	ctx := context.Background()

	// A previous cycle exhausted the budget and pushed the dead letter,
	// but crashed before closing the event out: the retry state is
	// persisted and the event still unprocessed.
	svc := dlq.NewService(s, s)
	evt.Retry = event.RetryState{Count: 5, LastError: "downstream unavailable"}
	if _, err := svc.Push(ctx, evt, errors.New("downstream unavailable")); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordEventRetry(ctx, evt.ID, event.RetryState{Count: 4, LastError: "downstream unavailable"}); err != nil {
		t.Fatal(err)
	}

	// The next cycle re-delivers, fails at the cap, and pushes again.
	if _, err := d.DispatchBatch(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetEvent(ctx, evt.ID)
	if !got.Processed {
		t.Error("re-delivered event should be closed out")
	}
	if n, _ := s.CountDeadLetters(ctx); n != 1 {
		t.Errorf("dead letters = %d, want exactly one per exhausted event", n)
	}
}

func TestEventDispatcher_BatchIsolation(t *testing.T) {
	reg := event.NewRegistry()
	var processed []string
	reg.RegisterFunc("ok", func(ctx context.Context, evt *event.Event) error {
		processed = append(processed, evt.ID.String())
		return nil
	})
	reg.RegisterFunc("bad", func(ctx context.Context, evt *event.Event) error {
		return errors.New("boom")
	})

	s, d := newEventFixture(t, reg)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &event.Event{ID: id.NewEventID(), Name: "ok", CreatedAt: now.Add(-3 * time.Second)}
	bad := &event.Event{ID: id.NewEventID(), Name: "bad", CreatedAt: now.Add(-2 * time.Second)}
	last := &event.Event{ID: id.NewEventID(), Name: "ok", CreatedAt: now}
	for _, evt := range []*event.Event{first, bad, last} {
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}
	settled, err := d.DispatchBatch(ctx)
	if err != nil {
		t.Fatalf("DispatchBatch: %v", err)
	}

	// The failing event must not block the one after it.
	if settled != 2 {
		t.Fatalf("expected 2 settled, got %d", settled)
	}
	if len(processed) != 2 {
		t.Fatalf("expected both ok events processed, got %d", len(processed))
	}

	gotFirst, _ := s.GetEvent(ctx, first.ID)
	gotBad, _ := s.GetEvent(ctx, bad.ID)
	gotLast, _ := s.GetEvent(ctx, last.ID)
	if !gotFirst.Processed || !gotLast.Processed {
		t.Error("ok events should be processed")
	}
	if gotBad.Processed {
		t.Error("failing event should remain unprocessed")
	}
	if gotBad.Retry.Count != 1 {
		t.Errorf("failing event retry count = %d, want 1", gotBad.Retry.Count)
	}
}

func TestEventDispatcher_DLQReplayRunsAgain(t *testing.T) {
	reg := event.NewRegistry()
	fail := true
	runs := 0
	reg.RegisterFunc("flaky", func(ctx context.Context, evt *event.Event) error {
		runs++
		if fail {
			return errors.New("still broken")
		}
		return nil
	})

	s, d := newEventFixture(t, reg)
	appendEvent(t, s, "flaky")
	ctx := context.Background()

	for range 5 {
		if _, err := d.DispatchBatch(ctx); err != nil {
			t.Fatal(err)
		}
	}
	entries, _ := s.ListDeadLetters(ctx, dlq.ListOpts{})
	if len(entries) != 1 {
		t.Fatalf("expected dead letter, got %d", len(entries))
	}

	// Replay after the downstream recovers.
	fail = false
	svc := dlq.NewService(s, s)
	replayed, err := svc.Replay(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if _, err := d.DispatchBatch(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetEvent(ctx, replayed.ID)
	if !got.Processed {
		t.Error("replayed event should process successfully")
	}
	if runs != 6 {
		t.Errorf("handler ran %d times, want 6", runs)
	}
}

func TestEventDispatcher_StartStop(t *testing.T) {
	reg := event.NewRegistry()
	done := make(chan struct{})
	var once bool
	reg.RegisterFunc("tick", func(ctx context.Context, evt *event.Event) error {
		if !once {
			once = true
			close(done)
		}
		return nil
	})

	s, d := newEventFixture(t, reg)
	appendEvent(t, s, "tick")

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop never dispatched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEventDispatcher_HandlerTimeoutDeadline(t *testing.T) {
	reg := event.NewRegistry()
	var hasDeadline bool
	reg.RegisterFunc("greet", func(ctx context.Context, evt *event.Event) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})

	s := memory.New()
	d := worker.NewEventDispatcher(worker.EventDispatcherConfig{
		Store:          s,
		Registry:       reg,
		DLQ:            dlq.NewService(s, s),
		HandlerTimeout: time.Minute,
		Middleware:     []middleware.Middleware{middleware.Timeout(slog.Default())},
	})
	appendEvent(t, s, "greet")

	if _, err := d.DispatchBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !hasDeadline {
		t.Error("handler context has no deadline")
	}
}

func TestEventDispatcher_ProcessEvent(t *testing.T) {
	reg := event.NewRegistry()
	calls := 0
	reg.RegisterFunc("nudge", func(ctx context.Context, evt *event.Event) error {
		calls++
		return nil
	})

	s, d := newEventFixture(t, reg)
	evt := appendEvent(t, s, "nudge")

	settled, err := d.ProcessEvent(context.Background(), evt.ID)
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if !settled || calls != 1 {
		t.Fatalf("settled=%v calls=%d, want true/1", settled, calls)
	}

	// A settled event cannot be processed again.
	if _, err := d.ProcessEvent(context.Background(), evt.ID); !errors.Is(err, introq.ErrEventAlreadyProcessed) {
		t.Errorf("second ProcessEvent err = %v, want ErrEventAlreadyProcessed", err)
	}

	if _, err := d.ProcessEvent(context.Background(), id.NewEventID()); !errors.Is(err, introq.ErrEventNotFound) {
		t.Errorf("missing event err = %v, want ErrEventNotFound", err)
	}
}
