package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/audit"
	"github.com/loopmark/introq/backoff"
	"github.com/loopmark/introq/id"
	"github.com/loopmark/introq/middleware"
	"github.com/loopmark/introq/queue"
	"github.com/loopmark/introq/store/memory"
	"github.com/loopmark/introq/task"
	"github.com/loopmark/introq/worker"
)

func newTaskFixture(t *testing.T, reg *task.Registry, qm worker.QueueManager) (*memory.Store, *worker.TaskDispatcher) {
	t.Helper()
	s := memory.New()
	d := worker.NewTaskDispatcher(worker.TaskDispatcherConfig{
		Store:          s,
		Registry:       reg,
		Audit:          s,
		Queue:          qm,
		BatchSize:      10,
		PollInterval:   10 * time.Millisecond,
		Backoff:        backoff.TaskDefault(),
		StaleThreshold: 10 * time.Minute,
	})
	return s, d
}

func createTask(t *testing.T, s *memory.Store, tk *task.Task) *task.Task {
	t.Helper()
	if tk.ID.IsNil() {
		tk.ID = id.NewTaskID()
	}
	if tk.Priority == "" {
		tk.Priority = task.PriorityMedium
	}
	if tk.State == "" {
		tk.State = task.StatePending
	}
	if tk.ScheduledFor.IsZero() {
		tk.ScheduledFor = time.Now().UTC().Add(-time.Second)
	}
	if tk.MaxRetries == 0 {
		tk.MaxRetries = 3
	}
	tk.CreatedAt = time.Now().UTC()
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func TestTaskDispatcher_Success(t *testing.T) {
	reg := task.NewRegistry()
	reg.RegisterFunc("send", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		return []byte(`{"sent":true}`), nil
	})

	s, d := newTaskFixture(t, reg, nil)
	tk := createTask(t, s, &task.Task{
		Name:      "send",
		AgentKind: "outreach",
		UserID:    id.NewUserID(),
		Context:   []byte(`{"channel":"email"}`),
	})
	ctx := context.Background()

	invoked, err := d.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if invoked != 1 {
		t.Fatalf("invoked = %d, want 1", invoked)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StateCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if string(got.Result) != `{"sent":true}` {
		t.Errorf("result = %s", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// One audit action per invocation.
	actions, _ := s.ListActions(ctx, audit.ListOpts{TaskID: tk.ID})
	if len(actions) != 1 {
		t.Fatalf("expected 1 audit action, got %d", len(actions))
	}
	if !actions[0].Success || actions[0].Attempt != 1 {
		t.Errorf("action = %+v", actions[0])
	}
	if string(actions[0].Input) != `{"channel":"email"}` {
		t.Errorf("action input = %s, want the task context", actions[0].Input)
	}
	if string(actions[0].Result) != `{"sent":true}` {
		t.Errorf("action result = %s", actions[0].Result)
	}
}

func TestTaskDispatcher_RetryBackoffSchedule(t *testing.T) {
	reg := task.NewRegistry()
	reg.RegisterFunc("flaky", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		return nil, errors.New("transient")
	})

	s, d := newTaskFixture(t, reg, nil)
	tk := createTask(t, s, &task.Task{Name: "flaky", UserID: id.NewUserID(), MaxRetries: 5})
	ctx := context.Background()

	before := time.Now().UTC()
	if _, err := d.DispatchDue(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StatePending {
		t.Fatalf("state = %q, want pending", got.State)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	// First retry delay is 60s: scheduled_for = now + 60s × 2^(1−1).
	delay := got.ScheduledFor.Sub(before)
	if delay < 59*time.Second || delay > 62*time.Second {
		t.Errorf("first retry delay = %v, want ~60s", delay)
	}
	if got.LastError != "transient" {
		t.Errorf("LastError = %q", got.LastError)
	}

	// Not due anymore: nothing to dispatch.
	invoked, err := d.DispatchDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if invoked != 0 {
		t.Fatalf("future-scheduled retry dispatched early")
	}
}

func TestTaskDispatcher_RetriesExhaustedFails(t *testing.T) {
	reg := task.NewRegistry()
	attempts := 0
	reg.RegisterFunc("doomed", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		attempts++
		return nil, errors.New("nope")
	})

	s, d := newTaskFixture(t, reg, nil)
	tk := createTask(t, s, &task.Task{Name: "doomed", UserID: id.NewUserID(), MaxRetries: 2})
	ctx := context.Background()

	// Force each retry due immediately, then dispatch again.
	for range 3 {
		if _, err := d.DispatchDue(ctx); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetTask(ctx, tk.ID)
		if got.State == task.StatePending {
			got.ScheduledFor = time.Now().UTC().Add(-time.Second)
			if err := s.UpdateTask(ctx, got); err != nil {
				t.Fatal(err)
			}
		}
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}

	// Every invocation left an audit action.
	actions, _ := s.ListActions(ctx, audit.ListOpts{TaskID: tk.ID})
	if len(actions) != 3 {
		t.Errorf("expected 3 audit actions, got %d", len(actions))
	}
}

func TestTaskDispatcher_TerminalErrorFailsImmediately(t *testing.T) {
	reg := task.NewRegistry()
	attempts := 0
	reg.RegisterFunc("hopeless", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		attempts++
		return nil, task.Terminal(errors.New("user deleted"))
	})

	s, d := newTaskFixture(t, reg, nil)
	tk := createTask(t, s, &task.Task{Name: "hopeless", UserID: id.NewUserID(), MaxRetries: 5})
	ctx := context.Background()

	if _, err := d.DispatchDue(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("terminal failure should not consume retries, count = %d", got.RetryCount)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestTaskDispatcher_UnroutableFailsTerminally(t *testing.T) {
	s, d := newTaskFixture(t, task.NewRegistry(), nil)
	tk := createTask(t, s, &task.Task{Name: "no.such.handler", UserID: id.NewUserID()})
	ctx := context.Background()

	if _, err := d.DispatchDue(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}

	actions, _ := s.ListActions(ctx, audit.ListOpts{TaskID: tk.ID})
	if len(actions) != 1 {
		t.Fatalf("expected audit action for unroutable task, got %d", len(actions))
	}
	if actions[0].Success {
		t.Error("unroutable invocation recorded as success")
	}
}

func TestTaskDispatcher_RateLimitedRequeued(t *testing.T) {
	reg := task.NewRegistry()
	invoked := 0
	reg.RegisterFunc("throttled", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		invoked++
		return nil, nil
	})

	qm := queue.NewManager(queue.Config{Kind: "outreach", RateLimit: 0.001, RateBurst: 1})
	s := memory.New()
	d := worker.NewTaskDispatcher(worker.TaskDispatcherConfig{
		Store:        s,
		Registry:     reg,
		Audit:        s,
		Queue:        qm,
		PollInterval: time.Minute,
	})
	user := id.NewUserID()
	createTask(t, s, &task.Task{Name: "throttled", AgentKind: "outreach", UserID: user})
	createTask(t, s, &task.Task{Name: "throttled", AgentKind: "outreach", UserID: user})
	ctx := context.Background()

	n, err := d.DispatchDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Burst of 1: the second task is returned to pending, not dropped.
	if n != 1 || invoked != 1 {
		t.Fatalf("invoked = %d/%d, want 1", n, invoked)
	}

	pending, _ := s.ListTasksByState(ctx, task.StatePending, task.ListOpts{})
	if len(pending) != 1 {
		t.Fatalf("expected rate-limited task back in pending, got %d", len(pending))
	}
	if !pending[0].ScheduledFor.After(time.Now().UTC()) {
		t.Error("requeued task should be delayed")
	}
}

func TestTaskDispatcher_ReapStale(t *testing.T) {
	reg := task.NewRegistry()
	s := memory.New()
	d := worker.NewTaskDispatcher(worker.TaskDispatcherConfig{
		Store:          s,
		Registry:       reg,
		Audit:          s,
		StaleThreshold: time.Millisecond,
	})
	ctx := context.Background()

	tk := createTask(t, s, &task.Task{Name: "stuck", UserID: id.NewUserID()})
	if _, err := s.ClaimDueTasks(ctx, id.NewWorkerID(), 1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	reaped, err := d.ReapStale(ctx)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.State != task.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
}

func TestTaskDispatcher_StartStop(t *testing.T) {
	reg := task.NewRegistry()
	ran := make(chan struct{}, 1)
	reg.RegisterFunc("ping", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil, nil
	})

	s, d := newTaskFixture(t, reg, nil)
	createTask(t, s, &task.Task{Name: "ping", UserID: id.NewUserID()})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop never dispatched the due task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTaskDispatcher_PriorityOrderWithinBatch(t *testing.T) {
	reg := task.NewRegistry()
	var order []string
	reg.RegisterFunc("step", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		order = append(order, string(tk.Priority))
		return nil, nil
	})

	s, d := newTaskFixture(t, reg, nil)
	due := time.Now().UTC().Add(-time.Minute)
	createTask(t, s, &task.Task{Name: "step", Priority: task.PriorityLow, ScheduledFor: due, UserID: id.NewUserID()})
	createTask(t, s, &task.Task{Name: "step", Priority: task.PriorityUrgent, ScheduledFor: due, UserID: id.NewUserID()})
	createTask(t, s, &task.Task{Name: "step", Priority: task.PriorityHigh, ScheduledFor: due, UserID: id.NewUserID()})

	if _, err := d.DispatchDue(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"urgent", "high", "low"}
	if len(order) != len(want) {
		t.Fatalf("ran %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestTaskDispatcher_HandlerTimeoutDeadline(t *testing.T) {
	reg := task.NewRegistry()
	var deadline time.Time
	var hasDeadline bool
	reg.RegisterFunc("slow", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		deadline, hasDeadline = ctx.Deadline()
		return nil, nil
	})

	s := memory.New()
	d := worker.NewTaskDispatcher(worker.TaskDispatcherConfig{
		Store:          s,
		Registry:       reg,
		Audit:          s,
		HandlerTimeout: time.Minute,
		Middleware:     []middleware.Middleware{middleware.Timeout(slog.Default())},
	})
	createTask(t, s, &task.Task{Name: "slow", UserID: id.NewUserID()})

	if _, err := d.DispatchDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !hasDeadline {
		t.Fatal("handler context has no deadline")
	}
	if remaining := time.Until(deadline); remaining > time.Minute {
		t.Errorf("deadline %v out, want at most the configured timeout", remaining)
	}
}

func TestTaskDispatcher_ProcessTask(t *testing.T) {
	reg := task.NewRegistry()
	calls := 0
	reg.RegisterFunc("poke", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		calls++
		return []byte(`"ok"`), nil
	})

	s, d := newTaskFixture(t, reg, nil)
	// Scheduled far in the future: ProcessTask ignores the due time.
	tk := createTask(t, s, &task.Task{
		Name:         "poke",
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	})

	settled, err := d.ProcessTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !settled || calls != 1 {
		t.Fatalf("settled=%v calls=%d, want true/1", settled, calls)
	}

	got, err := s.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != task.StateCompleted {
		t.Errorf("state = %q, want %q", got.State, task.StateCompleted)
	}

	// Only pending tasks can be force-run.
	if _, err := d.ProcessTask(context.Background(), tk.ID); !errors.Is(err, introq.ErrTaskNotPending) {
		t.Errorf("second ProcessTask err = %v, want ErrTaskNotPending", err)
	}
}

func TestTaskDispatcher_ProcessTaskRefusesClaimedTask(t *testing.T) {
	reg := task.NewRegistry()
	calls := 0
	reg.RegisterFunc("once", func(ctx context.Context, tk *task.Task) ([]byte, error) {
		calls++
		return nil, nil
	})

	s, d := newTaskFixture(t, reg, nil)
	tk := createTask(t, s, &task.Task{Name: "once", UserID: id.NewUserID()})
	ctx := context.Background()

	// A poll cycle on another replica claims the task first.
	claimed, err := s.ClaimDueTasks(ctx, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(claimed))
	}

	if _, err := d.ProcessTask(ctx, tk.ID); !errors.Is(err, introq.ErrTaskNotPending) {
		t.Fatalf("ProcessTask on claimed task err = %v, want ErrTaskNotPending", err)
	}
	if calls != 0 {
		t.Errorf("handler ran %d times for a task claimed elsewhere", calls)
	}

	if _, err := d.ProcessTask(ctx, id.NewTaskID()); !errors.Is(err, introq.ErrTaskNotFound) {
		t.Errorf("ProcessTask on missing task err = %v, want ErrTaskNotFound", err)
	}
}
