package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func newInMemoryTask(id, chain string, status Status) *Task {
	return &Task{
		ID:            id,
		Name:          "counter-" + id,
		ChainName:     chain,
		TargetAddress: "0x00000000000000000000000000000000000000aa",
		Trigger:       Trigger{Type: TriggerInterval, IntervalSeconds: 60},
		Checker: CheckerSpec{
			IntervalSeconds: 180,
			ExecABI:         `[{"type":"function","name":"exec","inputs":[],"outputs":[]}]`,
			ExecMethod:      "exec",
		},
		Status: status,
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		newInMemoryTask("t1", "local", StatusActive),
		newInMemoryTask("t2", "sepolia", StatusPaused),
		newInMemoryTask("t3", "local", StatusActive),
	}

	for _, item := range tasks {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create task %s: %v", item.ID, err)
		}
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	paused, err := store.List(ctx, WithStatuses(StatusPaused))
	if err != nil {
		t.Fatalf("list paused: %v", err)
	}
	if len(paused) != 1 || paused[0].ID != "t2" {
		t.Fatalf("unexpected paused list: %+v", paused)
	}

	local, err := store.List(ctx, WithChain("local"))
	if err != nil {
		t.Fatalf("list by chain: %v", err)
	}
	if len(local) != 2 {
		t.Fatalf("expected 2 local tasks, got %d", len(local))
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, WithUpdatedSince(since))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	named, err := store.List(ctx, WithQuery("counter-t1"))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(named) != 1 || named[0].ID != "t1" {
		t.Fatalf("unexpected query result: %+v", named)
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newInMemoryTask("dup", "local", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, newInMemoryTask("dup", "local", StatusActive))
	if !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newInMemoryTask("s1", "local", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.UpdateStatus(ctx, "s1", StatusPaused)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if updated.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", updated.Status)
	}

	if _, err := store.UpdateStatus(ctx, "s1", StatusDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "s1", StatusActive); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict reactivating disabled task, got %v", err)
	}

	if _, err := store.UpdateStatus(ctx, "missing", StatusPaused); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreRecordEvaluation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newInMemoryTask("e1", "local", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().Unix()
	if err := store.RecordEvaluation(ctx, "e1", EvalOutcome{
		CanExec:     false,
		Reason:      "Time not elapsed",
		EvaluatedAt: now,
	}); err != nil {
		t.Fatalf("record skip: %v", err)
	}
	if err := store.RecordEvaluation(ctx, "e1", EvalOutcome{
		CanExec:     true,
		Executed:    true,
		EvaluatedAt: now + 1,
		ExecutedAt:  now + 1,
	}); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Evaluations != 2 {
		t.Fatalf("expected 2 evaluations, got %d", got.Evaluations)
	}
	if got.Executions != 1 {
		t.Fatalf("expected 1 execution, got %d", got.Executions)
	}
	if got.LastExecutedAt != now+1 {
		t.Fatalf("unexpected last executed at: %d", got.LastExecutedAt)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, item := range []*Task{
		newInMemoryTask("a", "local", StatusActive),
		newInMemoryTask("b", "local", StatusPaused),
		newInMemoryTask("c", "local", StatusActive),
	} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create task %s: %v", item.ID, err)
		}
	}
	if err := store.RecordEvaluation(ctx, "a", EvalOutcome{Executed: true, EvaluatedAt: time.Now().Unix(), ExecutedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 2 || stats.Paused != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalEvaluations != 1 || stats.TotalExecutions != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}
