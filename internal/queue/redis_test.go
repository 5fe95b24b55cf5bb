package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/jobs"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewStore(client, "test:", time.Hour, zap.NewNop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return store, &now
}

func TestEnqueueFetchComplete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	j := jobs.New("noop", []byte(`{}`))
	id, err := store.Enqueue(ctx, j)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("expected job %s, got %+v", id, got)
	}
	if got.State != jobs.StateProcessing {
		t.Errorf("expected processing, got %s", got.State)
	}
	if got.OwnerToken != "w1" {
		t.Errorf("expected owner w1, got %q", got.OwnerToken)
	}

	if err := store.Complete(ctx, id, "w1"); err != nil {
		t.Fatal(err)
	}
	final, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != jobs.StateSucceeded {
		t.Errorf("expected succeeded, got %s", final.State)
	}

	// Queue is drained.
	if next, _ := store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute); next != nil {
		t.Errorf("expected empty queue, got %+v", next)
	}
}

func TestCompleteWrongOwner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	j := jobs.New("noop", nil)
	id, _ := store.Enqueue(ctx, j)
	if _, err := store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := store.Complete(ctx, id, "w2"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost, got %v", err)
	}
	// The legitimate owner still can complete.
	if err := store.Complete(ctx, id, "w1"); err != nil {
		t.Fatal(err)
	}
}

func TestContinuationReleasedOnParentSuccess(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	parent := jobs.New("noop", nil)
	parentID, _ := store.Enqueue(ctx, parent)

	child := jobs.New("noop", nil)
	childID, err := store.Continue(ctx, parentID, child)
	if err != nil {
		t.Fatal(err)
	}

	// Child must not be fetchable while the parent is pending.
	got, _ := store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	if got == nil || got.ID != parentID {
		t.Fatalf("expected parent first, got %+v", got)
	}
	if extra, _ := store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute); extra != nil {
		t.Fatalf("child leaked before parent succeeded: %+v", extra)
	}

	if err := store.Complete(ctx, parentID, "w1"); err != nil {
		t.Fatal(err)
	}

	got, _ = store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	if got == nil || got.ID != childID {
		t.Fatalf("expected child after parent success, got %+v", got)
	}
}

func TestContinueOnAlreadySucceededParent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	parent := jobs.New("noop", nil)
	parentID, _ := store.Enqueue(ctx, parent)
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	store.Complete(ctx, parentID, "w1")

	child := jobs.New("noop", nil)
	childID, err := store.Continue(ctx, parentID, child)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	if got == nil || got.ID != childID {
		t.Fatalf("expected immediate enqueue of child, got %+v", got)
	}
}

func TestContinueOnAlreadyFailedParent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	parent := jobs.New("noop", nil)
	parentID, _ := store.Enqueue(ctx, parent)
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	if err := store.Fail(ctx, parentID, "w1", errors.New("boom"), time.Time{}); err != nil {
		t.Fatal(err)
	}

	child := jobs.New("noop", nil)
	childID, err := store.Continue(ctx, parentID, child)
	if err != nil {
		t.Fatal(err)
	}
	j, _ := store.GetJob(ctx, childID)
	if j.State != jobs.StateFailed {
		t.Fatalf("expected child failed inline, got %s", j.State)
	}
	depth, _ := store.QueueDepth(ctx, jobs.QueueFailed)
	if depth != 2 {
		t.Errorf("expected parent and child in failed queue, got %d", depth)
	}
}

func TestFailRetryThenTerminalCascades(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	parent := jobs.New("noop", nil)
	parentID, _ := store.Enqueue(ctx, parent)
	child := jobs.New("noop", nil)
	childID, _ := store.Continue(ctx, parentID, child)
	grandchild := jobs.New("noop", nil)
	grandchildID, _ := store.Continue(ctx, childID, grandchild)

	// First attempt fails with a retry.
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	retryAt := now.Add(5 * time.Minute)
	if err := store.Fail(ctx, parentID, "w1", errors.New("boom"), retryAt); err != nil {
		t.Fatal(err)
	}
	j, _ := store.GetJob(ctx, parentID)
	if j.State != jobs.StateScheduled || j.Attempts != 1 {
		t.Fatalf("expected scheduled attempt 1, got %s/%d", j.State, j.Attempts)
	}

	// Promote once due and fail terminally.
	*now = now.Add(6 * time.Minute)
	if n, _ := store.PromoteDue(ctx); n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	if err := store.Fail(ctx, parentID, "w1", errors.New("boom"), time.Time{}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{parentID, childID, grandchildID} {
		j, _ := store.GetJob(ctx, id)
		if j.State != jobs.StateFailed {
			t.Errorf("job %s: expected failed, got %s", id, j.State)
		}
	}
	depth, _ := store.QueueDepth(ctx, jobs.QueueFailed)
	if depth != 3 {
		t.Errorf("expected 3 jobs in failed queue, got %d", depth)
	}
}

func TestReapExpiredKeepsAttempts(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	j := jobs.New("noop", nil)
	id, _ := store.Enqueue(ctx, j)
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)

	// Lease has not lapsed yet.
	if n, _ := store.ReapExpired(ctx); n != 0 {
		t.Fatalf("expected no reaps, got %d", n)
	}

	*now = now.Add(2 * time.Minute)
	n, err := store.ReapExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reap, got %d", n)
	}
	got, _ := store.GetJob(ctx, id)
	if got.State != jobs.StateEnqueued {
		t.Errorf("expected enqueued, got %s", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("a crashed lease must not count as an attempt, got %d", got.Attempts)
	}
	if got.OwnerToken != "" {
		t.Errorf("owner not cleared: %q", got.OwnerToken)
	}

	// The old owner can no longer complete it.
	if err := store.Complete(ctx, id, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for stale owner, got %v", err)
	}
}

func TestPostponeDoesNotCountAttempt(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	j := jobs.New("noop", nil)
	id, _ := store.Enqueue(ctx, j)
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)

	if err := store.Postpone(ctx, id, "w1", now.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetJob(ctx, id)
	if got.State != jobs.StateScheduled || got.Attempts != 0 {
		t.Errorf("expected scheduled/0 attempts, got %s/%d", got.State, got.Attempts)
	}
}

func TestLocks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "email-poll", "job-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	// Second holder is excluded.
	if ok, _ := store.AcquireLock(ctx, "email-poll", "job-b", time.Minute); ok {
		t.Error("second holder acquired a held lock")
	}
	// Same holder re-enters.
	if ok, _ := store.AcquireLock(ctx, "email-poll", "job-a", time.Minute); !ok {
		t.Error("holder could not re-enter its own lock")
	}
	if err := store.ReleaseLock(ctx, "email-poll", "job-a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.AcquireLock(ctx, "email-poll", "job-b", time.Minute); !ok {
		t.Error("lock not released")
	}
}

func TestLockReleasedOnComplete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	j := jobs.New("noop", nil)
	j.ConcurrencyKey = "email-poll"
	j.LockTTL = 5 * time.Minute
	id, _ := store.Enqueue(ctx, j)
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)

	if ok, _ := store.AcquireLock(ctx, "email-poll", id, 5*time.Minute); !ok {
		t.Fatal("job could not take its own lock")
	}
	if err := store.Complete(ctx, id, "w1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.AcquireLock(ctx, "email-poll", "other", time.Minute); !ok {
		t.Error("lock not released on terminal transition")
	}
}

func TestPurge(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	j := jobs.New("noop", nil)
	id, _ := store.Enqueue(ctx, j)
	store.Fetch(ctx, []string{jobs.QueueDefault}, "w1", time.Minute)
	store.Fail(ctx, id, "w1", errors.New("boom"), time.Time{})

	if n, _ := store.Purge(ctx, now.Add(-time.Hour)); n != 0 {
		t.Fatalf("purged too eagerly: %d", n)
	}
	n, err := store.Purge(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if got, _ := store.GetJob(ctx, id); got != nil {
		t.Errorf("job record survived purge: %+v", got)
	}
	if depth, _ := store.QueueDepth(ctx, jobs.QueueFailed); depth != 0 {
		t.Errorf("failed queue entry survived purge: %d", depth)
	}
}

func TestRecurringSchedules(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	sc := RecurringSchedule{
		Name:       "email-processing",
		CronExpr:   "*/5 * * * *",
		Handler:    "email-poll",
		Queue:      jobs.QueueDefault,
		NextFireAt: now.Add(5 * time.Minute),
	}
	if err := store.UpsertSchedule(ctx, sc); err != nil {
		t.Fatal(err)
	}

	due, err := store.DueSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("not due yet, got %d", len(due))
	}

	*now = now.Add(5 * time.Minute)
	due, _ = store.DueSchedules(ctx)
	if len(due) != 1 || due[0].Name != "email-processing" {
		t.Fatalf("expected one due schedule, got %+v", due)
	}

	if err := store.CompleteFire(ctx, "email-processing", *now, now.Add(5*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if due, _ := store.DueSchedules(ctx); len(due) != 0 {
		t.Errorf("schedule still due after fire: %+v", due)
	}
}

func TestProcessedEmailSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if ok, _ := store.IsEmailProcessed(ctx, "msg-1"); ok {
		t.Error("unseen id reported processed")
	}
	if err := store.MarkEmailProcessed(ctx, "msg-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.IsEmailProcessed(ctx, "msg-1"); !ok {
		t.Error("processed id not persisted")
	}
}
