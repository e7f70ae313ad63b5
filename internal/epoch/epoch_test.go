package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/dropvault/dropclaim/internal/kv"
)

func newTestManager(t *testing.T) (*Manager, *kv.Memory, *time.Time) {
	t.Helper()
	store := kv.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store.SetClock(clock)

	mgr := NewManager(store, "featured", 24*time.Hour, nil)
	mgr.SetClock(clock)
	return mgr, store, &now
}

func TestManager_SelfRotatesWhenEmpty(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	ep, err := mgr.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if ep.ID == "" || ep.SubjectID != "featured" {
		t.Fatalf("unexpected epoch: %+v", ep)
	}
	if got := ep.ExpiresAt.Sub(ep.StartedAt); got != 24*time.Hour {
		t.Fatalf("epoch window = %v", got)
	}

	again, err := mgr.Current(context.Background())
	if err != nil {
		t.Fatalf("second current: %v", err)
	}
	if again.ID != ep.ID {
		t.Fatalf("epoch changed without rotation: %s vs %s", again.ID, ep.ID)
	}
}

func TestManager_RotatesOnExpiry(t *testing.T) {
	mgr, _, now := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}

	*now = now.Add(25 * time.Hour)

	second, err := mgr.Current(ctx)
	if err != nil {
		t.Fatalf("current after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expired epoch was not rotated")
	}
	if !second.StartedAt.Equal(*now) {
		t.Fatalf("new epoch start = %v, want %v", second.StartedAt, *now)
	}
}

func TestManager_PublishExternalID(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Current(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ep, err := mgr.Publish(ctx, "drop-42")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ep.ID != "drop-42" {
		t.Fatalf("published id = %s", ep.ID)
	}

	current, err := mgr.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.ID != "drop-42" {
		t.Fatalf("current id = %s, want drop-42", current.ID)
	}

	if _, err := mgr.Publish(ctx, "drop-42"); err == nil {
		t.Fatal("re-publishing the current id should fail")
	}
}

func TestEpoch_Remaining(t *testing.T) {
	now := time.Now()
	ep := Epoch{StartedAt: now, ExpiresAt: now.Add(time.Hour)}

	if got := ep.Remaining(now.Add(30 * time.Minute)); got != 30*time.Minute {
		t.Fatalf("remaining = %v", got)
	}
	if got := ep.Remaining(now.Add(2 * time.Hour)); got != 0 {
		t.Fatalf("remaining after expiry = %v", got)
	}
}
