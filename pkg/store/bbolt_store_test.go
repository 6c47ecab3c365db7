package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nclav-io/nclav/pkg/domain"
)

func dummyEnclave(id string) EnclaveState {
	return NewEnclaveState(domain.Enclave{
		ID:     domain.EnclaveID(id),
		Name:   id,
		Region: "local",
	})
}

func openBbolt(t *testing.T) *BboltStore {
	t.Helper()
	s, err := NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBboltUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	state := dummyEnclave("test")
	if err := s.UpsertEnclave(ctx, &state); err != nil {
		t.Fatalf("UpsertEnclave() error = %v", err)
	}
	got, err := s.GetEnclave(ctx, "test")
	if err != nil {
		t.Fatalf("GetEnclave() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected enclave state, got nil")
	}
	if got.Desired.ID != "test" {
		t.Errorf("ID = %q, want test", got.Desired.ID)
	}
}

func TestBboltPersistenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore() error = %v", err)
	}
	state := dummyEnclave("persistent")
	if err := s.UpsertEnclave(ctx, &state); err != nil {
		t.Fatalf("UpsertEnclave() error = %v", err)
	}
	s.Close()

	reopened, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("reopen NewBboltStore() error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetEnclave(ctx, "persistent")
	if err != nil {
		t.Fatalf("GetEnclave() error = %v", err)
	}
	if got == nil {
		t.Fatal("data should survive store reopen")
	}
}

func TestBboltDeleteEnclave(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	state := dummyEnclave("del")
	if err := s.UpsertEnclave(ctx, &state); err != nil {
		t.Fatalf("UpsertEnclave() error = %v", err)
	}
	if err := s.DeleteEnclave(ctx, "del"); err != nil {
		t.Fatalf("DeleteEnclave() error = %v", err)
	}
	got, err := s.GetEnclave(ctx, "del")
	if err != nil {
		t.Fatalf("GetEnclave() error = %v", err)
	}
	if got != nil {
		t.Error("expected enclave to be deleted")
	}
}

func TestBboltListEnclaves(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	a, b := dummyEnclave("a"), dummyEnclave("b")
	if err := s.UpsertEnclave(ctx, &a); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEnclave(ctx, &b); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListEnclaves(ctx)
	if err != nil {
		t.Fatalf("ListEnclaves() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 enclaves, got %d", len(list))
	}
}

func TestBboltUpsertPartitionRequiresEnclave(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	part := PartitionState{Desired: domain.Partition{ID: "svc"}}
	err := s.UpsertPartition(ctx, "nonexistent", &part)
	if err == nil {
		t.Fatal("expected error for missing parent enclave")
	}
	storeErr, ok := err.(*Error)
	if !ok || storeErr.Kind != KindEnclaveNotFound {
		t.Fatalf("expected KindEnclaveNotFound, got %v", err)
	}
}

func TestBboltEventsAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	if err := s.AppendEvent(ctx, &AuditEvent{Kind: EventEnclaveProvisioned, EnclaveID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(ctx, &AuditEvent{Kind: EventEnclaveProvisioned, EnclaveID: "b"}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListEvents(ctx, nil, 100)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}

	aID := domain.EnclaveID("a")
	forA, err := s.ListEvents(ctx, &aID, 100)
	if err != nil {
		t.Fatalf("ListEvents(a) error = %v", err)
	}
	if len(forA) != 1 {
		t.Fatalf("expected 1 event for enclave a, got %d", len(forA))
	}
}

func TestBboltTfStateLockConflict(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	if err := s.LockTfState(ctx, "e/p", []byte(`{"ID":"lock-1"}`)); err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}
	err := s.LockTfState(ctx, "e/p", []byte(`{"ID":"lock-2"}`))
	holder, ok := IsLockConflict(err)
	if !ok {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if holder != "lock-1" {
		t.Errorf("holder = %q, want lock-1", holder)
	}

	// Wrong lock ID does not unlock.
	if err := s.UnlockTfState(ctx, "e/p", "lock-2"); err != nil {
		t.Fatalf("UnlockTfState() error = %v", err)
	}
	if err := s.LockTfState(ctx, "e/p", []byte(`{"ID":"lock-3"}`)); err == nil {
		t.Fatal("expected lock to still be held after mismatched unlock")
	}

	// Force-unlock with empty ID succeeds regardless of holder.
	if err := s.UnlockTfState(ctx, "e/p", ""); err != nil {
		t.Fatalf("force UnlockTfState() error = %v", err)
	}
	if err := s.LockTfState(ctx, "e/p", []byte(`{"ID":"lock-4"}`)); err != nil {
		t.Fatalf("lock should succeed after force-unlock: %v", err)
	}
}

func TestBboltTfStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	if got, err := s.GetTfState(ctx, "missing"); err != nil || got != nil {
		t.Fatalf("expected nil state for missing key, got %v, %v", got, err)
	}

	if err := s.PutTfState(ctx, "e/p", []byte(`{"version":4}`)); err != nil {
		t.Fatalf("PutTfState() error = %v", err)
	}
	got, err := s.GetTfState(ctx, "e/p")
	if err != nil {
		t.Fatalf("GetTfState() error = %v", err)
	}
	if string(got) != `{"version":4}` {
		t.Errorf("state = %s, want {\"version\":4}", got)
	}

	if err := s.DeleteTfState(ctx, "e/p"); err != nil {
		t.Fatalf("DeleteTfState() error = %v", err)
	}
	if got, _ := s.GetTfState(ctx, "e/p"); got != nil {
		t.Error("expected state to be deleted")
	}
}

func TestBboltIacRunsOrderingAndCap(t *testing.T) {
	ctx := context.Background()
	s := openBbolt(t)

	base := dummyEnclave("e")
	if err := s.UpsertEnclave(ctx, &base); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 102; i++ {
		run := IacRun{
			ID:          uuid.New(),
			EnclaveID:   "e",
			PartitionID: "p",
			Operation:   IacOperationProvision,
			StartedAt:   start.Add(time.Duration(i) * time.Second),
			Status:      IacRunSucceeded,
		}
		if err := s.UpsertIacRun(ctx, &run); err != nil {
			t.Fatalf("UpsertIacRun() error = %v", err)
		}
	}

	runs, err := s.ListIacRuns(ctx, "e", "p")
	if err != nil {
		t.Fatalf("ListIacRuns() error = %v", err)
	}
	if len(runs) != 100 {
		t.Fatalf("expected 100 runs (the cap), got %d", len(runs))
	}
	if !runs[0].StartedAt.Equal(start.Add(101 * time.Second)) {
		t.Errorf("first run started at %v, want the newest", runs[0].StartedAt)
	}
	if !runs[99].StartedAt.Equal(start.Add(2 * time.Second)) {
		t.Errorf("last run started at %v, want the third oldest", runs[99].StartedAt)
	}
}

func TestNewBboltStoreCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore() error = %v", err)
	}
	defer s.Close()
}
