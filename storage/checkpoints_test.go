package storage

import (
	"errors"
	"testing"
	"time"
)

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveCheckpoint("s1", "f1", 4096); err != nil {
		t.Fatalf("save: %v", err)
	}
	offset, err := store.Checkpoint("s1", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if offset != 4096 {
		t.Fatalf("offset = %d, want 4096", offset)
	}
}

func TestCheckpointUpsertAdvances(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveCheckpoint("s1", "f1", 1024); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.SaveCheckpoint("s1", "f1", 8192); err != nil {
		t.Fatalf("second save: %v", err)
	}
	offset, err := store.Checkpoint("s1", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if offset != 8192 {
		t.Fatalf("offset = %d, want 8192", offset)
	}
}

func TestCheckpointMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Checkpoint("nope", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrNotFound)
	}
}

func TestDeleteCheckpointsClearsSession(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveCheckpoint("s1", "f1", 100); err != nil {
		t.Fatalf("save f1: %v", err)
	}
	if err := store.SaveCheckpoint("s1", "f2", 200); err != nil {
		t.Fatalf("save f2: %v", err)
	}
	if err := store.SaveCheckpoint("s2", "f1", 300); err != nil {
		t.Fatalf("save other session: %v", err)
	}

	if err := store.DeleteCheckpoints("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Checkpoint("s1", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("f1 survived: %v", err)
	}
	if _, err := store.Checkpoint("s1", "f2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("f2 survived: %v", err)
	}
	if offset, err := store.Checkpoint("s2", "f1"); err != nil || offset != 300 {
		t.Fatalf("unrelated session touched: %d, %v", offset, err)
	}
}

func TestCheckpointValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveCheckpoint("", "f1", 1); err == nil {
		t.Fatal("missing session id accepted")
	}
	if err := store.SaveCheckpoint("s1", "", 1); err == nil {
		t.Fatal("missing file id accepted")
	}
	if err := store.SaveCheckpoint("s1", "f1", -1); err == nil {
		t.Fatal("negative offset accepted")
	}
}

func TestPruneCheckpoints(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveCheckpoint("stale", "f1", 10); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.db.Exec(
		`UPDATE transfer_checkpoints SET updated_at = ? WHERE session_id = 'stale'`,
		time.Now().Add(-48*time.Hour).Unix(),
	); err != nil {
		t.Fatalf("age row: %v", err)
	}
	if err := store.SaveCheckpoint("fresh", "f1", 20); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	dropped, err := store.PruneCheckpoints(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if _, err := store.Checkpoint("stale", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale checkpoint survived: %v", err)
	}
	if offset, err := store.Checkpoint("fresh", "f1"); err != nil || offset != 20 {
		t.Fatalf("fresh checkpoint lost: %d, %v", offset, err)
	}
}
