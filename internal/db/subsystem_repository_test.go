package db

import (
	"context"
	"errors"
	"testing"
)

func TestSubsystemRepository_SubscribeAndList(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	repo := NewSubsystemRepository(database)
	ctx := context.Background()

	for _, name := range []string{"netdev", "linux-mm", "bpf"} {
		if err := repo.Subscribe(ctx, name); err != nil {
			t.Fatalf("Subscribe %s failed: %v", name, err)
		}
	}
	// Subscribing twice is a no-op.
	if err := repo.Subscribe(ctx, "netdev"); err != nil {
		t.Fatalf("repeat Subscribe failed: %v", err)
	}

	names, err := repo.ListSubscribed(ctx)
	if err != nil {
		t.Fatalf("ListSubscribed failed: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 subsystems, got %d", len(names))
	}
	if names[0] != "bpf" {
		t.Fatalf("expected name ordering, got %v", names)
	}
}

func TestSubsystemRepository_Unsubscribe(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	repo := NewSubsystemRepository(database)
	ctx := context.Background()

	if err := repo.Subscribe(ctx, "netdev"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := repo.Unsubscribe(ctx, "netdev"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	names, err := repo.ListSubscribed(ctx)
	if err != nil {
		t.Fatalf("ListSubscribed failed: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no subscribed subsystems, got %v", names)
	}

	// Row persists with subscribed=0; re-subscribing restores it.
	sub, err := repo.Find(ctx, "netdev")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if sub.Subscribed {
		t.Fatal("expected subsystem to be unsubscribed")
	}

	if err := repo.Unsubscribe(ctx, "missing"); !errors.Is(err, ErrSubsystemNotFound) {
		t.Fatalf("expected ErrSubsystemNotFound, got %v", err)
	}
	if _, err := repo.Find(ctx, "missing"); !errors.Is(err, ErrSubsystemNotFound) {
		t.Fatalf("expected ErrSubsystemNotFound, got %v", err)
	}
}
