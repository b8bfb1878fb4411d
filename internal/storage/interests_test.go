package storage

import (
	"context"
	"errors"
	"testing"
)

func TestUpsertInterest_CreatesAndReactivates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertInterest(ctx, "u1", "rust")
	if err != nil {
		t.Fatalf("UpsertInterest: %v", err)
	}
	if !first.Active || first.Label != "rust" || first.ID == "" {
		t.Fatalf("interest = %+v", first)
	}

	if err := s.DeactivateInterest(ctx, "u1", first.ID); err != nil {
		t.Fatalf("DeactivateInterest: %v", err)
	}

	again, err := s.UpsertInterest(ctx, "u1", "rust")
	if err != nil {
		t.Fatalf("UpsertInterest again: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("reactivated id = %q, want original %q", again.ID, first.ID)
	}
	if !again.Active {
		t.Error("interest should be active after upsert")
	}
}

func TestListInterests_ActiveOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rust, _ := s.UpsertInterest(ctx, "u1", "rust")
	s.UpsertInterest(ctx, "u1", "climate")
	s.UpsertInterest(ctx, "u2", "cooking")
	if err := s.DeactivateInterest(ctx, "u1", rust.ID); err != nil {
		t.Fatalf("DeactivateInterest: %v", err)
	}

	active, err := s.ListInterests(ctx, "u1", true)
	if err != nil {
		t.Fatalf("ListInterests: %v", err)
	}
	if len(active) != 1 || active[0].Label != "climate" {
		t.Errorf("active = %+v, want only climate", active)
	}

	all, err := s.ListInterests(ctx, "u1", false)
	if err != nil {
		t.Fatalf("ListInterests: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d interests, want 2", len(all))
	}
}

func TestDeactivateInterest_OtherUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in, _ := s.UpsertInterest(ctx, "u1", "rust")
	err := s.DeactivateInterest(ctx, "u2", in.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeactivateInterestByLabel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertInterest(ctx, "u1", "Rust")
	if err := s.DeactivateInterestByLabel(ctx, "u1", "rust"); err != nil {
		t.Fatalf("DeactivateInterestByLabel: %v", err)
	}
	if err := s.DeactivateInterestByLabel(ctx, "u1", "rust"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second deactivate err = %v, want ErrNotFound", err)
	}
}
