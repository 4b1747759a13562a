package access_test

import (
	"StakeLedger/internal/access"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestRequireOwner(t *testing.T) {
	owner := uuid.New()
	c := access.NewController(owner)

	if err := c.RequireOwner(owner); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if err := c.RequireOwner(uuid.New()); !errors.Is(err, access.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestRequireOwner_NilOwnerRejectsAll(t *testing.T) {
	c := access.NewController(uuid.Nil)
	if err := c.RequireOwner(uuid.Nil); !errors.Is(err, access.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestPauseToggle(t *testing.T) {
	c := access.NewController(uuid.New())

	if err := c.RequireNotPaused(); err != nil {
		t.Fatalf("fresh controller paused: %v", err)
	}
	if !c.SetPaused(true) {
		t.Error("pause should report a change")
	}
	if c.SetPaused(true) {
		t.Error("second pause should report no change")
	}
	if err := c.RequireNotPaused(); !errors.Is(err, access.ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}
	c.SetPaused(false)
	if c.Paused() {
		t.Error("still paused after unpause")
	}
}
