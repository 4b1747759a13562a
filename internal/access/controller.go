// Package access gates admin operations on a single owner and carries the
// global pause switch.
package access

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrNotOwner = errors.New("caller is not the owner")
	ErrPaused   = errors.New("system is paused")
)

// Controller is safe for concurrent use.
type Controller struct {
	owner  uuid.UUID
	paused atomic.Bool
}

func NewController(owner uuid.UUID) *Controller {
	return &Controller{owner: owner}
}

func (c *Controller) Owner() uuid.UUID {
	return c.owner
}

// RequireOwner rejects any caller other than the owner. A nil owner
// configuration rejects everyone.
func (c *Controller) RequireOwner(caller uuid.UUID) error {
	if c.owner == uuid.Nil || caller != c.owner {
		return ErrNotOwner
	}
	return nil
}

func (c *Controller) RequireNotPaused() error {
	if c.paused.Load() {
		return ErrPaused
	}
	return nil
}

func (c *Controller) Paused() bool {
	return c.paused.Load()
}

// SetPaused sets the pause flag, reporting whether it changed.
func (c *Controller) SetPaused(paused bool) bool {
	return c.paused.Swap(paused) != paused
}
