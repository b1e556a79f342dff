// Package election decides which monitor instance may act. Only the leader
// evaluates the engine and executes plans; followers keep probing so their
// view is warm when they take over.
package election

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotLeader is returned by leader-only operations on a follower.
	ErrNotLeader = errors.New("not the monitor leader")
	// ErrNoLeader is returned while no leader is known.
	ErrNoLeader = errors.New("no monitor leader elected")
)

// Leadership is implemented by every election mechanism.
type Leadership interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	// Leader returns the current leader's ID.
	Leader() (string, error)
	Name() string
}

// Standalone is a single monitor that always leads.
type Standalone struct {
	ID string
}

func NewStandalone(id string) *Standalone {
	return &Standalone{ID: id}
}

func (s *Standalone) Start(ctx context.Context) error { return nil }

func (s *Standalone) Stop() error { return nil }

func (s *Standalone) IsLeader() bool { return true }

func (s *Standalone) Leader() (string, error) { return s.ID, nil }

func (s *Standalone) Name() string { return "standalone" }
