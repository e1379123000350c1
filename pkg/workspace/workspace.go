// Package workspace is the "workspace" keyspace:
// lookup of Idle and Review changes by name, and enforcement of the
// at-most-one-active-Local-change invariant that pkg/lifecycle's
// transitions depend on. The changes themselves are persisted by
// pkg/changelog; this package is the name- and status-oriented view onto
// that same store that the switch/stash/submit operations need.
package workspace

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// Workspace is the name-indexed view over Idle/Review/Local changes.
type Workspace struct {
	log *changelog.Log
	hl  hclog.Logger
}

// New wraps a changelog.Log as a Workspace.
func New(log *changelog.Log, hl hclog.Logger) *Workspace {
	if hl == nil {
		hl = hclog.NewNullLogger()
	}
	return &Workspace{log: log, hl: hl.Named("workspace")}
}

// ActiveLocal returns the system's single Local change, or a KindNotFound
// error if there is none (the caller, pkg/lifecycle, auto-creates one on
// first mutation when this happens).
func (w *Workspace) ActiveLocal(ctx context.Context) (*vcs.Change, error) {
	locals, err := w.log.ListByStatus(ctx, vcs.StatusLocal)
	if err != nil {
		return nil, err
	}
	if len(locals) == 0 {
		return nil, vcserr.New(vcserr.KindNotFound, "no active local change")
	}
	if len(locals) > 1 {
		// Invariant violation: the lifecycle engine should never allow
		// this, but surface it loudly rather than picking one silently.
		return nil, vcserr.New(vcserr.KindIllegalTransition, "more than one local change exists (%d)", len(locals))
	}
	return locals[0], nil
}

// FindByName returns the Idle or Review change with the given name.
// Names are unique within each status but not across statuses, so callers
// must know which bucket they're looking in.
func (w *Workspace) FindByName(ctx context.Context, status vcs.Status, name string) (*vcs.Change, error) {
	changes, err := w.log.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, vcserr.New(vcserr.KindNotFound, "no %s change named %q", status, name)
}

// List returns every change with the given status.
func (w *Workspace) List(ctx context.Context, status vcs.Status) ([]*vcs.Change, error) {
	return w.log.ListByStatus(ctx, status)
}

// NameInUse reports whether name is already used by an Idle or Review
// change, which the stash operation must reject to keep names usable as a
// secondary key for switching.
func (w *Workspace) NameInUse(ctx context.Context, name string) (bool, error) {
	for _, status := range []vcs.Status{vcs.StatusIdle, vcs.StatusReview} {
		changes, err := w.log.ListByStatus(ctx, status)
		if err != nil {
			return false, err
		}
		for _, c := range changes {
			if c.Name == name {
				return true, nil
			}
		}
	}
	return false, nil
}
