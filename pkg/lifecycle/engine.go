// Package lifecycle implements the change lifecycle state machine:
// Local -> {Idle, Review} -> Merged, with the at-most-one-active-Local
// invariant and the tombstone garbage
// trim that follows a merge or an abandon. It is also where the
// single-writer serialization rule is enforced: every mutating
// method takes Engine's mutex for its whole duration, while reads
// elsewhere in the module go straight to the database for snapshot
// semantics.
package lifecycle

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/source"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"github.com/moovcs/vcsd/pkg/workspace"
	"gorm.io/gorm"
)

// Engine owns the lifecycle transitions and serializes them.
type Engine struct {
	mu sync.Mutex

	db     *gorm.DB
	log    *changelog.Log
	ws     *workspace.Workspace
	blobs  *blobstore.Store
	refs   *refindex.Index
	source *source.Source
	hl     hclog.Logger
}

// New wires an Engine from its component stores.
func New(db *gorm.DB, log *changelog.Log, ws *workspace.Workspace, blobs *blobstore.Store, refs *refindex.Index, src *source.Source, hl hclog.Logger) *Engine {
	if hl == nil {
		hl = hclog.NewNullLogger()
	}
	return &Engine{db: db, log: log, ws: ws, blobs: blobs, refs: refs, source: src, hl: hl.Named("lifecycle")}
}

// EnsureActiveLocal returns the system's Local change, auto-creating a
// blank one authored by author if none exists (mutating operations
// auto-create the Local change on first use).
func (e *Engine) EnsureActiveLocal(ctx context.Context, author string, now int64, newID func() string) (*vcs.Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.ws.ActiveLocal(ctx)
	if err == nil {
		return c, nil
	}
	if !vcserr.Is(err, vcserr.KindNotFound) {
		return nil, err
	}

	c = vcs.NewChange(newID(), author, now)
	if err := e.log.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Save persists the active change after a caller (pkg/objhandler) mutates
// it in place, then runs the tombstone garbage trim that follows any
// mutation. Most calls here find nothing to trim — objhandler already
// deletes a blob it directly supersedes — but a rename or a delete can
// leave a ref-index row dangling (e.g. DeleteWithMeta's cascade, or a
// cancelled rename pair) without any single blob delete call to catch it,
// so every mutation gets this same check rather than only merge/abandon.
func (e *Engine) Save(ctx context.Context, c *vcs.Change) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.log.Save(ctx, c); err != nil {
		return err
	}
	_, err := e.trimOrphanedBlobs(ctx)
	return err
}

// Stash moves the active Local change to Idle under name, freeing the
// system to start a new Local change. name must not collide with another
// Idle or Review change.
func (e *Engine) Stash(ctx context.Context, name string) (*vcs.Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.ws.ActiveLocal(ctx)
	if err != nil {
		return nil, err
	}
	if inUse, err := e.ws.NameInUse(ctx, name); err != nil {
		return nil, err
	} else if inUse {
		return nil, vcserr.New(vcserr.KindNameConflict, "a change named %q already exists", name)
	}

	c.Name = name
	c.Status = vcs.StatusIdle
	if err := e.log.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Resume moves an Idle change back to Local. ref is a change id (exact
// or unique short prefix) or, failing that, a stash name. It fails if a
// Local change is already active; the caller must stash it first.
func (e *Engine) Resume(ctx context.Context, ref string) (*vcs.Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.ws.ActiveLocal(ctx); err == nil {
		return nil, vcserr.New(vcserr.KindIllegalTransition, "a local change is already active; stash it first")
	} else if !vcserr.Is(err, vcserr.KindNotFound) {
		return nil, err
	}

	c, err := e.findIdle(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.Status = vcs.StatusLocal
	if err := e.log.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// findIdle resolves ref against the Idle changes, by id first, then by
// stash name.
func (e *Engine) findIdle(ctx context.Context, ref string) (*vcs.Change, error) {
	if id, err := e.log.ResolveID(ctx, ref); err == nil {
		c, err := e.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Status != vcs.StatusIdle {
			return nil, vcserr.New(vcserr.KindIllegalTransition, "change %s is not idle", id)
		}
		return c, nil
	}
	return e.ws.FindByName(ctx, vcs.StatusIdle, ref)
}

// Submit moves the active Local change on: to Review, naming it if it has
// no name yet (first submission) or keeping its existing name
// (resubmission after Resume), when this instance tracks a source; or
// straight to Merged, with no Review stage at all, when it is standalone
// (a standalone instance has no reviewer to submit to).
func (e *Engine) Submit(ctx context.Context, name string) (*vcs.Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.ws.ActiveLocal(ctx)
	if err != nil {
		return nil, err
	}
	if c.IsEmpty() {
		return nil, vcserr.New(vcserr.KindIllegalTransition, "cannot submit an empty change")
	}
	if name != "" {
		c.Name = name
	}
	if c.Name == "" {
		return nil, vcserr.New(vcserr.KindIllegalTransition, "a change must be named before submission")
	}

	tracked, err := e.hasSource(ctx)
	if err != nil {
		return nil, err
	}
	if !tracked {
		return e.merge(ctx, c)
	}

	c.Status = vcs.StatusReview
	if err := e.log.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Approve merges a Review change: it is appended to the merged change
// order, marked Merged, queued on the notify outbox, and any blob now
// unreferenced anywhere is garbage collected.
func (e *Engine) Approve(ctx context.Context, id string) (*vcs.Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.log.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := e.log.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != vcs.StatusReview {
		return nil, vcserr.New(vcserr.KindIllegalTransition, "change %s is not under review", id)
	}
	return e.merge(ctx, c)
}

// hasSource reports whether this instance tracks a remote source, the
// test that decides Submit's Review-vs-Merged branch. A standalone engine
// (source is nil, e.g. constructed without one in a test) is always
// treated as untracked.
func (e *Engine) hasSource(ctx context.Context) (bool, error) {
	if e.source == nil {
		return false, nil
	}
	return e.source.IsConfigured(ctx)
}

// merge marks c Merged, appends it to change_order, queues it on the
// notify outbox, and garbage collects any blob the merge left
// unreferenced. Shared by Approve (a tracked instance's Review change)
// and Submit's standalone fast path.
func (e *Engine) merge(ctx context.Context, c *vcs.Change) (*vcs.Change, error) {
	c.Status = vcs.StatusMerged
	if err := e.log.Save(ctx, c); err != nil {
		return nil, err
	}
	pos, err := e.log.Append(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := e.enqueueOutbox(ctx, pos, c.ID); err != nil {
		return nil, err
	}
	if _, err := e.trimOrphanedBlobs(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Abandon deletes a Local, Idle, or Review change outright, reverting
// every ref-index effect it alone introduced: versions it added or
// bumped are trimmed, renames it recorded are renamed back, and current
// pointers its deletions cleared are restored, with any blob that
// becomes unreferenced trimmed at the end. Merged changes can never be
// abandoned.
func (e *Engine) Abandon(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.log.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	c, err := e.log.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == vcs.StatusMerged {
		return vcserr.New(vcserr.KindIllegalTransition, "change %s is already merged", id)
	}

	for _, info := range c.AddedObjects {
		if err := e.refs.TrimTop(ctx, info.Type, info.Name); err != nil {
			return err
		}
	}
	for _, info := range c.ModifiedObjects {
		if err := e.refs.TrimTop(ctx, info.Type, info.Name); err != nil {
			return err
		}
	}

	// Renames moved whole version chains; walk them back newest-first so
	// a chained rename (A->B, B->C) unwinds in the right order.
	for i := len(c.RenamedObjects) - 1; i >= 0; i-- {
		pair := c.RenamedObjects[i]
		if err := e.refs.Rename(ctx, pair.From.Type, pair.To.Name, pair.From.Name); err != nil {
			return err
		}
	}

	// Deletions only cleared the current pointer (history stayed); point
	// it back at the version the deletion was recorded against.
	for _, info := range c.DeletedObjects {
		if err := e.refs.SetCurrent(ctx, info.Type, info.Name, info.Version); err != nil {
			return err
		}
	}

	if err := e.log.Delete(ctx, id); err != nil {
		return err
	}
	_, err = e.trimOrphanedBlobs(ctx)
	return err
}

// trimOrphanedBlobs deletes every stored blob no longer reachable from any
// ref version on record. It is the one tombstone-garbage-collection helper
// shared across Save, merge, and Abandon, so the reachability rule lives in
// exactly one place.
func (e *Engine) trimOrphanedBlobs(ctx context.Context) (int64, error) {
	keep, err := e.refs.AllReferencedHashes(ctx)
	if err != nil {
		return 0, err
	}
	n, err := e.blobs.DeleteUnreferenced(ctx, keep)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.hl.Debug("trimmed orphaned blobs", "count", n)
	}
	return n, nil
}

func (e *Engine) enqueueOutbox(ctx context.Context, position uint64, changeID string) error {
	row := vcsmodels.MergeOutboxRow{Position: position, ChangeID: changeID}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "enqueue outbox entry for change %s", changeID)
	}
	return nil
}
