// Package history also reconstructs an object's state at an arbitrary
// point in the merged history and builds the two read-only operations
// layered on top of that: object/diff and object/history. Unlike
// pkg/objhandler, which
// mutates an in-progress change, everything here is read-only and may run
// concurrently with a writer under the storage engine's snapshot reads.
package history

import (
	"context"

	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// Reconstructor answers "what did this object look like" questions
// against the merged history, wiring the blob store, ref index, change
// log, and object-dump codec components it needs to walk change_order
// and resolve the content at any step.
type Reconstructor struct {
	blobs *blobstore.Store
	refs  *refindex.Index
	log   *changelog.Log
	codec objdump.Codec
}

// NewReconstructor wires a Reconstructor from its component stores.
func NewReconstructor(blobs *blobstore.Store, refs *refindex.Index, log *changelog.Log, codec objdump.Codec) *Reconstructor {
	return &Reconstructor{blobs: blobs, refs: refs, log: log, codec: codec}
}

// State is the outcome of walking the merged history up to some point:
// whether the object exists at all, and if so, under what name, version,
// and hash.
type State struct {
	Exists  bool
	Name    string
	Version uint64
	Hash    string
}

// StateAt walks change_order[1..uptoPosition] (inclusive; callers wanting
// an exclusive stop pass position-1) tracking (current_name, exists,
// version) for the object that starts the walk named name:
// renamed_objects retargets current_name, added_objects sets
// exists/version, modified_objects updates version, deleted_objects
// clears exists. The rename retarget runs first within each change: a
// change that both modifies and renames the object records the modified
// entry under the post-rename name, and a change that renames the object
// away may add an unrelated replacement under the old name, which must
// not be attributed to this lineage. A rename is only followed forward
// (old name -> new name) since the walk moves forward in time.
func (r *Reconstructor) StateAt(ctx context.Context, typ vcs.ObjectType, name string, uptoPosition uint64) (*State, error) {
	ids, err := r.log.OrderedIDsFrom(ctx, 1)
	if err != nil {
		return nil, err
	}

	current := name
	var exists bool
	var version uint64

	for pos := uint64(1); pos <= uptoPosition && int(pos) <= len(ids); pos++ {
		c, err := r.log.Get(ctx, ids[pos-1])
		if err != nil {
			return nil, err
		}
		if i, ok := c.FindRenamedFrom(typ, current); ok {
			current = c.RenamedObjects[i].To.Name
		}
		if i, ok := c.FindAdded(typ, current); ok {
			exists = true
			version = c.AddedObjects[i].Version
		}
		if i, ok := c.FindModified(typ, current); ok {
			exists = true
			version = c.ModifiedObjects[i].Version
		}
		if _, ok := c.FindDeleted(typ, current); ok {
			exists = false
		}
	}

	if !exists {
		return &State{Exists: false}, nil
	}
	hash, err := r.hashAtPosition(ctx, typ, current, version, uptoPosition)
	if err != nil {
		return nil, err
	}
	return &State{Exists: true, Name: current, Version: version, Hash: hash}, nil
}

// hashAtPosition resolves the blob hash for the version an object held
// under name as of position. The ref index only knows a version chain by
// its latest name; a rename merged after position moved the whole chain,
// so the name is chased through every later rename before the lookup.
func (r *Reconstructor) hashAtPosition(ctx context.Context, typ vcs.ObjectType, name string, version, position uint64) (string, error) {
	ids, err := r.log.OrderedIDsFrom(ctx, position+1)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		c, err := r.log.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if i, ok := c.FindRenamedFrom(typ, name); ok {
			name = c.RenamedObjects[i].To.Name
		}
	}
	return r.refs.HashAt(ctx, typ, name, version)
}

// Dump loads the stored text for a State produced by StateAt, or "" if
// the object did not exist.
func (r *Reconstructor) Dump(ctx context.Context, st *State) (string, error) {
	if !st.Exists {
		return "", nil
	}
	data, err := r.blobs.Get(ctx, st.Hash)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// loadInChange loads the dump text for typ:name as it appears IN change
// c: its modified_objects entry if present, else its added_objects entry,
// else KindNotFound: diffing against a change in which the object does
// not appear is an error, not an empty diff. For a merged change the
// entry's hash is resolved through any later renames of the chain.
func (r *Reconstructor) loadInChange(ctx context.Context, c *vcs.Change, typ vcs.ObjectType, name string) (string, vcs.ObjectInfo, error) {
	var info vcs.ObjectInfo
	if i, ok := c.FindModified(typ, name); ok {
		info = c.ModifiedObjects[i]
	} else if i, ok := c.FindAdded(typ, name); ok {
		info = c.AddedObjects[i]
	} else {
		return "", info, vcserr.New(vcserr.KindNotFound, "%s:%s not found in change %s", typ, name, c.ID)
	}

	pos, merged, err := r.log.PositionOf(ctx, c.ID)
	if err != nil {
		return "", info, err
	}
	var hash string
	if merged {
		hash, err = r.hashAtPosition(ctx, typ, info.Name, info.Version, pos)
	} else {
		// A workspace change's entries always carry the chain's current
		// name; nothing merged later can have moved it.
		hash, err = r.refs.HashAt(ctx, typ, info.Name, info.Version)
	}
	if err != nil {
		return "", info, err
	}
	data, err := r.blobs.Get(ctx, hash)
	if err != nil {
		return "", info, err
	}
	return string(data), info, nil
}

// baselineStopPosition returns the position to reconstruct state up to,
// exclusive of target itself, for the "no baseline supplied" branch of
// object/diff: the state at the position immediately before target.
// If target has not merged yet, nothing in change_order
// is "after" it, so the whole current merged history is the baseline.
func (r *Reconstructor) baselineStopPosition(ctx context.Context, targetID string) (uint64, error) {
	pos, merged, err := r.log.PositionOf(ctx, targetID)
	if err != nil {
		return 0, err
	}
	if merged {
		if pos == 0 {
			return 0, nil
		}
		return pos - 1, nil
	}
	ids, err := r.log.OrderedIDs(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(len(ids)), nil
}
