// Package objhandler implements the update/delete/rename pipeline for
// object definitions: the three mutations an editor performs against
// the active Local change, expressed in terms of the blob store and ref
// index beneath it. Higher layers (pkg/lifecycle) are responsible for
// finding or creating the active Local change and persisting it after
// each call here; this package only ever mutates the in-memory
// *vcs.Change it is given plus the shared blob/ref stores.
package objhandler

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/metacodec"
	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// Handler wires the object dump codec to the blob store and ref index.
type Handler struct {
	blobs *blobstore.Store
	refs  *refindex.Index
	codec objdump.Codec
	log   hclog.Logger
}

// New constructs a Handler. codec is the object-dump codec; production
// code passes objdump.NewTextCodec().
func New(blobs *blobstore.Store, refs *refindex.Index, codec objdump.Codec, log hclog.Logger) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Handler{blobs: blobs, refs: refs, codec: codec, log: log.Named("objhandler")}
}

// Update parses dumpText, filters it against the object's current meta
// sidecar (dropping any property definition, property override, or verb
// named in the companion MooMetaObject's ignore sets),
// stores the filtered result as a new blob-addressed version of the named
// object, and records the mutation against change. It covers three cases:
// a brand-new object (recorded as added), an edit to an object
// already current (recorded as modified), and a resurrect (editing an
// object this same change had deleted, which un-deletes it and is
// recorded as modified, since the deletion leaves no trace).
func (h *Handler) Update(ctx context.Context, change *vcs.Change, typ vcs.ObjectType, dumpText string) (vcs.ObjectInfo, error) {
	def, err := h.codec.Parse(dumpText)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}

	if typ == vcs.MooObject {
		meta, _, err := h.loadMeta(ctx, def.Name)
		if err != nil {
			return vcs.ObjectInfo{}, err
		}
		def = filterDefinition(def, meta)
	}

	canonical, err := h.codec.Serialise(def)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	return h.recordVersion(ctx, change, typ, def.Name, canonical)
}

// recordVersion is the shared tail of every mutation that produces a new
// blob-addressed version of (typ, name): store the blob, update the ref,
// and file the result into the right bucket of change depending on
// whether this change has already touched the name. Update calls this
// after running dump text through the object-dump codec; the meta
// operations below call it directly with YAML-encoded meta text, since a
// meta sidecar never goes through the object-dump codec.
//
// A re-update of a name this same change already lists
// in added_objects or modified_objects overwrites that entry's existing
// version in place rather than minting a new one: the version number
// does not change, and the blob it previously pointed at is trimmed
// since nothing else can still reach it. Every other case (resurrecting
// a deleted name, or touching a name this change hasn't touched yet)
// goes through the ordinary SetRef version bump.
func (h *Handler) recordVersion(ctx context.Context, change *vcs.Change, typ vcs.ObjectType, name, canonical string) (vcs.ObjectInfo, error) {
	if _, ok := change.FindRenamedFrom(typ, name); ok {
		return vcs.ObjectInfo{}, vcserr.New(vcserr.KindIllegalTransition, "%s:%s was renamed in this change; use its new name", typ, name)
	}

	hash, err := h.blobs.Put(ctx, []byte(canonical))
	if err != nil {
		return vcs.ObjectInfo{}, err
	}

	if ai, ok := change.FindAdded(typ, name); ok {
		info := change.AddedObjects[ai]
		if err := h.overwriteVersion(ctx, typ, name, info.Version, hash); err != nil {
			return vcs.ObjectInfo{}, err
		}
		return info, nil
	}

	if mi, ok := change.FindModified(typ, name); ok {
		info := change.ModifiedObjects[mi]
		if err := h.overwriteVersion(ctx, typ, name, info.Version, hash); err != nil {
			return vcs.ObjectInfo{}, err
		}
		return info, nil
	}

	_, existedBefore, err := h.refs.CurrentVersion(ctx, typ, name)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}

	version, err := h.refs.SetRef(ctx, typ, name, hash)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	info := vcs.ObjectInfo{Type: typ, Name: name, Version: version}

	if di, ok := change.FindDeleted(typ, name); ok {
		change.RemoveDeleted(di)
		setInfo(&change.ModifiedObjects, info)
		return info, nil
	}

	if !existedBefore {
		change.AddedObjects = append(change.AddedObjects, info)
		return info, nil
	}

	setInfo(&change.ModifiedObjects, info)
	return info, nil
}

// overwriteVersion rewrites (typ, name)'s existing version to point at
// hash and deletes the blob it pointed at before, provided the two
// differ; nothing else can reach the superseded blob.
func (h *Handler) overwriteVersion(ctx context.Context, typ vcs.ObjectType, name string, version uint64, hash string) error {
	oldHash, err := h.refs.OverwriteRef(ctx, typ, name, version, hash)
	if err != nil {
		return err
	}
	if oldHash == hash {
		return nil
	}
	return h.blobs.Delete(ctx, oldHash)
}

// loadMeta returns the ignore-set sidecar for the MooObject named name.
// A name with no companion MooMetaObject ref returns an empty, non-nil
// Meta and exists=false; callers that only need filtering can ignore
// exists, but the meta/clear_* operations need it to report "0 cleared"
// on a name that was never annotated.
func (h *Handler) loadMeta(ctx context.Context, name string) (meta *metacodec.Meta, exists bool, err error) {
	version, ok, err := h.refs.CurrentVersion(ctx, vcs.MooMetaObject, name)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &metacodec.Meta{}, false, nil
	}
	hash, err := h.refs.HashAt(ctx, vcs.MooMetaObject, name, version)
	if err != nil {
		return nil, false, err
	}
	data, err := h.blobs.Get(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	m, err := metacodec.Decode(data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// storeMeta encodes meta as YAML and records it as the MooMetaObject
// sidecar for objName, through the same recordVersion bookkeeping an
// ordinary object update uses.
func (h *Handler) storeMeta(ctx context.Context, change *vcs.Change, objName string, meta *metacodec.Meta) (vcs.ObjectInfo, error) {
	data, err := metacodec.Encode(meta)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	return h.recordVersion(ctx, change, vcs.MooMetaObject, objName, string(data))
}

// filterDefinition drops every property definition, property override,
// and verb named in meta's ignore sets. A verb is
// identified by its first (primary) name, matching how meta/add_ignored_verb
// names a verb.
func filterDefinition(def *objdump.Definition, meta *metacodec.Meta) *objdump.Definition {
	if meta == nil || meta.IsEmpty() {
		return def
	}
	out := *def

	out.Properties = make([]objdump.PropertyDef, 0, len(def.Properties))
	for _, p := range def.Properties {
		if !meta.IgnoresProperty(p.Name) {
			out.Properties = append(out.Properties, p)
		}
	}

	out.Overrides = make([]objdump.PropertyOverride, 0, len(def.Overrides))
	for _, o := range def.Overrides {
		if !meta.IgnoresProperty(o.Name) {
			out.Overrides = append(out.Overrides, o)
		}
	}

	out.Verbs = make([]objdump.VerbDef, 0, len(def.Verbs))
	for _, v := range def.Verbs {
		if !meta.IgnoresVerb(v.FirstName()) {
			out.Verbs = append(out.Verbs, v)
		}
	}

	return &out
}

// AddIgnoredProperty adds propName to objName's ignored-properties set.
func (h *Handler) AddIgnoredProperty(ctx context.Context, change *vcs.Change, objName, propName string) (vcs.ObjectInfo, error) {
	meta, _, err := h.loadMeta(ctx, objName)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	meta.IgnoreProperty(propName)
	return h.storeMeta(ctx, change, objName, meta)
}

// RemoveIgnoredProperty removes propName from objName's ignored-properties
// set.
func (h *Handler) RemoveIgnoredProperty(ctx context.Context, change *vcs.Change, objName, propName string) (vcs.ObjectInfo, error) {
	meta, _, err := h.loadMeta(ctx, objName)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	meta.UnignoreProperty(propName)
	return h.storeMeta(ctx, change, objName, meta)
}

// AddIgnoredVerb adds verbName to objName's ignored-verbs set.
func (h *Handler) AddIgnoredVerb(ctx context.Context, change *vcs.Change, objName, verbName string) (vcs.ObjectInfo, error) {
	meta, _, err := h.loadMeta(ctx, objName)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	meta.IgnoreVerb(verbName)
	return h.storeMeta(ctx, change, objName, meta)
}

// RemoveIgnoredVerb removes verbName from objName's ignored-verbs set.
func (h *Handler) RemoveIgnoredVerb(ctx context.Context, change *vcs.Change, objName, verbName string) (vcs.ObjectInfo, error) {
	meta, _, err := h.loadMeta(ctx, objName)
	if err != nil {
		return vcs.ObjectInfo{}, err
	}
	meta.UnignoreVerb(verbName)
	return h.storeMeta(ctx, change, objName, meta)
}

// ClearIgnoredProperties empties objName's ignored-properties set and
// reports how many entries were removed. Clearing a name with no
// companion meta object is a no-op that reports 0.
func (h *Handler) ClearIgnoredProperties(ctx context.Context, change *vcs.Change, objName string) (int, error) {
	meta, exists, err := h.loadMeta(ctx, objName)
	if err != nil {
		return 0, err
	}
	if !exists || len(meta.IgnoredProperties) == 0 {
		return 0, nil
	}
	n := len(meta.IgnoredProperties)
	meta.IgnoredProperties = nil
	if _, err := h.storeMeta(ctx, change, objName, meta); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearIgnoredVerbs empties objName's ignored-verbs set and reports how
// many entries were removed, with the same no-op-if-absent rule as
// ClearIgnoredProperties.
func (h *Handler) ClearIgnoredVerbs(ctx context.Context, change *vcs.Change, objName string) (int, error) {
	meta, exists, err := h.loadMeta(ctx, objName)
	if err != nil {
		return 0, err
	}
	if !exists || len(meta.IgnoredVerbs) == 0 {
		return 0, nil
	}
	n := len(meta.IgnoredVerbs)
	meta.IgnoredVerbs = nil
	if _, err := h.storeMeta(ctx, change, objName, meta); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes the named object's current value. If this same change
// created the object (it is still only in AddedObjects), the add is
// cancelled outright and the version is trimmed from the ref index so no
// trace of it remains; otherwise the object's current pointer is cleared
// but its history is kept, and the deletion is recorded so the merge can
// replay it. Deleting an object by the name it was renamed to within this
// same change instead undoes the rename in the ref index and records the
// deletion against the rename's original name.
func (h *Handler) Delete(ctx context.Context, change *vcs.Change, typ vcs.ObjectType, name string) error {
	if ri, ok := findRenamedTo(change, typ, name); ok {
		pair := change.RenamedObjects[ri]
		if err := h.refs.Rename(ctx, typ, name, pair.From.Name); err != nil {
			return err
		}
		change.RemoveRenamed(ri)
		// A modify that preceded the rename is cancelled with it: its
		// bumped version is trimmed so the deletion lands on the merged
		// version, not an uncommitted one.
		if mi, ok := change.FindModified(typ, name); ok {
			change.RemoveModified(mi)
			if err := h.refs.TrimTop(ctx, typ, pair.From.Name); err != nil {
				return err
			}
		}
		version, existed, err := h.refs.CurrentVersion(ctx, typ, pair.From.Name)
		if err != nil {
			return err
		}
		if existed {
			if err := h.refs.ClearCurrent(ctx, typ, pair.From.Name); err != nil {
				return err
			}
			change.DeletedObjects = append(change.DeletedObjects, vcs.ObjectInfo{Type: typ, Name: pair.From.Name, Version: version})
		}
		return nil
	}

	version, existed, err := h.refs.CurrentVersion(ctx, typ, name)
	if err != nil {
		return err
	}
	if !existed {
		return vcserr.New(vcserr.KindNotFound, "%s:%s has no current version", typ, name)
	}

	if ai, ok := change.FindAdded(typ, name); ok {
		change.RemoveAdded(ai)
		return h.refs.TrimTop(ctx, typ, name)
	}

	if mi, ok := change.FindModified(typ, name); ok {
		change.RemoveModified(mi)
	}

	if err := h.refs.ClearCurrent(ctx, typ, name); err != nil {
		return err
	}
	change.DeletedObjects = append(change.DeletedObjects, vcs.ObjectInfo{Type: typ, Name: name, Version: version})
	return nil
}

// DeleteWithMeta deletes the named object and cascades the deletion to
// its MooMetaObject companion, if any, using the same rules. It is a no-op
// extension for callers operating on MooObject names; calling it with
// typ=MooMetaObject is equivalent to Delete.
func (h *Handler) DeleteWithMeta(ctx context.Context, change *vcs.Change, typ vcs.ObjectType, name string) error {
	if err := h.Delete(ctx, change, typ, name); err != nil {
		return err
	}
	if typ != vcs.MooObject {
		return nil
	}
	if err := h.Delete(ctx, change, vcs.MooMetaObject, name); err != nil {
		if vcserr.Is(err, vcserr.KindNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Rename moves the current and historical versions of from to to.
// Renaming an object this change added updates that entry's name in
// place with no separate rename record, since a rename of a
// not-yet-merged add is still just that add under another name. Any
// other rename (of a modified entry, or of an object only referenced
// from merged history) records a RenamePair so the merged history can
// replay and classify it; a modified entry is additionally retargeted to
// the new name, never left under the old one. A rename that exactly
// reverses an existing RenamePair (B->A after A->B) cancels the pair
// instead of stacking a second one, which is what lets "rename twice
// back to the original name" leave the change empty again.
func (h *Handler) Rename(ctx context.Context, change *vcs.Change, typ vcs.ObjectType, from, to string) error {
	if _, exists, err := h.refs.CurrentVersion(ctx, typ, to); err != nil {
		return err
	} else if exists {
		return vcserr.New(vcserr.KindNameConflict, "%s:%s already exists", typ, to)
	}

	version, _, err := h.refs.CurrentVersion(ctx, typ, from)
	if err != nil {
		return err
	}
	if err := h.refs.Rename(ctx, typ, from, to); err != nil {
		return err
	}

	if ai, ok := change.FindAdded(typ, from); ok {
		change.AddedObjects[ai].Name = to
		return nil
	}
	if mi, ok := change.FindModified(typ, from); ok {
		change.ModifiedObjects[mi].Name = to
	}
	recordRename(change, typ, from, to, version)
	return nil
}

// recordRename maintains the change's RenamedObjects set for a rename of
// from to to: cancelling an exact inverse of an existing pair,
// retargeting a pair whose chain is renamed onward (A->B then B->C
// collapses to A->C), or appending a fresh pair.
func recordRename(change *vcs.Change, typ vcs.ObjectType, from, to string, version uint64) {
	if ri, ok := findRenamedTo(change, typ, from); ok {
		pair := change.RenamedObjects[ri]
		if pair.From.Name == to {
			change.RemoveRenamed(ri)
			return
		}
		change.RenamedObjects[ri].To = vcs.ObjectInfo{Type: typ, Name: to, Version: pair.To.Version}
		return
	}
	change.RenamedObjects = append(change.RenamedObjects, vcs.RenamePair{
		From: vcs.ObjectInfo{Type: typ, Name: from, Version: version},
		To:   vcs.ObjectInfo{Type: typ, Name: to, Version: version},
	})
}

// setInfo replaces the entry matching info's type and name, or appends it
// if there is none yet.
func setInfo(set *[]vcs.ObjectInfo, info vcs.ObjectInfo) {
	for i, o := range *set {
		if o.Type == info.Type && o.Name == info.Name {
			(*set)[i] = info
			return
		}
	}
	*set = append(*set, info)
}

func findRenamedTo(change *vcs.Change, typ vcs.ObjectType, name string) (int, bool) {
	for i, r := range change.RenamedObjects {
		if r.To.Type == typ && r.To.Name == name {
			return i, true
		}
	}
	return -1, false
}
