package history

import (
	"context"
	"strings"

	"github.com/moovcs/vcsd/pkg/metacodec"
	"github.com/moovcs/vcsd/pkg/vcs"
)

// RenamedVerb is a removed/added verb pair classified as a rename because
// their decompiled bodies are identical.
type RenamedVerb struct {
	From string
	To   string
}

// ObjectHistoryDetails is the per-change classification object/history
// attaches to every merged change that touched the object.
type ObjectHistoryDetails struct {
	VerbsAdded     []string
	VerbsModified  []string
	VerbsDeleted   []string
	VerbsRenamed   []RenamedVerb
	PropsAdded     []string
	PropsModified  []string
	PropsDeleted   []string
	IgnoredProps   []string
	UnignoredProps []string
	IgnoredVerbs   []string
	UnignoredVerbs []string
}

// ObjectHistoryEntry is one change that touched the object, in merge
// order.
type ObjectHistoryEntry struct {
	ChangeID string
	Position uint64
	Name     string
	Details  ObjectHistoryDetails
}

// ObjectHistory walks the merged order and emits one entry per change
// that touched name (or whatever name it was renamed to/from along the
// way), classifying each touch via a before/after diff against the
// object's state immediately preceding that change.
func (r *Reconstructor) ObjectHistory(ctx context.Context, typ vcs.ObjectType, name string) ([]ObjectHistoryEntry, error) {
	ids, err := r.log.OrderedIDs(ctx)
	if err != nil {
		return nil, err
	}

	current := name
	var entries []ObjectHistoryEntry

	for idx, id := range ids {
		position := uint64(idx + 1)
		c, err := r.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		// A change that renames the object records its added/modified
		// entry under the post-rename name, so retarget the lookup name
		// before probing the other sets.
		renameIdx, renamedHere := c.FindRenamedFrom(typ, current)
		lookupName := current
		if renamedHere {
			lookupName = c.RenamedObjects[renameIdx].To.Name
		}
		_, addedHere := c.FindAdded(typ, lookupName)
		_, modifiedHere := c.FindModified(typ, lookupName)
		_, deletedHere := c.FindDeleted(typ, lookupName)

		if !addedHere && !modifiedHere && !deletedHere && !renamedHere {
			continue
		}

		// StateAt follows renames forward from the original query name; a
		// rename-advanced name would not resolve across earlier positions.
		beforeState, err := r.StateAt(ctx, typ, name, position-1)
		if err != nil {
			return nil, err
		}
		beforeDump, err := r.Dump(ctx, beforeState)
		if err != nil {
			return nil, err
		}

		var afterDump string
		switch {
		case deletedHere:
			// afterDump stays empty; every verb/property reads as deleted.
		case addedHere || modifiedHere:
			afterDump, _, err = r.loadInChange(ctx, c, typ, lookupName)
			if err != nil {
				return nil, err
			}
		default:
			// A pure rename carries the object unchanged under a new name.
			afterDump = beforeDump
		}

		objDiff, err := DiffObjects(r.codec, beforeDump, afterDump)
		if err != nil {
			return nil, err
		}
		details := classify(objDiff)

		if typ == vcs.MooObject {
			metaDiff, err := r.metaDiffRange(ctx, current, position-1, position)
			if err != nil {
				return nil, err
			}
			details.IgnoredProps = metaDiff.IgnoredProperties
			details.UnignoredProps = metaDiff.UnignoredProperties
			details.IgnoredVerbs = metaDiff.IgnoredVerbs
			details.UnignoredVerbs = metaDiff.UnignoredVerbs
		}

		entries = append(entries, ObjectHistoryEntry{
			ChangeID: id,
			Position: position,
			Name:     current,
			Details:  details,
		})

		if renamedHere {
			current = c.RenamedObjects[renameIdx].To.Name
		}
	}

	return entries, nil
}

// classify turns a raw ObjectDiff's verb list into the added/modified/
// deleted/renamed classification object/history reports, pairing up an
// added verb and a deleted verb into a rename whenever their decompiled
// bodies match exactly.
func classify(d *ObjectDiff) ObjectHistoryDetails {
	var out ObjectHistoryDetails

	var added, deleted []VerbDiff
	for _, v := range d.Verbs {
		switch v.Status {
		case StatusAdded:
			added = append(added, v)
		case StatusModified:
			out.VerbsModified = append(out.VerbsModified, v.Name)
		case StatusDeleted:
			deleted = append(deleted, v)
		}
	}

	usedDeleted := make([]bool, len(deleted))
	for _, a := range added {
		paired := false
		for i, dlt := range deleted {
			if usedDeleted[i] {
				continue
			}
			if hunkBody(a.Hunks) == hunkBody(dlt.Hunks) {
				out.VerbsRenamed = append(out.VerbsRenamed, RenamedVerb{From: dlt.Name, To: a.Name})
				usedDeleted[i] = true
				paired = true
				break
			}
		}
		if !paired {
			out.VerbsAdded = append(out.VerbsAdded, a.Name)
		}
	}
	for i, dlt := range deleted {
		if !usedDeleted[i] {
			out.VerbsDeleted = append(out.VerbsDeleted, dlt.Name)
		}
	}

	for _, p := range d.Properties {
		switch p.Status {
		case StatusAdded:
			out.PropsAdded = append(out.PropsAdded, p.Name)
		case StatusModified:
			out.PropsModified = append(out.PropsModified, p.Name)
		case StatusDeleted:
			out.PropsDeleted = append(out.PropsDeleted, p.Name)
		}
	}

	return out
}

// hunkBody renders a verb's hunks back into the plain line content they
// came from, the comparison rename-detection needs: a wholly-added verb's
// hunks hold only "added" lines, a wholly-deleted verb's hold only
// "removed" lines, and identical bodies under different names is exactly
// what a rename looks like.
func hunkBody(hunks []Hunk) string {
	var b strings.Builder
	for _, h := range hunks {
		for _, l := range h.Lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// metaDiffRange compares the MooMetaObject companion's ignore sets at two
// arbitrary merge positions, reporting additions as ignored_* and removals
// as unignored_*. A name ignored and unignored between the two
// endpoints cancels out, since this only ever compares the two endpoints,
// never the intermediate state. object/history uses adjacent positions
// (position-1, position); the replication aggregate uses the whole pulled
// range.
func (r *Reconstructor) metaDiffRange(ctx context.Context, objName string, from, to uint64) (metaDelta, error) {
	before, err := r.loadMetaAt(ctx, objName, from)
	if err != nil {
		return metaDelta{}, err
	}
	after, err := r.loadMetaAt(ctx, objName, to)
	if err != nil {
		return metaDelta{}, err
	}
	return metaDelta{
		IgnoredProperties:   setDiff(after.IgnoredProperties, before.IgnoredProperties),
		UnignoredProperties: setDiff(before.IgnoredProperties, after.IgnoredProperties),
		IgnoredVerbs:        setDiff(after.IgnoredVerbs, before.IgnoredVerbs),
		UnignoredVerbs:      setDiff(before.IgnoredVerbs, after.IgnoredVerbs),
	}, nil
}

type metaDelta struct {
	IgnoredProperties   []string
	UnignoredProperties []string
	IgnoredVerbs        []string
	UnignoredVerbs      []string
}

func (r *Reconstructor) loadMetaAt(ctx context.Context, objName string, position uint64) (*metacodec.Meta, error) {
	st, err := r.StateAt(ctx, vcs.MooMetaObject, objName, position)
	if err != nil {
		return nil, err
	}
	if !st.Exists {
		return &metacodec.Meta{}, nil
	}
	data, err := r.blobs.Get(ctx, st.Hash)
	if err != nil {
		return nil, err
	}
	return metacodec.Decode(data)
}

// setDiff returns the elements of a not present in b.
func setDiff(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := inB[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
