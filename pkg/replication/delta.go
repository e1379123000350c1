package replication

import (
	"context"

	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// Delta is everything merged after a known change id, in merge order:
// the new change ids, the ref versions those changes made reachable, and
// the blob hashes new since the known change. The change records
// themselves and the blob content travel in the same document, so a
// recipient never needs a second round trip to fetch content by hash.
type Delta struct {
	KnownID      string            `json:"known_id"`
	ChangeIDs    []string          `json:"change_ids"`
	RefPairs     []RefEntry        `json:"ref_pairs"`
	ObjectsAdded []string          `json:"objects_added"`
	Changes      []*vcs.Change     `json:"changes"`
	Blobs        map[string]string `json:"blobs"`
}

// Empty reports whether the delta carries nothing: the known id was the
// tail of the source's merged order.
func (d *Delta) Empty() bool {
	return len(d.ChangeIDs) == 0 && len(d.RefPairs) == 0 && len(d.ObjectsAdded) == 0
}

// CalcDelta computes every change merged strictly after knownID, which is
// resolved with the usual short-form rule against the merged order. An
// empty knownID is the "before history" marker a fresh follower sends:
// the delta then spans the entire merged order. A non-empty knownID that
// does not resolve to a merged change fails with KindUnknownChange.
func (e *Exporter) CalcDelta(ctx context.Context, knownID string) (*Delta, error) {
	order, err := e.log.OrderedIDs(ctx)
	if err != nil {
		return nil, err
	}

	from := 0
	if knownID != "" {
		resolved, err := e.log.ResolvePrefix(order, knownID)
		if err != nil {
			return nil, vcserr.Wrap(vcserr.KindUnknownChange, err, "change %s is not in the merged order", knownID)
		}
		for i, id := range order {
			if id == resolved {
				from = i + 1
				break
			}
		}
	}

	delta := &Delta{KnownID: knownID, Blobs: map[string]string{}}
	for _, id := range order[from:] {
		c, err := e.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		delta.ChangeIDs = append(delta.ChangeIDs, id)
		delta.Changes = append(delta.Changes, c)
	}

	for i, c := range delta.Changes {
		for _, info := range append(append([]vcs.ObjectInfo{}, c.AddedObjects...), c.ModifiedObjects...) {
			// The ref index only knows the chain's final name; a rename in a
			// later merged change moved it, so chase the name forward before
			// resolving the hash.
			hash, err := e.refs.HashAt(ctx, info.Type, chaseRenames(delta.Changes[i+1:], info.Type, info.Name), info.Version)
			if err != nil {
				return nil, err
			}
			delta.RefPairs = append(delta.RefPairs, RefEntry{Info: info, Hash: hash})
			if _, ok := delta.Blobs[hash]; !ok {
				delta.ObjectsAdded = append(delta.ObjectsAdded, hash)
				delta.Blobs[hash] = ""
			}
		}
	}

	for hash := range delta.Blobs {
		content, err := e.blobs.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		delta.Blobs[hash] = string(content)
	}
	return delta, nil
}

// chaseRenames follows name through the rename records of each later
// change in order, yielding the name the version chain lives under after
// all of them merged.
func chaseRenames(later []*vcs.Change, typ vcs.ObjectType, name string) string {
	for _, c := range later {
		for _, pair := range c.RenamedObjects {
			if pair.From.Type == typ && pair.From.Name == name {
				name = pair.To.Name
				break
			}
		}
	}
	return name
}
