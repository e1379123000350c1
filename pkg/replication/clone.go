// Package replication implements clone, calc_delta, and pull/update:
// exporting a full merged snapshot, computing an incremental delta since
// a known change id, and applying a delta fetched from an upstream peer.
// It assumes the single-writer model:
// a follower only ever applies deltas pulled from its source, it
// never accepts local mutations of its own, so replaying ref-index
// writes in delta order reproduces the source's state exactly.
package replication

import (
	"context"
	"strings"

	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/source"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// RefEntry is one (type, name, version) -> hash mapping from the ref
// index, the unit both clone and delta ship refs in.
type RefEntry struct {
	Info vcs.ObjectInfo `json:"info"`
	Hash string         `json:"hash"`
}

// CloneData is the full merged snapshot returned by Export: every ref
// version ever recorded (not just the current ones — a clone must be able
// to reconstruct state at any merged point, exactly as the source can),
// the current pointers, every reachable blob keyed by hash, and the
// complete Merged change history with its order.
type CloneData struct {
	Refs        []RefEntry        `json:"refs"`
	Current     []vcs.ObjectInfo  `json:"current"`
	Objects     map[string]string `json:"objects"`
	Changes     []*vcs.Change     `json:"changes"`
	ChangeOrder []string          `json:"change_order"`
}

// Exporter builds clone/delta snapshots from the merged store.
type Exporter struct {
	blobs  *blobstore.Store
	refs   *refindex.Index
	log    *changelog.Log
	source *source.Source
}

// NewExporter wires an Exporter from its component stores. src records
// (and checks) the peer this instance was cloned from; it is consulted
// only by Import, so a pure export-side Exporter may pass nil.
func NewExporter(blobs *blobstore.Store, refs *refindex.Index, log *changelog.Log, src *source.Source) *Exporter {
	return &Exporter{blobs: blobs, refs: refs, log: log, source: src}
}

// Export produces the full snapshot: all historical ref versions, the
// current pointers, every blob those refs reach, and the merged change
// history in order.
func (e *Exporter) Export(ctx context.Context) (*CloneData, error) {
	ids, err := e.log.OrderedIDs(ctx)
	if err != nil {
		return nil, err
	}
	data := &CloneData{ChangeOrder: ids, Objects: map[string]string{}}

	for _, id := range ids {
		c, err := e.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		data.Changes = append(data.Changes, c)
	}

	infos, hashes, err := e.refs.AllVersions(ctx)
	if err != nil {
		return nil, err
	}
	for i, info := range infos {
		data.Refs = append(data.Refs, RefEntry{Info: info, Hash: hashes[i]})
		if _, ok := data.Objects[hashes[i]]; ok {
			continue
		}
		content, err := e.blobs.Get(ctx, hashes[i])
		if err != nil {
			return nil, err
		}
		data.Objects[hashes[i]] = string(content)
	}

	data.Current, err = e.refs.AllCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// BaseURL strips a clone endpoint URL down to the peer's base, so it can
// be recorded as source and later reused to build other api/* endpoints
// (e.g. api/index/calc_delta) for pull/update.
func BaseURL(cloneURL string) string {
	return strings.TrimSuffix(strings.TrimSuffix(cloneURL, "/"), "/api/clone")
}

// Import loads a CloneData into the target store and records url as its
// source, the counterpart to Export for a follower's sync. Target MUST be
// empty, or be a re-clone from the exact same source url; any other
// non-empty state is rejected outright, since silently interleaving two
// unrelated histories would corrupt replication fidelity. A
// re-clone wipes refs, blobs, changes, and change_order before reloading
// them wholesale.
func (e *Exporter) Import(ctx context.Context, data *CloneData, url string) error {
	empty, err := e.isEmpty(ctx)
	if err != nil {
		return err
	}

	if !empty {
		reclone, err := e.isRecloneOf(ctx, url)
		if err != nil {
			return err
		}
		if !reclone {
			return vcserr.New(vcserr.KindIllegalTransition, "cannot clone into a non-empty store that was not cloned from %s", url)
		}
		if err := e.wipe(ctx); err != nil {
			return err
		}
	}

	for wantHash, content := range data.Objects {
		hash, err := e.blobs.Put(ctx, []byte(content))
		if err != nil {
			return err
		}
		if hash != wantHash {
			return vcserr.New(vcserr.KindRemoteError, "content hash mismatch: expected %s, got %s", wantHash, hash)
		}
	}

	for _, ref := range data.Refs {
		if _, ok := data.Objects[ref.Hash]; !ok {
			return vcserr.New(vcserr.KindRemoteError, "clone data is missing blob content for %s", ref.Info)
		}
		if err := e.refs.RestoreRef(ctx, ref.Info.Type, ref.Info.Name, ref.Info.Version, ref.Hash); err != nil {
			return err
		}
	}
	for _, cur := range data.Current {
		if err := e.refs.SetCurrent(ctx, cur.Type, cur.Name, cur.Version); err != nil {
			return err
		}
	}

	byID := make(map[string]*vcs.Change, len(data.Changes))
	for _, c := range data.Changes {
		byID[c.ID] = c
	}
	for _, id := range data.ChangeOrder {
		c, ok := byID[id]
		if !ok {
			return vcserr.New(vcserr.KindRemoteError, "change_order references unknown change %s", id)
		}
		if err := e.log.Save(ctx, c); err != nil {
			return err
		}
		if _, err := e.log.Append(ctx, c.ID); err != nil {
			return err
		}
	}

	if e.source != nil {
		if err := e.source.Set(ctx, BaseURL(url), "", ""); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) isEmpty(ctx context.Context) (bool, error) {
	for _, typ := range []vcs.ObjectType{vcs.MooObject, vcs.MooMetaObject} {
		names, err := e.refs.AllNames(ctx, typ)
		if err != nil {
			return false, err
		}
		if len(names) > 0 {
			return false, nil
		}
	}
	ids, err := e.log.OrderedIDs(ctx)
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

func (e *Exporter) isRecloneOf(ctx context.Context, url string) (bool, error) {
	if e.source == nil {
		return false, nil
	}
	cfg, err := e.source.Get(ctx)
	if err != nil {
		return false, err
	}
	return cfg != nil && cfg.URL == BaseURL(url), nil
}

func (e *Exporter) wipe(ctx context.Context) error {
	if err := e.log.WipeAll(ctx); err != nil {
		return err
	}
	if err := e.refs.WipeAll(ctx); err != nil {
		return err
	}
	return e.blobs.WipeAll(ctx)
}
