package replication

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"gorm.io/gorm"
)

// Applier applies a Delta fetched from an upstream peer to the local
// store.
type Applier struct {
	db    *gorm.DB
	blobs *blobstore.Store
	refs  *refindex.Index
	log   *changelog.Log
}

// NewApplier wires an Applier from its component stores.
func NewApplier(db *gorm.DB, blobs *blobstore.Store, refs *refindex.Index, log *changelog.Log) *Applier {
	return &Applier{db: db, blobs: blobs, refs: refs, log: log}
}

// Apply replays every change in delta against the local store, in order,
// inside one database transaction: either the whole delta lands or none
// of it does, so a follower can never observe a partially-applied merge.
// The whole delta is validated up front, collecting every structural
// violation rather than stopping at the first, so a malformed response
// from a misbehaving peer is reported completely in one RemoteError
// instead of one field at a time across repeated pull attempts.
func (a *Applier) Apply(ctx context.Context, delta *Delta) error {
	pairs, err := validateDelta(delta)
	if err != nil {
		return vcserr.Wrap(vcserr.KindRemoteError, err, "delta failed validation")
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txBlobs := blobstore.New(tx, nil)
		txRefs := refindex.New(tx, nil)
		txLog := changelog.New(tx, nil)

		for _, c := range delta.Changes {
			if err := applyOne(ctx, txBlobs, txRefs, txLog, c, pairs, delta.Blobs); err != nil {
				return err
			}
		}
		return nil
	})
}

// validateDelta checks every carried Change's structural invariants and
// the cross-references between change entries, ref pairs, and blob
// content, aggregating every independent failure found rather than
// returning on the first. On success it returns the ref pairs keyed by
// ObjectInfo for the apply pass.
func validateDelta(delta *Delta) (map[vcs.ObjectInfo]string, error) {
	var result *multierror.Error

	if len(delta.Changes) != len(delta.ChangeIDs) {
		result = multierror.Append(result, vcserr.New(vcserr.KindRemoteError, "delta carries %d change records for %d change ids", len(delta.Changes), len(delta.ChangeIDs)))
	}

	pairs := make(map[vcs.ObjectInfo]string, len(delta.RefPairs))
	for _, ref := range delta.RefPairs {
		pairs[ref.Info] = ref.Hash
		if _, ok := delta.Blobs[ref.Hash]; !ok {
			result = multierror.Append(result, vcserr.New(vcserr.KindRemoteError, "delta is missing blob content for %s", ref.Info))
		}
	}

	for i, c := range delta.Changes {
		if i < len(delta.ChangeIDs) && c.ID != delta.ChangeIDs[i] {
			result = multierror.Append(result, vcserr.New(vcserr.KindRemoteError, "change record %s does not match change id %s at position %d", c.ID, delta.ChangeIDs[i], i))
		}
		if err := c.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
		for _, info := range append(append([]vcs.ObjectInfo{}, c.AddedObjects...), c.ModifiedObjects...) {
			if _, ok := pairs[info]; !ok {
				result = multierror.Append(result, vcserr.New(vcserr.KindRemoteError, "delta for change %s is missing a ref pair for %s", c.ID, info))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func applyOne(ctx context.Context, blobs *blobstore.Store, refs *refindex.Index, log *changelog.Log, c *vcs.Change, pairs map[vcs.ObjectInfo]string, content map[string]string) error {
	for _, pair := range c.RenamedObjects {
		if err := refs.Rename(ctx, pair.From.Type, pair.From.Name, pair.To.Name); err != nil {
			return err
		}
	}

	for _, info := range append(append([]vcs.ObjectInfo{}, c.AddedObjects...), c.ModifiedObjects...) {
		wantHash := pairs[info]
		hash, err := blobs.Put(ctx, []byte(content[wantHash]))
		if err != nil {
			return err
		}
		if hash != wantHash {
			return vcserr.New(vcserr.KindRemoteError, "content hash mismatch for %s", info)
		}
		if err := refs.RestoreRef(ctx, info.Type, info.Name, info.Version, hash); err != nil {
			return err
		}
		if err := refs.SetCurrent(ctx, info.Type, info.Name, info.Version); err != nil {
			return err
		}
	}

	for _, info := range c.DeletedObjects {
		if err := refs.ClearCurrent(ctx, info.Type, info.Name); err != nil {
			return err
		}
	}

	c.Status = vcs.StatusMerged
	if err := log.Save(ctx, c); err != nil {
		return err
	}
	_, err := log.Append(ctx, c.ID)
	return err
}
