package history

import (
	"context"

	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
)

// Diff implements object/diff: it loads name
// as it appears IN targetID (preferring a modified_objects entry over an
// added_objects one) and compares it against a baseline. When baselineID
// is given, the baseline is the object's state reconstructed AT AND
// INCLUDING that change; when it is omitted, the baseline is the state
// immediately BEFORE targetID. Either baseline may turn out to be "does
// not exist", in which case every verb in target is reported added.
// Both ids accept the usual short form (unique prefix of length >= 8).
func (r *Reconstructor) Diff(ctx context.Context, typ vcs.ObjectType, name, targetID, baselineID string) (*ObjectDiff, error) {
	targetID, err := r.log.ResolveID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	c, err := r.log.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	targetDump, _, err := r.loadInChange(ctx, c, typ, name)
	if err != nil {
		return nil, err
	}

	var stop uint64
	if baselineID != "" {
		baselineID, err = r.log.ResolveID(ctx, baselineID)
		if err != nil {
			return nil, err
		}
		pos, merged, err := r.log.PositionOf(ctx, baselineID)
		if err != nil {
			return nil, err
		}
		if !merged {
			return nil, vcserr.New(vcserr.KindNotFound, "baseline change %s has not been merged", baselineID)
		}
		stop = pos
	} else {
		stop, err = r.baselineStopPosition(ctx, targetID)
		if err != nil {
			return nil, err
		}
	}

	st, err := r.StateAt(ctx, typ, name, stop)
	if err != nil {
		return nil, err
	}
	baselineDump, err := r.Dump(ctx, st)
	if err != nil {
		return nil, err
	}

	return DiffObjects(r.codec, baselineDump, targetDump)
}
