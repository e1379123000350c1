package history

import (
	"context"
	"sort"

	"github.com/moovcs/vcsd/pkg/vcs"
)

// ObjectDiffModel is the aggregate effect of a span of merged changes over
// the objects they touched: the object-level added/modified/deleted lists
// plus per-object verb/prop/meta classification, folded into one model
// rather than one entry per change. index/update returns one of these for
// whatever range of changes a pull just applied.
type ObjectDiffModel struct {
	Added    []string
	Modified []string
	Deleted  []string
	Objects  map[string]ObjectHistoryDetails
}

// AggregateRange computes the ObjectDiffModel for MooObject names touched
// by change_order(fromPosition, toPosition] — the half-open range a pull
// or clone just appended. Each touched name's classification compares its
// reconstructed state at fromPosition against its state at toPosition,
// which folds together every intermediate touch into one net verb/prop/meta
// diff rather than reporting one entry per change, since the caller wants
// the aggregate effect of the whole pull, not its step-by-step history.
func (r *Reconstructor) AggregateRange(ctx context.Context, fromPosition, toPosition uint64) (*ObjectDiffModel, error) {
	model := &ObjectDiffModel{Objects: map[string]ObjectHistoryDetails{}}
	if toPosition <= fromPosition {
		return model, nil
	}

	ids, err := r.log.OrderedIDsFrom(ctx, fromPosition+1)
	if err != nil {
		return nil, err
	}
	span := toPosition - fromPosition
	if uint64(len(ids)) > span {
		ids = ids[:span]
	}

	touched := map[string]struct{}{}
	for _, id := range ids {
		c, err := r.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, info := range c.AddedObjects {
			if info.Type == vcs.MooObject {
				touched[info.Name] = struct{}{}
			}
		}
		for _, info := range c.ModifiedObjects {
			if info.Type == vcs.MooObject {
				touched[info.Name] = struct{}{}
			}
		}
		for _, info := range c.DeletedObjects {
			if info.Type == vcs.MooObject {
				touched[info.Name] = struct{}{}
			}
		}
		for _, pair := range c.RenamedObjects {
			if pair.From.Type == vcs.MooObject {
				touched[pair.From.Name] = struct{}{}
				touched[pair.To.Name] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(touched))
	for n := range touched {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		before, err := r.StateAt(ctx, vcs.MooObject, name, fromPosition)
		if err != nil {
			return nil, err
		}
		after, err := r.StateAt(ctx, vcs.MooObject, name, toPosition)
		if err != nil {
			return nil, err
		}
		beforeDump, err := r.Dump(ctx, before)
		if err != nil {
			return nil, err
		}
		afterDump, err := r.Dump(ctx, after)
		if err != nil {
			return nil, err
		}

		switch {
		case !before.Exists && !after.Exists:
			continue
		case !before.Exists && after.Exists:
			model.Added = append(model.Added, name)
		case before.Exists && !after.Exists:
			model.Deleted = append(model.Deleted, name)
		default:
			model.Modified = append(model.Modified, name)
		}

		objDiff, err := DiffObjects(r.codec, beforeDump, afterDump)
		if err != nil {
			return nil, err
		}
		details := classify(objDiff)

		metaDiff, err := r.metaDiffRange(ctx, name, fromPosition, toPosition)
		if err != nil {
			return nil, err
		}
		details.IgnoredProps = metaDiff.IgnoredProperties
		details.UnignoredProps = metaDiff.UnignoredProperties
		details.IgnoredVerbs = metaDiff.IgnoredVerbs
		details.UnignoredVerbs = metaDiff.UnignoredVerbs

		model.Objects[name] = details
	}

	return model, nil
}
