// Package changelog is the "changes" and "index/order" keyspaces:
// persistence for Change records regardless of
// status, plus the linear merged-history ordering and short-id
// resolution shared by both the merged log and the workspace.
package changelog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"gorm.io/gorm"
)

// Log is the change record store plus merged-history ordering.
type Log struct {
	db  *gorm.DB
	log hclog.Logger
}

// New wraps db as a Log.
func New(db *gorm.DB, log hclog.Logger) *Log {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Log{db: db, log: log.Named("changelog")}
}

func toRow(c *vcs.Change) (*vcsmodels.ChangeRow, error) {
	added, err := json.Marshal(c.AddedObjects)
	if err != nil {
		return nil, err
	}
	modified, err := json.Marshal(c.ModifiedObjects)
	if err != nil {
		return nil, err
	}
	deleted, err := json.Marshal(c.DeletedObjects)
	if err != nil {
		return nil, err
	}
	renamed, err := json.Marshal(c.RenamedObjects)
	if err != nil {
		return nil, err
	}

	row := &vcsmodels.ChangeRow{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Author:       c.Author,
		Timestamp:    c.Timestamp,
		Status:       string(c.Status),
		AddedJSON:    string(added),
		ModifiedJSON: string(modified),
		DeletedJSON:  string(deleted),
		RenamedJSON:  string(renamed),
	}
	if c.IndexChangeID != "" {
		id := c.IndexChangeID
		row.IndexChangeID = &id
	}
	return row, nil
}

func fromRow(row *vcsmodels.ChangeRow) (*vcs.Change, error) {
	c := &vcs.Change{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Author:      row.Author,
		Timestamp:   row.Timestamp,
		Status:      vcs.Status(row.Status),
	}
	if row.IndexChangeID != nil {
		c.IndexChangeID = *row.IndexChangeID
	}
	if err := json.Unmarshal([]byte(row.AddedJSON), &c.AddedObjects); err != nil && row.AddedJSON != "" {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.ModifiedJSON), &c.ModifiedObjects); err != nil && row.ModifiedJSON != "" {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.DeletedJSON), &c.DeletedObjects); err != nil && row.DeletedJSON != "" {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.RenamedJSON), &c.RenamedObjects); err != nil && row.RenamedJSON != "" {
		return nil, err
	}
	return c, nil
}

// Save upserts a Change record. Structural invariants are validated
// before anything touches storage: a change that fails validation was
// never durable in the first place.
func (l *Log) Save(ctx context.Context, c *vcs.Change) error {
	if err := c.Validate(); err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "change %s failed validation", c.ID)
	}
	row, err := toRow(c)
	if err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "encode change %s", c.ID)
	}
	if err := l.db.WithContext(ctx).Save(row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "save change %s", c.ID)
	}
	return nil
}

// Get loads the Change with the given exact id.
func (l *Log) Get(ctx context.Context, id string) (*vcs.Change, error) {
	var row vcsmodels.ChangeRow
	err := l.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vcserr.New(vcserr.KindNotFound, "change %s not found", id)
	}
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "get change %s", id)
	}
	return fromRow(&row)
}

// Delete removes a Change record outright (used when a rename cancels
// itself out within one change and leaves it empty, or after a change is
// abandoned).
func (l *Log) Delete(ctx context.Context, id string) error {
	if err := l.db.WithContext(ctx).Delete(&vcsmodels.ChangeRow{}, "id = ?", id).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "delete change %s", id)
	}
	return nil
}

// ListByStatus returns every Change with the given status, in no
// particular order (callers needing merged order use the order table).
func (l *Log) ListByStatus(ctx context.Context, status vcs.Status) ([]*vcs.Change, error) {
	var rows []vcsmodels.ChangeRow
	if err := l.db.WithContext(ctx).Where("status = ?", string(status)).Find(&rows).Error; err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list changes with status %s", status)
	}
	out := make([]*vcs.Change, 0, len(rows))
	for i := range rows {
		c, err := fromRow(&rows[i])
		if err != nil {
			return nil, vcserr.Wrap(vcserr.KindStorageError, err, "decode change %s", rows[i].ID)
		}
		out = append(out, c)
	}
	return out, nil
}

// Append adds id to the end of the merged change order, assigning it the
// next position. It is called exactly once per change, at merge time.
func (l *Log) Append(ctx context.Context, id string) (uint64, error) {
	var pos uint64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max vcsmodels.ChangeOrderRow
		err := tx.Order("position desc").First(&max).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			pos = 1
		case err != nil:
			return err
		default:
			pos = max.Position + 1
		}
		return tx.Create(&vcsmodels.ChangeOrderRow{Position: pos, ChangeID: id}).Error
	})
	if err != nil {
		return 0, vcserr.Wrap(vcserr.KindStorageError, err, "append change %s to order", id)
	}
	return pos, nil
}

// OrderedIDs returns every merged change id in merge order.
func (l *Log) OrderedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&vcsmodels.ChangeOrderRow{}).
		Order("position asc").Pluck("change_id", &ids).Error
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list change order")
	}
	return ids, nil
}

// OrderedIDsFrom returns merged change ids at or after fromPosition
// (inclusive), used by calc_delta to find everything merged since a peer's
// last known change.
func (l *Log) OrderedIDsFrom(ctx context.Context, fromPosition uint64) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&vcsmodels.ChangeOrderRow{}).
		Where("position >= ?", fromPosition).
		Order("position asc").Pluck("change_id", &ids).Error
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list change order from %d", fromPosition)
	}
	return ids, nil
}

// PositionOf returns the merge position of id, or (0, false) if id was
// never merged.
func (l *Log) PositionOf(ctx context.Context, id string) (uint64, bool, error) {
	var row vcsmodels.ChangeOrderRow
	err := l.db.WithContext(ctx).First(&row, "change_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, vcserr.Wrap(vcserr.KindStorageError, err, "position of change %s", id)
	}
	return row.Position, true, nil
}

// WipeAll removes every Change record and the entire merge order. Used
// only by clone import's re-clone path.
func (l *Log) WipeAll(ctx context.Context) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM changes").Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM change_order").Error
	})
}

// ResolvePrefix resolves a short id against every known change id, merged
// or not; candidateIDs is supplied by the caller (typically the merged
// order plus the current workspace) since what counts as "known" differs
// between e.g. change/status and clone/delta resolution. An exact match
// always wins regardless of length; otherwise the short-form rule applies
// (unique prefix of length >= 8).
func (l *Log) ResolvePrefix(candidateIDs []string, prefix string) (string, error) {
	for _, id := range candidateIDs {
		if id == prefix {
			return id, nil
		}
	}
	id, err := vcs.ResolveIDPrefix(candidateIDs, prefix)
	switch {
	case errors.Is(err, vcs.ErrIDNotFound):
		return "", vcserr.Wrap(vcserr.KindNotFound, err, "resolve change id %q", prefix)
	case err != nil:
		// Ambiguous match, or a prefix too short to ever be unique.
		return "", vcserr.Wrap(vcserr.KindAmbiguousID, err, "resolve change id %q", prefix)
	}
	return id, nil
}

// AllIDs returns every stored change id regardless of status, the candidate
// set for resolving a short id anywhere one is accepted.
func (l *Log) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&vcsmodels.ChangeRow{}).Pluck("id", &ids).Error
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list change ids")
	}
	return ids, nil
}

// ResolveID resolves an exact or short change id against every stored
// change, merged or workspace or Local.
func (l *Log) ResolveID(ctx context.Context, prefix string) (string, error) {
	ids, err := l.AllIDs(ctx)
	if err != nil {
		return "", err
	}
	return l.ResolvePrefix(ids, prefix)
}
