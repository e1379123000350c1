// Package refindex is the "refs" keyspace: for each
// (object type, name) it tracks every historical version's blob hash plus
// which version is current. It never stores object content itself — that
// lives in pkg/blobstore, addressed by the hash this package returns.
package refindex

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"gorm.io/gorm"
)

// Index is the ref/version index over a *gorm.DB.
type Index struct {
	db  *gorm.DB
	log hclog.Logger
}

// New wraps db as an Index.
func New(db *gorm.DB, log hclog.Logger) *Index {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Index{db: db, log: log.Named("refindex")}
}

// CurrentVersion returns the current version number for (typ, name), or
// (0, false) if the name has no current version (never created, or
// deleted with no pending resurrect).
func (i *Index) CurrentVersion(ctx context.Context, typ vcs.ObjectType, name string) (uint64, bool, error) {
	var row vcsmodels.RefCurrentRow
	err := i.db.WithContext(ctx).First(&row, "object_type = ? AND name = ?", uint8(typ), name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, vcserr.Wrap(vcserr.KindStorageError, err, "current version of %s:%s", typ, name)
	}
	return row.CurrentVersion, true, nil
}

// HashAt returns the blob hash stored for (typ, name) at version.
func (i *Index) HashAt(ctx context.Context, typ vcs.ObjectType, name string, version uint64) (string, error) {
	var row vcsmodels.RefVersionRow
	err := i.db.WithContext(ctx).First(&row, "object_type = ? AND name = ? AND version = ?", uint8(typ), name, version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", vcserr.New(vcserr.KindNotFound, "%s:%s@%d not found", typ, name, version)
	}
	if err != nil {
		return "", vcserr.Wrap(vcserr.KindStorageError, err, "get %s:%s@%d", typ, name, version)
	}
	return row.Hash, nil
}

// CurrentHash is a convenience combining CurrentVersion and HashAt.
func (i *Index) CurrentHash(ctx context.Context, typ vcs.ObjectType, name string) (string, bool, error) {
	v, ok, err := i.CurrentVersion(ctx, typ, name)
	if err != nil || !ok {
		return "", ok, err
	}
	hash, err := i.HashAt(ctx, typ, name, v)
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// SetRef appends a new version for (typ, name) pointing at hash and
// advances the current version to it. It returns the new version number.
func (i *Index) SetRef(ctx context.Context, typ vcs.ObjectType, name string, hash string) (uint64, error) {
	var newVersion uint64
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur vcsmodels.RefCurrentRow
		err := tx.First(&cur, "object_type = ? AND name = ?", uint8(typ), name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// No current pointer: a brand-new name, or one a delete cleared
			// while its versions stay on record. Continue after the highest
			// recorded version so kept history is never overwritten.
			var maxVersion uint64
			if err := tx.Model(&vcsmodels.RefVersionRow{}).
				Where("object_type = ? AND name = ?", uint8(typ), name).
				Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
				return err
			}
			newVersion = maxVersion + 1
		case err != nil:
			return err
		default:
			newVersion = cur.CurrentVersion + 1
		}

		if err := tx.Create(&vcsmodels.RefVersionRow{
			ObjectType: uint8(typ), Name: name, Version: newVersion, Hash: hash,
		}).Error; err != nil {
			return err
		}

		return tx.Save(&vcsmodels.RefCurrentRow{
			ObjectType: uint8(typ), Name: name, CurrentVersion: newVersion,
		}).Error
	})
	if err != nil {
		return 0, vcserr.Wrap(vcserr.KindStorageError, err, "set ref %s:%s", typ, name)
	}
	return newVersion, nil
}

// OverwriteRef replaces the blob hash stored for (typ, name) at an
// existing version in place, leaving current_version untouched: a
// re-update of an object still only present in the active change's
// added/modified set rewrites that same version rather than minting a
// new one. It returns the hash the version pointed at before the
// overwrite, so the caller can trim the superseded blob.
func (i *Index) OverwriteRef(ctx context.Context, typ vcs.ObjectType, name string, version uint64, hash string) (string, error) {
	var oldHash string
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row vcsmodels.RefVersionRow
		if err := tx.First(&row, "object_type = ? AND name = ? AND version = ?", uint8(typ), name, version).Error; err != nil {
			return err
		}
		oldHash = row.Hash
		return tx.Model(&vcsmodels.RefVersionRow{}).
			Where("object_type = ? AND name = ? AND version = ?", uint8(typ), name, version).
			Update("hash", hash).Error
	})
	if err != nil {
		return "", vcserr.Wrap(vcserr.KindStorageError, err, "overwrite ref %s:%s@%d", typ, name, version)
	}
	return oldHash, nil
}

// TrimTop removes the current version for (typ, name) and rolls the
// current pointer back to the previous version, or clears it entirely if
// there was only one version (used to undo a Local-change modification of
// an object it also added).
func (i *Index) TrimTop(ctx context.Context, typ vcs.ObjectType, name string) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur vcsmodels.RefCurrentRow
		if err := tx.First(&cur, "object_type = ? AND name = ?", uint8(typ), name).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if err := tx.Delete(&vcsmodels.RefVersionRow{},
			"object_type = ? AND name = ? AND version = ?", uint8(typ), name, cur.CurrentVersion).Error; err != nil {
			return err
		}

		if cur.CurrentVersion <= 1 {
			return tx.Delete(&vcsmodels.RefCurrentRow{}, "object_type = ? AND name = ?", uint8(typ), name).Error
		}
		return tx.Model(&vcsmodels.RefCurrentRow{}).
			Where("object_type = ? AND name = ?", uint8(typ), name).
			Update("current_version", cur.CurrentVersion-1).Error
	})
}

// Rename moves every version of (typ, from) to (typ, to), preserving
// version numbers and the current pointer. It fails with KindNameConflict
// if to already has any history.
func (i *Index) Rename(ctx context.Context, typ vcs.ObjectType, from, to string) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&vcsmodels.RefVersionRow{}).
			Where("object_type = ? AND name = ?", uint8(typ), to).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return vcserr.New(vcserr.KindNameConflict, "%s:%s already exists", typ, to)
		}

		if err := tx.Model(&vcsmodels.RefVersionRow{}).
			Where("object_type = ? AND name = ?", uint8(typ), from).
			Update("name", to).Error; err != nil {
			return err
		}
		return tx.Model(&vcsmodels.RefCurrentRow{}).
			Where("object_type = ? AND name = ?", uint8(typ), from).
			Update("name", to).Error
	})
}

// RestoreRef writes the blob hash for (typ, name) at an explicit version,
// creating the row if absent and overwriting it if present. Unlike SetRef
// it never touches the current pointer; it exists for replication, where
// the version number was assigned on the source and must land here
// unchanged.
func (i *Index) RestoreRef(ctx context.Context, typ vcs.ObjectType, name string, version uint64, hash string) error {
	row := vcsmodels.RefVersionRow{ObjectType: uint8(typ), Name: name, Version: version, Hash: hash}
	if err := i.db.WithContext(ctx).Save(&row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "restore ref %s:%s@%d", typ, name, version)
	}
	return nil
}

// SetCurrent points (typ, name)'s current pointer at version, the
// replication counterpart to SetRef's bump-by-one.
func (i *Index) SetCurrent(ctx context.Context, typ vcs.ObjectType, name string, version uint64) error {
	row := vcsmodels.RefCurrentRow{ObjectType: uint8(typ), Name: name, CurrentVersion: version}
	if err := i.db.WithContext(ctx).Save(&row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "set current %s:%s@%d", typ, name, version)
	}
	return nil
}

// ClearCurrent removes the current-version pointer for (typ, name) without
// deleting any version history, leaving the object with no current value
// (used by the delete operation: history stays diffable, but nothing
// resolves as "the current thing" until a later update resurrects it).
func (i *Index) ClearCurrent(ctx context.Context, typ vcs.ObjectType, name string) error {
	err := i.db.WithContext(ctx).Delete(&vcsmodels.RefCurrentRow{}, "object_type = ? AND name = ?", uint8(typ), name).Error
	if err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "clear current %s:%s", typ, name)
	}
	return nil
}

// WipeAll removes every ref version and current pointer, across both
// object types. Used only by clone import's re-clone path.
func (i *Index) WipeAll(ctx context.Context) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM ref_versions").Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM ref_current").Error
	})
}

// AllReferencedHashes returns the set of every blob hash reachable from
// any ref version still on record, current or historical, across both
// object types. Every row in ref_versions stands for a version some live
// change or merged history still addresses (TrimTop, also when reached
// through the meta cascade, removes a row the moment nothing references
// it any more; Rename moves rows to the new name), so
// the full table, not just the rows ref_current points at, is the "keep
// set" passed to blobstore.DeleteUnreferenced during garbage collection
// — history reconstruction (pkg/history) needs every prior version's
// blob to stay around, not only the current one.
func (i *Index) AllReferencedHashes(ctx context.Context) (map[string]struct{}, error) {
	var hashes []string
	err := i.db.WithContext(ctx).Model(&vcsmodels.RefVersionRow{}).
		Distinct("hash").
		Pluck("hash", &hashes).Error
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list referenced hashes")
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}

// AllVersions returns every ref version on record, current and historical,
// across both object types, in (type, name, version) order. Clone export
// walks this to ship the complete per-version mapping, not just the
// current pointers.
func (i *Index) AllVersions(ctx context.Context) ([]vcs.ObjectInfo, []string, error) {
	var rows []vcsmodels.RefVersionRow
	err := i.db.WithContext(ctx).
		Order("object_type asc, name asc, version asc").Find(&rows).Error
	if err != nil {
		return nil, nil, vcserr.Wrap(vcserr.KindStorageError, err, "list ref versions")
	}
	infos := make([]vcs.ObjectInfo, 0, len(rows))
	hashes := make([]string, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, vcs.ObjectInfo{Type: vcs.ObjectType(row.ObjectType), Name: row.Name, Version: row.Version})
		hashes = append(hashes, row.Hash)
	}
	return infos, hashes, nil
}

// AllCurrent returns every (type, name) that has a current pointer, with
// the version it points at.
func (i *Index) AllCurrent(ctx context.Context) ([]vcs.ObjectInfo, error) {
	var rows []vcsmodels.RefCurrentRow
	err := i.db.WithContext(ctx).Order("object_type asc, name asc").Find(&rows).Error
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list current refs")
	}
	infos := make([]vcs.ObjectInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, vcs.ObjectInfo{Type: vcs.ObjectType(row.ObjectType), Name: row.Name, Version: row.CurrentVersion})
	}
	return infos, nil
}

// AllNames returns every (type, name) pair that currently has a version,
// used by clone/history listing operations.
func (i *Index) AllNames(ctx context.Context, typ vcs.ObjectType) ([]string, error) {
	var names []string
	err := i.db.WithContext(ctx).Model(&vcsmodels.RefCurrentRow{}).
		Where("object_type = ?", uint8(typ)).
		Pluck("name", &names).Error
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "list names of type %s", typ)
	}
	return names, nil
}
