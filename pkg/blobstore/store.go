// Package blobstore is the "blobs" keyspace:
// content-addressed storage keyed by the sha256 of the stored bytes. It is
// the lowest layer everything else sits on, wrapping a single *gorm.DB
// with a small, boring API rather
// than leaking gorm query-builder calls into callers.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"gorm.io/gorm"
)

// Store is a content-addressed blob store over a *gorm.DB.
type Store struct {
	db  *gorm.DB
	log hclog.Logger
}

// New wraps db as a Store. log may be nil, in which case a discarding
// logger is used.
func New(db *gorm.DB, log hclog.Logger) *Store {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Store{db: db, log: log.Named("blobstore")}
}

// Hash returns the content address (hex sha256) of data, without storing
// anything. Callers use this to decide whether a Put is even necessary.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under its content hash and returns that hash. Put is
// idempotent: storing the same bytes twice is a no-op the second time.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	row := vcsmodels.BlobRow{Hash: hash, Data: string(data)}
	err := s.db.WithContext(ctx).
		Where(vcsmodels.BlobRow{Hash: hash}).
		FirstOrCreate(&row).Error
	if err != nil {
		return "", vcserr.Wrap(vcserr.KindStorageError, err, "put blob %s", hash)
	}
	return hash, nil
}

// Get retrieves the bytes stored under hash. It returns a KindNotFound
// error if no blob with that hash exists.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	var row vcsmodels.BlobRow
	err := s.db.WithContext(ctx).First(&row, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vcserr.New(vcserr.KindNotFound, "blob %s not found", hash)
	}
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "get blob %s", hash)
	}
	return []byte(row.Data), nil
}

// Has reports whether a blob with the given hash is stored.
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&vcsmodels.BlobRow{}).
		Where("hash = ?", hash).Count(&count).Error
	if err != nil {
		return false, vcserr.Wrap(vcserr.KindStorageError, err, "check blob %s", hash)
	}
	return count > 0, nil
}

// Delete removes the blob stored under hash. Deleting a hash that is still
// referenced by a ref version is the caller's mistake, not this layer's to
// detect: garbage collection of orphaned blobs is handled one level up, in
// pkg/lifecycle, which knows which hashes are still reachable.
func (s *Store) Delete(ctx context.Context, hash string) error {
	err := s.db.WithContext(ctx).Delete(&vcsmodels.BlobRow{}, "hash = ?", hash).Error
	if err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "delete blob %s", hash)
	}
	return nil
}

// WipeAll removes every stored blob. Used only by clone import's re-clone
// path, which wipes the target before reloading it wholesale from
// the same source.
func (s *Store) WipeAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("DELETE FROM blobs").Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "wipe blobs")
	}
	return nil
}

// DeleteUnreferenced removes every stored blob whose hash is not present
// in keep. It is the batch primitive behind garbage collection after a
// rewrite or a merge.
func (s *Store) DeleteUnreferenced(ctx context.Context, keep map[string]struct{}) (int64, error) {
	var hashes []string
	if err := s.db.WithContext(ctx).Model(&vcsmodels.BlobRow{}).Pluck("hash", &hashes).Error; err != nil {
		return 0, vcserr.Wrap(vcserr.KindStorageError, err, "list blob hashes")
	}

	var toDelete []string
	for _, h := range hashes {
		if _, ok := keep[h]; !ok {
			toDelete = append(toDelete, h)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Delete(&vcsmodels.BlobRow{}, "hash in ?", toDelete)
	if res.Error != nil {
		return 0, vcserr.Wrap(vcserr.KindStorageError, res.Error, "delete unreferenced blobs")
	}
	s.log.Debug("deleted unreferenced blobs", "count", res.RowsAffected)
	return res.RowsAffected, nil
}
