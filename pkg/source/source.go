// Package source is the "index/source" keyspace: the single
// singleton row recording which remote, if any, this instance was cloned
// from, and the external credentials to use when pulling from it. A
// standalone instance has no row at all, which is how the lifecycle engine
// tells a standalone submit (straight to Merged) from a tracked one
// (Review, pending a pull-side approval).
package source

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"gorm.io/gorm"
)

// rowID is the fixed primary key of the singleton source row.
const rowID uint8 = 1

// Source is the store over the source keyspace's one row.
type Source struct {
	db  *gorm.DB
	log hclog.Logger
}

// New wraps db as a Source store.
func New(db *gorm.DB, log hclog.Logger) *Source {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Source{db: db, log: log.Named("source")}
}

// Config is the source row decoded into plain fields, nil when no source
// is configured (a standalone instance).
type Config struct {
	URL       string
	ExtUserID string
	ExtAPIKey string
}

// Get returns the configured source, or (nil, nil) if this instance is
// standalone.
func (s *Source) Get(ctx context.Context) (*Config, error) {
	var row vcsmodels.SourceRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", rowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "get source")
	}
	cfg := &Config{URL: row.URL}
	if row.ExtUserID != nil {
		cfg.ExtUserID = *row.ExtUserID
	}
	if row.ExtAPIKey != nil {
		cfg.ExtAPIKey = *row.ExtAPIKey
	}
	return cfg, nil
}

// IsConfigured reports whether a source has been set, the test the
// lifecycle engine uses to decide whether change/submit lands on Review
// or goes straight to Merged.
func (s *Source) IsConfigured(ctx context.Context) (bool, error) {
	cfg, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	return cfg != nil, nil
}

// Set records url (and, optionally, external credentials to use when
// pulling from it) as this instance's source, upserting the singleton
// row. Called once after a successful clone import, and again whenever
// the external credentials are rotated.
func (s *Source) Set(ctx context.Context, url, extUserID, extAPIKey string) error {
	row := vcsmodels.SourceRow{ID: rowID, URL: url}
	if extUserID != "" {
		row.ExtUserID = &extUserID
	}
	if extAPIKey != "" {
		row.ExtAPIKey = &extAPIKey
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "set source")
	}
	return nil
}

// Clear removes the source row, reverting the instance to standalone.
// No dispatched operation reaches it yet; kept for symmetry with Set and
// exercised directly by tests.
func (s *Source) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Delete(&vcsmodels.SourceRow{}, "id = ?", rowID).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "clear source")
	}
	return nil
}
