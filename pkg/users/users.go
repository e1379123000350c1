// Package users is the "users" keyspace: user records, their permission
// sets, auth keys, and the api_key -> user_id lookup, plus bootstrap of
// the two built-in system users. User ids are UUIDs held as plain
// strings, since the rest of this module treats every id as a string.
package users

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"gorm.io/gorm"
)

// Store is the user/permission/API-key store over a *gorm.DB.
type Store struct {
	db  *gorm.DB
	log hclog.Logger
}

// New wraps db as a Store.
func New(db *gorm.DB, log hclog.Logger) *Store {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Store{db: db, log: log.Named("users")}
}

func toRow(u *vcs.User) (*vcsmodels.UserRow, error) {
	keys := make([]string, 0, len(u.AuthKeys))
	for k := range u.AuthKeys {
		keys = append(keys, k)
	}
	perms := make([]string, 0, len(u.Permissions))
	for p := range u.Permissions {
		perms = append(perms, string(p))
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return nil, err
	}
	return &vcsmodels.UserRow{
		ID:              u.ID,
		Email:           u.Email,
		VObj:            u.VObj,
		IsDisabled:      u.IsDisabled,
		IsSystemUser:    u.IsSystemUser,
		AuthKeysJSON:    string(keysJSON),
		PermissionsJSON: string(permsJSON),
	}, nil
}

func fromRow(row *vcsmodels.UserRow) (*vcs.User, error) {
	u := &vcs.User{
		ID:           row.ID,
		Email:        row.Email,
		VObj:         row.VObj,
		IsDisabled:   row.IsDisabled,
		IsSystemUser: row.IsSystemUser,
		AuthKeys:     map[string]struct{}{},
		Permissions:  map[vcs.Permission]struct{}{},
	}
	var keys []string
	if row.AuthKeysJSON != "" {
		if err := json.Unmarshal([]byte(row.AuthKeysJSON), &keys); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		u.AuthKeys[k] = struct{}{}
	}
	var perms []string
	if row.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(row.PermissionsJSON), &perms); err != nil {
			return nil, err
		}
	}
	for _, p := range perms {
		u.Permissions[vcs.Permission(p)] = struct{}{}
	}
	return u, nil
}

// Bootstrap ensures the built-in "everyone" and "wizard" system users
// exist, creating them if not: "wizard" with every permission, "everyone"
// with none. It is idempotent and safe to call on every process start.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, id := range []string{vcs.EveryoneUserID, vcs.WizardUserID} {
		_, err := s.Get(ctx, id)
		if err == nil {
			continue
		}
		if !vcserr.Is(err, vcserr.KindNotFound) {
			return err
		}
		u := &vcs.User{
			ID:           id,
			IsSystemUser: true,
			AuthKeys:     map[string]struct{}{},
			Permissions:  map[vcs.Permission]struct{}{},
		}
		if id == vcs.WizardUserID {
			for _, p := range []vcs.Permission{
				vcs.PermCreateUser, vcs.PermDisableUser, vcs.PermManagePermissions,
				vcs.PermManageAPIKeys, vcs.PermClone, vcs.PermUpdate, vcs.PermApprove, vcs.PermSubmit,
			} {
				u.Permissions[p] = struct{}{}
			}
		}
		if err := s.Create(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// Create persists a new user.
func (s *Store) Create(ctx context.Context, u *vcs.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	row, err := toRow(u)
	if err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "encode user %s", u.ID)
	}
	db := s.db.WithContext(ctx)
	if u.Email == "" {
		// Stored as NULL, so the unique email index admits any number of
		// users without an email (the two system users among them).
		db = db.Omit("Email")
	}
	if err := db.Create(row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "create user %s", u.ID)
	}
	return nil
}

// Get loads a user by id.
func (s *Store) Get(ctx context.Context, id string) (*vcs.User, error) {
	var row vcsmodels.UserRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vcserr.New(vcserr.KindNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "get user %s", id)
	}
	return fromRow(&row)
}

// Save updates an existing user's record (permissions, disabled state,
// auth keys).
func (s *Store) Save(ctx context.Context, u *vcs.User) error {
	row, err := toRow(u)
	if err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "encode user %s", u.ID)
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "save user %s", u.ID)
	}
	return nil
}

// Disable marks a user disabled. The "wizard" and "everyone" system users
// can never be disabled.
func (s *Store) Disable(ctx context.Context, id string) error {
	if id == vcs.WizardUserID || id == vcs.EveryoneUserID {
		return vcserr.New(vcserr.KindIllegalTransition, "system user %s cannot be disabled", id)
	}
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	u.IsDisabled = true
	return s.Save(ctx, u)
}

// CreateAPIKey mints a fresh API key for a user and registers it. The
// user must exist; the generated key is returned exactly once, here.
func (s *Store) CreateAPIKey(ctx context.Context, userID string) (string, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return "", err
	}
	key := uuid.NewString()
	if err := s.AddAPIKey(ctx, userID, key); err != nil {
		return "", err
	}
	return key, nil
}

// AddAPIKey associates an API key with a user.
func (s *Store) AddAPIKey(ctx context.Context, userID, apiKey string) error {
	row := vcsmodels.APIKeyRow{APIKey: apiKey, UserID: userID}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "add api key for user %s", userID)
	}
	return nil
}

// UserByAPIKey resolves an API key to its owning user.
func (s *Store) UserByAPIKey(ctx context.Context, apiKey string) (*vcs.User, error) {
	var row vcsmodels.APIKeyRow
	err := s.db.WithContext(ctx).First(&row, "api_key = ?", apiKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, vcserr.New(vcserr.KindNotFound, "unknown api key")
	}
	if err != nil {
		return nil, vcserr.Wrap(vcserr.KindStorageError, err, "lookup api key")
	}
	return s.Get(ctx, row.UserID)
}

// RevokeAPIKey removes an API key.
func (s *Store) RevokeAPIKey(ctx context.Context, apiKey string) error {
	if err := s.db.WithContext(ctx).Delete(&vcsmodels.APIKeyRow{}, "api_key = ?", apiKey).Error; err != nil {
		return vcserr.Wrap(vcserr.KindStorageError, err, "revoke api key")
	}
	return nil
}
