package users

import (
	"context"
	"testing"

	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(vcsmodels.AutoMigrateModels()...))
	return db
}

func TestStore_Bootstrap(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t), nil)

	require.NoError(t, s.Bootstrap(ctx))

	wizard, err := s.Get(ctx, vcs.WizardUserID)
	require.NoError(t, err)
	require.True(t, wizard.Has(vcs.PermCreateUser))
	require.True(t, wizard.IsSystemUser)

	everyone, err := s.Get(ctx, vcs.EveryoneUserID)
	require.NoError(t, err)
	require.False(t, everyone.Has(vcs.PermCreateUser))

	require.NoError(t, s.Bootstrap(ctx))
}

func TestStore_DisableSystemUserFails(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t), nil)
	require.NoError(t, s.Bootstrap(ctx))

	err := s.Disable(ctx, vcs.WizardUserID)
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindIllegalTransition))
}

func TestStore_APIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t), nil)

	u := &vcs.User{Email: "dev@example.com", AuthKeys: map[string]struct{}{}, Permissions: map[vcs.Permission]struct{}{}}
	require.NoError(t, s.Create(ctx, u))
	require.NotEmpty(t, u.ID)

	require.NoError(t, s.AddAPIKey(ctx, u.ID, "key-1"))

	found, err := s.UserByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, found.ID)

	require.NoError(t, s.RevokeAPIKey(ctx, "key-1"))
	_, err = s.UserByAPIKey(ctx, "key-1")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindNotFound))

	minted, err := s.CreateAPIKey(ctx, u.ID)
	require.NoError(t, err)
	require.NotEmpty(t, minted)
	found, err = s.UserByAPIKey(ctx, minted)
	require.NoError(t, err)
	require.Equal(t, u.ID, found.ID)

	_, err = s.CreateAPIKey(ctx, "no-such-user")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindNotFound))
}

func TestStore_DisableRegularUser(t *testing.T) {
	ctx := context.Background()
	s := New(openTestDB(t), nil)

	u := &vcs.User{Email: "dev@example.com", AuthKeys: map[string]struct{}{}, Permissions: map[vcs.Permission]struct{}{}}
	require.NoError(t, s.Create(ctx, u))

	require.NoError(t, s.Disable(ctx, u.ID))

	got, err := s.Get(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.IsDisabled)
}
