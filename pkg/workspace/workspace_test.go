package workspace

import (
	"context"
	"testing"

	"github.com/moovcs/vcsd/pkg/changelog"
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

func TestWorkspace_ActiveLocal(t *testing.T) {
	ctx := context.Background()
	cl := changelog.New(openTestDB(t), nil)
	ws := New(cl, nil)

	_, err := ws.ActiveLocal(ctx)
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindNotFound))

	c := vcs.NewChange("abc", "wizard", 1)
	require.NoError(t, cl.Save(ctx, c))

	active, err := ws.ActiveLocal(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc", active.ID)
}

func TestWorkspace_FindByName(t *testing.T) {
	ctx := context.Background()
	cl := changelog.New(openTestDB(t), nil)
	ws := New(cl, nil)

	c := vcs.NewChange("abc", "wizard", 1)
	c.Name = "my-feature"
	c.Status = vcs.StatusIdle
	require.NoError(t, cl.Save(ctx, c))

	found, err := ws.FindByName(ctx, vcs.StatusIdle, "my-feature")
	require.NoError(t, err)
	require.Equal(t, "abc", found.ID)

	_, err = ws.FindByName(ctx, vcs.StatusReview, "my-feature")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindNotFound))
}

func TestWorkspace_NameInUse(t *testing.T) {
	ctx := context.Background()
	cl := changelog.New(openTestDB(t), nil)
	ws := New(cl, nil)

	inUse, err := ws.NameInUse(ctx, "taken")
	require.NoError(t, err)
	require.False(t, inUse)

	c := vcs.NewChange("abc", "wizard", 1)
	c.Name = "taken"
	c.Status = vcs.StatusReview
	require.NoError(t, cl.Save(ctx, c))

	inUse, err = ws.NameInUse(ctx, "taken")
	require.NoError(t, err)
	require.True(t, inUse)
}
