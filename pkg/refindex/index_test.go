package refindex

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

func TestIndex_SetRefAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	idx := New(openTestDB(t), nil)

	v1, err := idx.SetRef(ctx, vcs.MooObject, "thing", "hash1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	v2, err := idx.SetRef(ctx, vcs.MooObject, "thing", "hash2")
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	cur, ok, err := idx.CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), cur)

	hash, err := idx.HashAt(ctx, vcs.MooObject, "thing", 1)
	require.NoError(t, err)
	require.Equal(t, "hash1", hash)
}

func TestIndex_TrimTopRollsBack(t *testing.T) {
	ctx := context.Background()
	idx := New(openTestDB(t), nil)

	_, err := idx.SetRef(ctx, vcs.MooObject, "thing", "hash1")
	require.NoError(t, err)
	_, err = idx.SetRef(ctx, vcs.MooObject, "thing", "hash2")
	require.NoError(t, err)

	require.NoError(t, idx.TrimTop(ctx, vcs.MooObject, "thing"))

	cur, ok, err := idx.CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), cur)

	require.NoError(t, idx.TrimTop(ctx, vcs.MooObject, "thing"))
	_, ok, err = idx.CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndex_Rename(t *testing.T) {
	ctx := context.Background()
	idx := New(openTestDB(t), nil)

	_, err := idx.SetRef(ctx, vcs.MooObject, "old_name", "hash1")
	require.NoError(t, err)

	require.NoError(t, idx.Rename(ctx, vcs.MooObject, "old_name", "new_name"))

	_, ok, err := idx.CurrentVersion(ctx, vcs.MooObject, "old_name")
	require.NoError(t, err)
	require.False(t, ok)

	cur, ok, err := idx.CurrentVersion(ctx, vcs.MooObject, "new_name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), cur)
}

func TestIndex_RenameConflict(t *testing.T) {
	ctx := context.Background()
	idx := New(openTestDB(t), nil)

	_, err := idx.SetRef(ctx, vcs.MooObject, "a", "hash1")
	require.NoError(t, err)
	_, err = idx.SetRef(ctx, vcs.MooObject, "b", "hash2")
	require.NoError(t, err)

	err = idx.Rename(ctx, vcs.MooObject, "a", "b")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindNameConflict))
}

func TestIndex_AllReferencedHashes(t *testing.T) {
	ctx := context.Background()
	idx := New(openTestDB(t), nil)

	_, err := idx.SetRef(ctx, vcs.MooObject, "thing", "hash1")
	require.NoError(t, err)
	_, err = idx.SetRef(ctx, vcs.MooObject, "thing", "hash2")
	require.NoError(t, err)
	_, err = idx.SetRef(ctx, vcs.MooObject, "other", "hash3")
	require.NoError(t, err)

	set, err := idx.AllReferencedHashes(ctx)
	require.NoError(t, err)
	// hash1 is "thing"@1, superseded as the current version by hash2 at
	// "thing"@2, but it stays in the keep set: history reconstruction can
	// still resolve "thing" as of before the second SetRef.
	require.Equal(t, map[string]struct{}{"hash1": {}, "hash2": {}, "hash3": {}}, set)
}

func TestIndex_RestoreRefKeepsExplicitVersions(t *testing.T) {
	ctx := context.Background()
	idx := New(openTestDB(t), nil)

	// Replication lands versions exactly as the source assigned them,
	// regardless of insertion order.
	require.NoError(t, idx.RestoreRef(ctx, vcs.MooObject, "thing", 2, "hash2"))
	require.NoError(t, idx.RestoreRef(ctx, vcs.MooObject, "thing", 1, "hash1"))
	require.NoError(t, idx.SetCurrent(ctx, vcs.MooObject, "thing", 2))

	hash, err := idx.HashAt(ctx, vcs.MooObject, "thing", 1)
	require.NoError(t, err)
	require.Equal(t, "hash1", hash)

	v, ok, err := idx.CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), v)

	infos, hashes, err := idx.AllVersions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, uint64(1), infos[0].Version)
	require.Equal(t, []string{"hash1", "hash2"}, hashes)

	current, err := idx.AllCurrent(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	require.Equal(t, uint64(2), current[0].Version)
}
