package replication

import (
	"context"
	"fmt"
	"testing"

	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/source"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// exporterDBs numbers the in-memory databases newExporter opens, so two
// stores built within one test are separate databases.
var exporterDBs int

func newExporter(t *testing.T) (*Exporter, *gorm.DB) {
	t.Helper()
	exporterDBs++
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), exporterDBs)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(vcsmodels.AutoMigrateModels()...))
	return NewExporter(blobstore.New(db, nil), refindex.New(db, nil), changelog.New(db, nil), source.New(db, nil)), db
}

func seedMergedChange(t *testing.T, db *gorm.DB, id, name, content string) {
	t.Helper()
	ctx := context.Background()
	blobs := blobstore.New(db, nil)
	refs := refindex.New(db, nil)
	log := changelog.New(db, nil)

	hash, err := blobs.Put(ctx, []byte(content))
	require.NoError(t, err)
	version, err := refs.SetRef(ctx, vcs.MooObject, name, hash)
	require.NoError(t, err)

	c := vcs.NewChange(id, "wizard", 1)
	c.Name = id
	c.Status = vcs.StatusMerged
	c.AddedObjects = append(c.AddedObjects, vcs.ObjectInfo{Type: vcs.MooObject, Name: name, Version: version})
	require.NoError(t, log.Save(ctx, c))
	_, err = log.Append(ctx, c.ID)
	require.NoError(t, err)
}

func TestExporter_ExportCarriesObjectsAndChangeHistory(t *testing.T) {
	src, db := newExporter(t)
	seedMergedChange(t, db, "c1", "thing", "object thing\nendobject\n")

	data, err := src.Export(context.Background())
	require.NoError(t, err)
	require.Len(t, data.Objects, 1)
	require.Len(t, data.Refs, 1)
	require.Equal(t, "thing", data.Refs[0].Info.Name)
	require.Contains(t, data.Objects, data.Refs[0].Hash)
	require.Len(t, data.Changes, 1)
	require.Equal(t, []string{"c1"}, data.ChangeOrder)
}

func TestExporter_ExportCarriesEveryHistoricalVersion(t *testing.T) {
	ctx := context.Background()
	src, db := newExporter(t)
	seedMergedChange(t, db, "c1", "thing", "object thing\nendobject\n")
	seedMergedChange(t, db, "c2", "thing", "object thing\nname: later\nendobject\n")

	data, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, data.Refs, 2)
	require.Len(t, data.Objects, 2)
	require.Len(t, data.Current, 1)
	require.Equal(t, uint64(2), data.Current[0].Version)

	dst, dstDB := newExporter(t)
	require.NoError(t, dst.Import(ctx, data, "https://origin.example/api/clone"))

	refs := refindex.New(dstDB, nil)
	for want := uint64(1); want <= 2; want++ {
		_, err := refs.HashAt(ctx, vcs.MooObject, "thing", want)
		require.NoError(t, err)
	}
	v, ok, err := refs.CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), v)
}

func TestExporter_ImportIntoEmptyStoreReplaysHistory(t *testing.T) {
	ctx := context.Background()
	src, srcDB := newExporter(t)
	seedMergedChange(t, srcDB, "c1", "thing", "object thing\nendobject\n")
	data, err := src.Export(ctx)
	require.NoError(t, err)

	dst, dstDB := newExporter(t)
	require.NoError(t, dst.Import(ctx, data, "https://origin.example/api/clone"))

	_, ok, err := refindex.New(dstDB, nil).CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := changelog.New(dstDB, nil).OrderedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids)

	cfg, err := source.New(dstDB, nil).Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "https://origin.example", cfg.URL)
}

func TestExporter_ImportIntoNonEmptyStoreRejectsUnrelated(t *testing.T) {
	ctx := context.Background()
	src, srcDB := newExporter(t)
	seedMergedChange(t, srcDB, "c1", "thing", "object thing\nendobject\n")
	data, err := src.Export(ctx)
	require.NoError(t, err)

	dst, dstDB := newExporter(t)
	seedMergedChange(t, dstDB, "other", "unrelated", "object unrelated\nendobject\n")

	err = dst.Import(ctx, data, "https://origin.example/api/clone")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindIllegalTransition))
}

func TestExporter_ReimportFromSameSourceWipesAndReplaces(t *testing.T) {
	ctx := context.Background()
	src, srcDB := newExporter(t)
	seedMergedChange(t, srcDB, "c1", "thing", "object thing\nendobject\n")
	firstData, err := src.Export(ctx)
	require.NoError(t, err)

	dst, dstDB := newExporter(t)
	require.NoError(t, dst.Import(ctx, firstData, "https://origin.example/api/clone"))

	seedMergedChange(t, srcDB, "c2", "other", "object other\nendobject\n")
	secondData, err := src.Export(ctx)
	require.NoError(t, err)

	require.NoError(t, dst.Import(ctx, secondData, "https://origin.example/api/clone"))

	ids, err := changelog.New(dstDB, nil).OrderedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, ids)
}
