package objhandler

import (
	"context"
	"testing"

	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newHandler(t *testing.T) (*Handler, *refindex.Index) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(vcsmodels.AutoMigrateModels()...))

	refs := refindex.New(db, nil)
	return New(blobstore.New(db, nil), refs, objdump.NewTextCodec(), nil), refs
}

func TestHandler_UpdateNewObjectIsAdded(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t)
	change := vcs.NewChange("c1", "wizard", 1)

	info, err := h.Update(ctx, change, vcs.MooObject, sprintfDump("thing"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.Version)
	require.Len(t, change.AddedObjects, 1)
	require.Empty(t, change.ModifiedObjects)
}

func TestHandler_UpdateTwiceInSameChangeKeepsVersionAndTrimsOldBlob(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	change := vcs.NewChange("c1", "wizard", 1)

	first, err := h.Update(ctx, change, vcs.MooObject, sprintfDump("foo"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Version)
	firstHash, err := refs.HashAt(ctx, vcs.MooObject, "foo", 1)
	require.NoError(t, err)

	second, err := h.Update(ctx, change, vcs.MooObject, sprintfDumpWithProperty("foo"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.Version)
	require.Len(t, change.AddedObjects, 1)
	require.Equal(t, uint64(1), change.AddedObjects[0].Version)

	secondHash, err := refs.HashAt(ctx, vcs.MooObject, "foo", 1)
	require.NoError(t, err)
	require.NotEqual(t, firstHash, secondHash)

	has, err := h.blobs.Has(ctx, firstHash)
	require.NoError(t, err)
	require.False(t, has, "the superseded blob must be trimmed")

	has, err = h.blobs.Has(ctx, secondHash)
	require.NoError(t, err)
	require.True(t, has)
}

func TestHandler_UpdateTwiceOnMergedObjectKeepsModifiedVersion(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	_, err := refs.SetRef(ctx, vcs.MooObject, "thing", "preexisting-hash")
	require.NoError(t, err)

	change := vcs.NewChange("c1", "wizard", 1)
	first, err := h.Update(ctx, change, vcs.MooObject, sprintfDump("thing"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), first.Version)

	firstHash, err := refs.HashAt(ctx, vcs.MooObject, "thing", 2)
	require.NoError(t, err)

	second, err := h.Update(ctx, change, vcs.MooObject, sprintfDumpWithProperty("thing"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Version)
	require.Len(t, change.ModifiedObjects, 1)
	require.Empty(t, change.AddedObjects)

	has, err := h.blobs.Has(ctx, firstHash)
	require.NoError(t, err)
	require.False(t, has, "the superseded blob must be trimmed")
}

func TestHandler_UpdateExistingObjectIsModified(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	_, err := refs.SetRef(ctx, vcs.MooObject, "thing", "preexisting-hash")
	require.NoError(t, err)

	change := vcs.NewChange("c1", "wizard", 1)
	info, err := h.Update(ctx, change, vcs.MooObject, sprintfDump("thing"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.Version)
	require.Len(t, change.ModifiedObjects, 1)
	require.Empty(t, change.AddedObjects)
}

func TestHandler_DeleteCancelsOwnAdd(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	change := vcs.NewChange("c1", "wizard", 1)

	_, err := h.Update(ctx, change, vcs.MooObject, sprintfDump("thing"))
	require.NoError(t, err)
	require.NoError(t, h.Delete(ctx, change, vcs.MooObject, "thing"))

	require.True(t, change.IsEmpty())
	_, ok, err := refs.CurrentVersion(ctx, vcs.MooObject, "thing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandler_DeleteThenUpdateResurrects(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	_, err := refs.SetRef(ctx, vcs.MooObject, "thing", "preexisting-hash")
	require.NoError(t, err)

	change := vcs.NewChange("c1", "wizard", 1)
	require.NoError(t, h.Delete(ctx, change, vcs.MooObject, "thing"))
	require.Len(t, change.DeletedObjects, 1)

	info, err := h.Update(ctx, change, vcs.MooObject, sprintfDump("thing"))
	require.NoError(t, err)
	require.Empty(t, change.DeletedObjects)
	require.Len(t, change.ModifiedObjects, 1)
	require.Equal(t, info, change.ModifiedObjects[0])
}

func TestHandler_RenameThenInverseCancels(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	_, err := refs.SetRef(ctx, vcs.MooObject, "a", "hash-a")
	require.NoError(t, err)

	change := vcs.NewChange("c1", "wizard", 1)
	require.NoError(t, h.Rename(ctx, change, vcs.MooObject, "a", "b"))
	require.Len(t, change.RenamedObjects, 1)

	require.NoError(t, h.Rename(ctx, change, vcs.MooObject, "b", "a"))
	require.True(t, change.IsEmpty())
}

func TestHandler_RenameModifiedObjectRecordsPair(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	_, err := refs.SetRef(ctx, vcs.MooObject, "a", "merged-hash")
	require.NoError(t, err)

	change := vcs.NewChange("c1", "wizard", 1)
	_, err = h.Update(ctx, change, vcs.MooObject, sprintfDump("a"))
	require.NoError(t, err)
	require.Len(t, change.ModifiedObjects, 1)

	// Renaming a modified (merged) object keeps a rename record so the
	// merged history can replay it; only a not-yet-merged add renames
	// silently in place.
	require.NoError(t, h.Rename(ctx, change, vcs.MooObject, "a", "b"))
	require.Equal(t, "b", change.ModifiedObjects[0].Name)
	require.Len(t, change.RenamedObjects, 1)
	require.Equal(t, "a", change.RenamedObjects[0].From.Name)
	require.Equal(t, "b", change.RenamedObjects[0].To.Name)

	// The inverse rename cancels the pair and retargets the entry back.
	require.NoError(t, h.Rename(ctx, change, vcs.MooObject, "b", "a"))
	require.Empty(t, change.RenamedObjects)
	require.Equal(t, "a", change.ModifiedObjects[0].Name)
}

func TestHandler_RenameConflict(t *testing.T) {
	ctx := context.Background()
	h, refs := newHandler(t)
	_, err := refs.SetRef(ctx, vcs.MooObject, "a", "hash-a")
	require.NoError(t, err)
	_, err = refs.SetRef(ctx, vcs.MooObject, "b", "hash-b")
	require.NoError(t, err)

	change := vcs.NewChange("c1", "wizard", 1)
	err = h.Rename(ctx, change, vcs.MooObject, "a", "b")
	require.Error(t, err)
}

func sprintfDump(name string) string {
	return "object " + name + "\nowner: wizard\nflags: \"rx\"\nendobject\n"
}

// sprintfDumpWithProperty is sprintfDump plus one property, used to
// produce a second, genuinely different dump for the same object name.
func sprintfDumpWithProperty(name string) string {
	return "object " + name + "\nowner: wizard\nflags: \"rx\"\n" +
		"property p (owner: wizard, perms: \"r\") = 1;\nendobject\n"
}
