package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/flush"
	"github.com/moovcs/vcsd/pkg/history"
	"github.com/moovcs/vcsd/pkg/lifecycle"
	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/moovcs/vcsd/pkg/objhandler"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/replication"
	"github.com/moovcs/vcsd/pkg/source"
	"github.com/moovcs/vcsd/pkg/users"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"github.com/moovcs/vcsd/pkg/workspace"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const barDump = `object bar
owner: wizard
flags: "rx"
verb v1 (owner: wizard, perms: "rxd", args: "this none this")
  player:tell("v1");
endverb
endobject
`

func newTestRegistry(t *testing.T) (*Registry, *vcs.User) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(vcsmodels.AutoMigrateModels()...))

	blobs := blobstore.New(db, nil)
	refs := refindex.New(db, nil)
	log := changelog.New(db, nil)
	ws := workspace.New(log, nil)
	src := source.New(db, nil)
	userStore := users.New(db, nil)
	handler := objhandler.New(blobs, refs, objdump.NewTextCodec(), nil)
	exporter := replication.NewExporter(blobs, refs, log, src)
	engine := lifecycle.New(db, log, ws, blobs, refs, src, nil)

	ctx := context.Background()
	require.NoError(t, userStore.Bootstrap(ctx))

	reg := New(Deps{
		Log:       log,
		Workspace: ws,
		Blobs:     blobs,
		Refs:      refs,
		Users:     userStore,
		Handler:   handler,
		Exporter:  exporter,
		Engine:    engine,
		Flush:     flush.New(db, nil, 0),
	})

	wizard := &vcs.User{
		ID: vcs.WizardUserID,
		Permissions: map[vcs.Permission]struct{}{
			vcs.PermUpdate:  {},
			vcs.PermSubmit:  {},
			vcs.PermApprove: {},
			vcs.PermClone:   {},
		},
	}
	return reg, wizard
}

func TestRegistry_ObjectUpdateThenStatusShowsLocalChange(t *testing.T) {
	reg, wizard := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, wizard, "object/update", Args{
		"type": "MooObject",
		"dump": barDump,
	})
	require.NoError(t, err)

	result, err := reg.Dispatch(ctx, wizard, "change/status", Args{})
	require.NoError(t, err)
	change, ok := result.(*vcs.Change)
	require.True(t, ok)
	require.Equal(t, vcs.StatusLocal, change.Status)
	require.True(t, change.Touches(vcs.MooObject, "bar"))
}

func TestRegistry_ObjectUpdateWithoutPermissionIsDenied(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	stranger := &vcs.User{ID: "stranger"}

	_, err := reg.Dispatch(ctx, stranger, "object/update", Args{
		"type": "MooObject",
		"dump": barDump,
	})
	require.Error(t, err)
}

func TestRegistry_SubmitMergesStandaloneChangeThenGetReturnsItsContent(t *testing.T) {
	reg, wizard := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, wizard, "object/update", Args{
		"type": "MooObject",
		"dump": barDump,
	})
	require.NoError(t, err)

	_, err = reg.Dispatch(ctx, wizard, "change/submit", Args{"name": "add bar"})
	require.NoError(t, err)

	got, err := reg.Dispatch(ctx, wizard, "object/get", Args{
		"type": "MooObject",
		"name": "bar",
	})
	require.NoError(t, err)
	require.Contains(t, got.(string), "verb v1")
}

func TestRegistry_ChangeStatusByShortIDFindsMergedChange(t *testing.T) {
	reg, wizard := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, wizard, "object/update", Args{
		"type": "MooObject",
		"dump": barDump,
	})
	require.NoError(t, err)
	result, err := reg.Dispatch(ctx, wizard, "change/submit", Args{"name": "add bar"})
	require.NoError(t, err)
	merged := result.(*vcs.Change)

	result, err = reg.Dispatch(ctx, wizard, "change/status", Args{"id": merged.ID[:12]})
	require.NoError(t, err)
	got := result.(*vcs.Change)
	require.Equal(t, merged.ID, got.ID)
	require.Equal(t, vcs.StatusMerged, got.Status)
}

func TestRegistry_CalcDeltaWithUnknownChangeIDFails(t *testing.T) {
	reg, wizard := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Dispatch(ctx, wizard, "index/calc_delta", Args{
		"known_change_id": "ffffffffffffffff",
	})
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindUnknownChange))
}

func TestRegistry_UserLifecycleOperations(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	admin := &vcs.User{
		ID: vcs.WizardUserID,
		Permissions: map[vcs.Permission]struct{}{
			vcs.PermCreateUser:        {},
			vcs.PermDisableUser:       {},
			vcs.PermManagePermissions: {},
			vcs.PermManageAPIKeys:     {},
		},
	}

	result, err := reg.Dispatch(ctx, admin, "user/create", Args{"email": "someone@example.com"})
	require.NoError(t, err)
	id := result.(string)
	require.NotEmpty(t, id)

	_, err = reg.Dispatch(ctx, admin, "user/grant_permission", Args{"id": id, "permission": "update"})
	require.NoError(t, err)

	result, err = reg.Dispatch(ctx, admin, "user/create_api_key", Args{"id": id})
	require.NoError(t, err)
	key := result.(string)
	require.NotEmpty(t, key)

	u, err := reg.deps.Users.UserByAPIKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, id, u.ID)
	require.True(t, u.Has(vcs.PermUpdate))

	_, err = reg.Dispatch(ctx, admin, "user/revoke_permission", Args{"id": id, "permission": "update"})
	require.NoError(t, err)
	_, err = reg.Dispatch(ctx, admin, "user/revoke_api_key", Args{"api_key": key})
	require.NoError(t, err)
	_, err = reg.deps.Users.UserByAPIKey(ctx, key)
	require.Error(t, err)

	_, err = reg.Dispatch(ctx, admin, "user/disable", Args{"id": id})
	require.NoError(t, err)
	u, err = reg.deps.Users.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, u.IsDisabled)

	// A caller without the matching capability is refused outright.
	_, err = reg.Dispatch(ctx, &vcs.User{ID: "stranger"}, "user/create", Args{"email": "x@example.com"})
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindPermissionDenied))
}

func TestRegistry_UnknownOperationReturnsNotFound(t *testing.T) {
	reg, wizard := newTestRegistry(t)
	_, err := reg.Dispatch(context.Background(), wizard, "object/teleport", Args{})
	require.Error(t, err)
}

// TestRegistry_IndexUpdatePullsMergedChangeAndReportsAggregateDiff exercises
// the pull path end to end through the registry boundary:
// a standalone "source" registry merges an object, a fresh "target"
// registry configured with that source as its peer dispatches index/update
// over a real HTTP round trip, and the returned ObjectDiffModel reflects
// the change just pulled.
func TestRegistry_IndexUpdatePullsMergedChangeAndReportsAggregateDiff(t *testing.T) {
	ctx := context.Background()

	srcReg, srcWizard := newTestRegistry(t)
	_, err := srcReg.Dispatch(ctx, srcWizard, "object/update", Args{
		"type": "MooObject",
		"dump": barDump,
	})
	require.NoError(t, err)
	_, err = srcReg.Dispatch(ctx, srcWizard, "change/submit", Args{"name": "add bar"})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, err := url.ParseQuery(r.URL.RawQuery)
		require.NoError(t, err)
		result, err := srcReg.Dispatch(r.Context(), srcWizard, "index/calc_delta", Args{"known_change_id": q.Get("known_change_id")})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(result))
	}))
	defer srv.Close()

	dstDSN := "file:" + t.Name() + "-dst?mode=memory&cache=shared"
	dstDB, err := gorm.Open(sqlite.Open(dstDSN), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, dstDB.AutoMigrate(vcsmodels.AutoMigrateModels()...))

	dstBlobs := blobstore.New(dstDB, nil)
	dstRefs := refindex.New(dstDB, nil)
	dstLog := changelog.New(dstDB, nil)
	dstWS := workspace.New(dstLog, nil)
	dstSource := source.New(dstDB, nil)
	dstUsers := users.New(dstDB, nil)
	dstHandler := objhandler.New(dstBlobs, dstRefs, objdump.NewTextCodec(), nil)
	dstExporter := replication.NewExporter(dstBlobs, dstRefs, dstLog, dstSource)
	dstApplier := replication.NewApplier(dstDB, dstBlobs, dstRefs, dstLog)
	dstEngine := lifecycle.New(dstDB, dstLog, dstWS, dstBlobs, dstRefs, dstSource, nil)
	require.NoError(t, dstUsers.Bootstrap(ctx))
	require.NoError(t, dstSource.Set(ctx, srv.URL, "", ""))

	dstPuller := replication.NewPuller(dstSource, dstApplier, srv.Client(), nil)
	dstReg := New(Deps{
		Log:       dstLog,
		Workspace: dstWS,
		Blobs:     dstBlobs,
		Refs:      dstRefs,
		Users:     dstUsers,
		Handler:   dstHandler,
		Exporter:  dstExporter,
		Engine:    dstEngine,
		Puller:    dstPuller,
	})

	dstWizard := &vcs.User{
		ID:          vcs.WizardUserID,
		Permissions: map[vcs.Permission]struct{}{vcs.PermUpdate: {}, vcs.PermClone: {}},
	}

	result, err := dstReg.Dispatch(ctx, dstWizard, "index/update", Args{})
	require.NoError(t, err)
	model, ok := result.(*history.ObjectDiffModel)
	require.True(t, ok)
	require.Equal(t, []string{"bar"}, model.Added)

	ids, err := dstLog.OrderedIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}
