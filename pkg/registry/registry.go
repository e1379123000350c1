// Package registry is the operation dispatch boundary: it maps the named
// operations an outer transport would expose (object/update,
// change/submit, index/calc_delta, and so on) onto the typed component
// calls built up in pkg/lifecycle, pkg/objhandler, pkg/history, and
// pkg/replication, using the untyped string/list argument shape the
// operation envelope carries. It is deliberately not the transport
// itself (RPC/HTTP framing stays out of scope); it is the seam that
// turns a parsed invocation into a call against the core, for any
// caller that can produce an Args map.
package registry

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/flush"
	"github.com/moovcs/vcsd/pkg/history"
	"github.com/moovcs/vcsd/pkg/lifecycle"
	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/moovcs/vcsd/pkg/objhandler"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/replication"
	"github.com/moovcs/vcsd/pkg/users"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/moovcs/vcsd/pkg/workspace"
)

// Args is the untyped argument bag an operation envelope carries; each
// handler knows which keys it needs and how to type-assert them.
type Args map[string]any

// Handler executes one named operation.
type Handler func(ctx context.Context, user *vcs.User, args Args) (any, error)

// Deps is every component the registry's handlers dispatch into.
type Deps struct {
	Log       *changelog.Log
	Workspace *workspace.Workspace
	Blobs     *blobstore.Store
	Refs      *refindex.Index
	Users     *users.Store
	Handler   *objhandler.Handler
	Exporter  *replication.Exporter
	Engine    *lifecycle.Engine
	Flush     *flush.Worker
	Puller    *replication.Puller
	Logger    hclog.Logger
}

// Registry dispatches named operations to their Handler.
type Registry struct {
	deps     Deps
	log      hclog.Logger
	handlers map[string]Handler
	recon    *history.Reconstructor
}

// New builds a Registry with every named operation wired in.
func New(deps Deps) *Registry {
	log := deps.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	r := &Registry{
		deps:  deps,
		log:   log.Named("registry"),
		recon: history.NewReconstructor(deps.Blobs, deps.Refs, deps.Log, objdump.NewTextCodec()),
	}
	r.handlers = r.buildHandlers()
	return r
}

// Dispatch runs the named operation.
func (r *Registry) Dispatch(ctx context.Context, user *vcs.User, op string, args Args) (any, error) {
	h, ok := r.handlers[op]
	if !ok {
		return nil, vcserr.New(vcserr.KindNotFound, "unknown operation %q", op)
	}
	return h(ctx, user, args)
}

func argString(args Args, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", vcserr.New(vcserr.KindParseError, "missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", vcserr.New(vcserr.KindParseError, "argument %q must be a string", key)
	}
	return s, nil
}

func argStringOptional(args Args, key string) string {
	v, _ := args[key].(string)
	return v
}

func argObjectType(args Args, key string) (vcs.ObjectType, error) {
	s, err := argString(args, key)
	if err != nil {
		return 0, err
	}
	typ, ok := vcs.ParseObjectType(s)
	if !ok {
		return 0, vcserr.New(vcserr.KindParseError, "unknown object type %q", s)
	}
	return typ, nil
}

func argUint64(args Args, key string) (uint64, error) {
	v, ok := args[key]
	if !ok {
		return 0, vcserr.New(vcserr.KindParseError, "missing argument %q", key)
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, vcserr.New(vcserr.KindParseError, "argument %q must be a number, got %T", key, v)
	}
}

func requirePermission(user *vcs.User, p vcs.Permission) error {
	if !user.Has(p) {
		return vcserr.New(vcserr.KindPermissionDenied, "missing permission %q", p)
	}
	return nil
}

func (r *Registry) buildHandlers() map[string]Handler {
	h := map[string]Handler{}

	h["object/update"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermUpdate); err != nil {
			return nil, err
		}
		typ, err := argObjectType(args, "type")
		if err != nil {
			return nil, err
		}
		dump, err := argString(args, "dump")
		if err != nil {
			return nil, err
		}
		return r.withActiveLocal(ctx, user, func(c *vcs.Change) (any, error) {
			return r.deps.Handler.Update(ctx, c, typ, dump)
		})
	}

	h["object/delete"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermUpdate); err != nil {
			return nil, err
		}
		typ, err := argObjectType(args, "type")
		if err != nil {
			return nil, err
		}
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.withActiveLocal(ctx, user, func(c *vcs.Change) (any, error) {
			return nil, r.deps.Handler.DeleteWithMeta(ctx, c, typ, name)
		})
	}

	h["object/rename"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermUpdate); err != nil {
			return nil, err
		}
		typ, err := argObjectType(args, "type")
		if err != nil {
			return nil, err
		}
		from, err := argString(args, "from")
		if err != nil {
			return nil, err
		}
		to, err := argString(args, "to")
		if err != nil {
			return nil, err
		}
		return r.withActiveLocal(ctx, user, func(c *vcs.Change) (any, error) {
			return nil, r.deps.Handler.Rename(ctx, c, typ, from, to)
		})
	}

	h["object/get"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		typ, err := argObjectType(args, "type")
		if err != nil {
			return nil, err
		}
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		hash, ok, err := r.deps.Refs.CurrentHash(ctx, typ, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, vcserr.New(vcserr.KindNotFound, "no current %s named %q", typ, name)
		}
		data, err := r.deps.Blobs.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}

	h["object/history"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		typ, err := argObjectType(args, "type")
		if err != nil {
			return nil, err
		}
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.recon.ObjectHistory(ctx, typ, name)
	}

	h["object/diff"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		typ, err := argObjectType(args, "type")
		if err != nil {
			return nil, err
		}
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		target, err := argString(args, "target_id")
		if err != nil {
			return nil, err
		}
		baseline := argStringOptional(args, "baseline_id")
		return r.recon.Diff(ctx, typ, name, target, baseline)
	}

	h["meta/add_ignored_property"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		return r.metaOp(ctx, user, args, func(c *vcs.Change, obj, name string) (vcs.ObjectInfo, error) {
			return r.deps.Handler.AddIgnoredProperty(ctx, c, obj, name)
		})
	}
	h["meta/remove_ignored_property"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		return r.metaOp(ctx, user, args, func(c *vcs.Change, obj, name string) (vcs.ObjectInfo, error) {
			return r.deps.Handler.RemoveIgnoredProperty(ctx, c, obj, name)
		})
	}
	h["meta/add_ignored_verb"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		return r.metaOp(ctx, user, args, func(c *vcs.Change, obj, name string) (vcs.ObjectInfo, error) {
			return r.deps.Handler.AddIgnoredVerb(ctx, c, obj, name)
		})
	}
	h["meta/remove_ignored_verb"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		return r.metaOp(ctx, user, args, func(c *vcs.Change, obj, name string) (vcs.ObjectInfo, error) {
			return r.deps.Handler.RemoveIgnoredVerb(ctx, c, obj, name)
		})
	}
	h["meta/clear_ignored_properties"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermUpdate); err != nil {
			return nil, err
		}
		objName, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.withActiveLocal(ctx, user, func(c *vcs.Change) (any, error) {
			return r.deps.Handler.ClearIgnoredProperties(ctx, c, objName)
		})
	}
	h["meta/clear_ignored_verbs"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermUpdate); err != nil {
			return nil, err
		}
		objName, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.withActiveLocal(ctx, user, func(c *vcs.Change) (any, error) {
			return r.deps.Handler.ClearIgnoredVerbs(ctx, c, objName)
		})
	}

	h["change/create"] = func(ctx context.Context, user *vcs.User, _ Args) (any, error) {
		return r.deps.Engine.EnsureActiveLocal(ctx, user.ID, time.Now().Unix(), func() string {
			return vcs.NewChangeID([]byte(user.ID + time.Now().String()))
		})
	}
	h["change/status"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		// With no id, report the active Local change; with one, any change
		// (merged, workspace, or Local) by exact id or unique short prefix.
		if prefix := argStringOptional(args, "id"); prefix != "" {
			id, err := r.deps.Log.ResolveID(ctx, prefix)
			if err != nil {
				return nil, err
			}
			return r.deps.Log.Get(ctx, id)
		}
		c, err := r.deps.Workspace.ActiveLocal(ctx)
		if vcserr.Is(err, vcserr.KindNotFound) {
			return nil, nil
		}
		return c, err
	}
	h["change/stash"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.deps.Engine.Stash(ctx, name)
	}
	h["change/switch"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.deps.Engine.Resume(ctx, name)
	}
	h["change/submit"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermSubmit); err != nil {
			return nil, err
		}
		name, err := argString(args, "name")
		if err != nil {
			return nil, err
		}
		return r.deps.Engine.Submit(ctx, name)
	}
	h["change/approve"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermApprove); err != nil {
			return nil, err
		}
		id, err := argString(args, "id")
		if err != nil {
			return nil, err
		}
		return r.deps.Engine.Approve(ctx, id)
	}
	h["change/abandon"] = func(ctx context.Context, _ *vcs.User, args Args) (any, error) {
		id, err := argString(args, "id")
		if err != nil {
			return nil, err
		}
		return nil, r.deps.Engine.Abandon(ctx, id)
	}

	h["index/calc_delta"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermClone); err != nil {
			return nil, err
		}
		// An absent or empty known_change_id is the "before history" marker:
		// the delta spans the entire merged order.
		return r.deps.Exporter.CalcDelta(ctx, argStringOptional(args, "known_change_id"))
	}
	h["index/clone"] = func(ctx context.Context, user *vcs.User, _ Args) (any, error) {
		if err := requirePermission(user, vcs.PermClone); err != nil {
			return nil, err
		}
		return r.deps.Exporter.Export(ctx)
	}

	h["user/create"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermCreateUser); err != nil {
			return nil, err
		}
		email, err := argString(args, "email")
		if err != nil {
			return nil, err
		}
		u := &vcs.User{
			Email:       email,
			AuthKeys:    map[string]struct{}{},
			Permissions: map[vcs.Permission]struct{}{},
		}
		if err := r.deps.Users.Create(ctx, u); err != nil {
			return nil, err
		}
		return u.ID, nil
	}
	h["user/disable"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermDisableUser); err != nil {
			return nil, err
		}
		id, err := argString(args, "id")
		if err != nil {
			return nil, err
		}
		return nil, r.deps.Users.Disable(ctx, id)
	}
	h["user/grant_permission"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		return r.permissionOp(ctx, user, args, func(u *vcs.User, p vcs.Permission) {
			u.Permissions[p] = struct{}{}
		})
	}
	h["user/revoke_permission"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		return r.permissionOp(ctx, user, args, func(u *vcs.User, p vcs.Permission) {
			delete(u.Permissions, p)
		})
	}
	h["user/create_api_key"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermManageAPIKeys); err != nil {
			return nil, err
		}
		id, err := argString(args, "id")
		if err != nil {
			return nil, err
		}
		return r.deps.Users.CreateAPIKey(ctx, id)
	}
	h["user/revoke_api_key"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermManageAPIKeys); err != nil {
			return nil, err
		}
		key, err := argString(args, "api_key")
		if err != nil {
			return nil, err
		}
		return nil, r.deps.Users.RevokeAPIKey(ctx, key)
	}

	h["index/update"] = func(ctx context.Context, user *vcs.User, args Args) (any, error) {
		if err := requirePermission(user, vcs.PermUpdate); err != nil {
			return nil, err
		}
		if r.deps.Puller == nil {
			return nil, vcserr.New(vcserr.KindNoSource, "index/update called with no source configured")
		}
		maxElapsed := 30 * time.Second
		if s, ok := args["max_elapsed_seconds"]; ok {
			n, err := argUint64(Args{"max_elapsed_seconds": s}, "max_elapsed_seconds")
			if err != nil {
				return nil, err
			}
			maxElapsed = time.Duration(n) * time.Second
		}

		before, err := r.deps.Log.OrderedIDs(ctx)
		if err != nil {
			return nil, err
		}
		fromPosition := uint64(len(before))
		known := ""
		if len(before) > 0 {
			known = before[len(before)-1]
		}

		if _, err := r.deps.Puller.Update(ctx, known, maxElapsed); err != nil {
			return nil, err
		}

		after, err := r.deps.Log.OrderedIDs(ctx)
		if err != nil {
			return nil, err
		}
		return r.recon.AggregateRange(ctx, fromPosition, uint64(len(after)))
	}

	return h
}

func (r *Registry) withActiveLocal(ctx context.Context, user *vcs.User, fn func(c *vcs.Change) (any, error)) (any, error) {
	c, err := r.deps.Engine.EnsureActiveLocal(ctx, user.ID, time.Now().Unix(), func() string {
		return vcs.NewChangeID([]byte(user.ID + time.Now().String()))
	})
	if err != nil {
		return nil, err
	}
	result, err := fn(c)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Engine.Save(ctx, c); err != nil {
		return nil, err
	}
	if r.deps.Flush != nil {
		r.deps.Flush.RequestFlush()
	}
	return result, nil
}

func (r *Registry) permissionOp(ctx context.Context, user *vcs.User, args Args, mutate func(u *vcs.User, p vcs.Permission)) (any, error) {
	if err := requirePermission(user, vcs.PermManagePermissions); err != nil {
		return nil, err
	}
	id, err := argString(args, "id")
	if err != nil {
		return nil, err
	}
	name, err := argString(args, "permission")
	if err != nil {
		return nil, err
	}
	p, ok := vcs.ParsePermission(name)
	if !ok {
		return nil, vcserr.New(vcserr.KindParseError, "unknown permission %q", name)
	}
	u, err := r.deps.Users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(u, p)
	return nil, r.deps.Users.Save(ctx, u)
}

func (r *Registry) metaOp(ctx context.Context, user *vcs.User, args Args, fn func(c *vcs.Change, obj, name string) (vcs.ObjectInfo, error)) (any, error) {
	if err := requirePermission(user, vcs.PermUpdate); err != nil {
		return nil, err
	}
	objName, err := argString(args, "object")
	if err != nil {
		return nil, err
	}
	name, err := argString(args, "name")
	if err != nil {
		return nil, err
	}
	return r.withActiveLocal(ctx, user, func(c *vcs.Change) (any, error) {
		return fn(c, objName, name)
	})
}
