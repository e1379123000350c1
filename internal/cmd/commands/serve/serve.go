// Package serve implements the `vcsd serve` subcommand: it constructs
// every core component over one shared database connection, starts the
// background flush worker and the notify relay, then blocks until a
// termination signal.
// Actual RPC/HTTP request routing is the explicitly out-of-scope
// transport layer; this command's job ends at having the core ready to
// be driven by that layer (or, here, by tests and the registry package
// directly).
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/internal/config"
	vcsdb "github.com/moovcs/vcsd/internal/db"
	"github.com/moovcs/vcsd/pkg/blobstore"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/flush"
	"github.com/moovcs/vcsd/pkg/lifecycle"
	"github.com/moovcs/vcsd/pkg/notify"
	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/moovcs/vcsd/pkg/objhandler"
	"github.com/moovcs/vcsd/pkg/refindex"
	"github.com/moovcs/vcsd/pkg/registry"
	"github.com/moovcs/vcsd/pkg/replication"
	"github.com/moovcs/vcsd/pkg/source"
	"github.com/moovcs/vcsd/pkg/users"
	"github.com/moovcs/vcsd/pkg/vcs"
	"github.com/moovcs/vcsd/pkg/workspace"
)

// Command is the `vcsd serve` subcommand.
type Command struct {
	Log hclog.Logger
	Cfg config.Config
}

func (c *Command) Synopsis() string { return "Run the vcsd core storage engine" }

func (c *Command) Help() string {
	return "Usage: vcsd serve\n\n  Start the object version-control storage core: opens the\n  database, runs migrations, bootstraps users, and starts the\n  background flush and notify workers.\n"
}

// Run builds the core and blocks until SIGINT. SIGHUP is logged and
// ignored; a missing/unreadable signing keypair is a startup failure
// with exit code 1, before any core initialisation.
func (c *Command) Run(args []string) int {
	log := c.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	if c.Cfg.KeypairPath != "" {
		f, err := os.Open(c.Cfg.KeypairPath)
		if err != nil {
			log.Error("signing keypair unreadable", "path", c.Cfg.KeypairPath, "error", err)
			return 1
		}
		f.Close()
	}

	gdb, err := vcsdb.Open(c.Cfg.Database)
	if err != nil {
		log.Error("failed to open database", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs := blobstore.New(gdb, log)
	refs := refindex.New(gdb, log)
	changeLog := changelog.New(gdb, log)
	ws := workspace.New(changeLog, log)
	src := source.New(gdb, log)
	userStore := users.New(gdb, log)
	handler := objhandler.New(blobs, refs, objdump.NewTextCodec(), log)
	exporter := replication.NewExporter(blobs, refs, changeLog, src)
	applier := replication.NewApplier(gdb, blobs, refs, changeLog)
	puller := replication.NewPuller(src, applier, nil, log)

	if err := userStore.Bootstrap(ctx); err != nil {
		log.Error("failed to bootstrap users", "error", err)
		return 1
	}
	if c.Cfg.WizardKey != "" {
		if err := userStore.AddAPIKey(ctx, vcs.WizardUserID, c.Cfg.WizardKey); err != nil {
			log.Warn("failed to install wizard key", "error", err)
		}
	}

	flushWorker := flush.New(gdb, log, time.Duration(c.Cfg.FlushInterval)*time.Second)
	go flushWorker.Run(ctx)

	if c.Cfg.NotifyTopic != "" {
		relay, err := notify.New(notify.Config{
			DB:      gdb,
			Log:     changeLog,
			Brokers: c.Cfg.NotifyBrokers,
			Topic:   c.Cfg.NotifyTopic,
			Logger:  log,
		})
		if err != nil {
			log.Error("failed to start notify relay", "error", err)
			return 1
		}
		defer relay.Stop()
		go func() {
			if err := relay.Start(ctx); err != nil && err != context.Canceled {
				log.Error("notify relay stopped", "error", err)
			}
		}()
	}

	engine := lifecycle.New(gdb, changeLog, ws, blobs, refs, src, log)

	reg := registry.New(registry.Deps{
		Log:       changeLog,
		Workspace: ws,
		Blobs:     blobs,
		Refs:      refs,
		Users:     userStore,
		Handler:   handler,
		Exporter:  exporter,
		Engine:    engine,
		Flush:     flushWorker,
		Puller:    puller,
		Logger:    log,
	})
	_ = reg // the registry is the boundary the out-of-scope transport layer dispatches through

	log.Info("vcsd core ready", "bind_addr", c.Cfg.BindAddr, "game", c.Cfg.GameName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			log.Info("SIGHUP received, no-op")
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("shutting down", "signal", s.String())
			flushWorker.RequestFlush()
			cancel()
			fmt.Fprintln(os.Stderr, "vcsd: stopped")
			return 0
		}
	}
	return 0
}
