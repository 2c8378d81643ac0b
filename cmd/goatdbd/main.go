// Command goatdbd opens a single repository, wires it to its configured
// peers, and serves an HTTP health check at /healthy. Its HTTP server
// answers no sync requests: every other path returns 404.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/goatplatform/goatdb-core/commit"
	"github.com/goatplatform/goatdb-core/db"
	"github.com/goatplatform/goatdb-core/dbconfig"
	"github.com/goatplatform/goatdb-core/internal/logging"
	"github.com/goatplatform/goatdb-core/schema"
	"github.com/goatplatform/goatdb-core/session"
)

var (
	configPath = flag.String("config", "goatdb.toml", "path to the TOML config file")
	devMode    = flag.Bool("dev", false, "use human-readable development logging")
)

// buildVersion is stamped at release time; it is carried on every commit
// this process signs (spec.md §3 "Commit").
var buildVersion = commit.BuildVersion{Major: 0, Minor: 1, Patch: 0, SchemaGen: 1}

func main() {
	flag.Parse()
	logging.Set(mustLogger(*devMode))
	defer logging.L().Sync() // nolint:errcheck

	cfg, err := dbconfig.Load(*configPath)
	if err != nil {
		logging.L().Fatal("load config", zap.Error(err))
	}

	s, err := session.NewOwned(cfg.OrgID, time.Now().Add(24*time.Hour))
	if err != nil {
		logging.L().Fatal("create local session", zap.Error(err))
	}
	store := session.NewStore(session.TrustFile{Roots: []*session.Session{s}})

	d := db.New(store, s, cfg.OrgID, buildVersion)
	if err := d.OpenWithConfig(cfg, schema.NewRegistry()); err != nil {
		logging.L().Fatal("open repository", zap.Error(err))
	}
	defer d.Close(cfg.Path) // nolint:errcheck

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthy" {
				w.WriteHeader(http.StatusOK)
				return
			}
			http.NotFound(w, r)
		}),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("sync server stopped", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logging.L().Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = d.FlushAll()
}

func mustLogger(dev bool) *zap.Logger {
	if dev {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l
}
