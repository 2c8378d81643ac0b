// Package logging provides the process-wide structured logger, grounded on
// SPEC_FULL.md's ambient-stack requirement (dolthub-dolt/go.mod carries
// go.uber.org/zap, and imports it directly in several _test.go helpers via
// zap/buffer).
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	global *zap.Logger
)

// L returns the process-wide logger, built lazily on first use as a
// production JSON logger. Callers that need a different configuration
// (e.g. tests wanting a development/console logger) should call Set.
func L() *zap.Logger {
	once.Do(func() {
		if global == nil {
			l, err := zap.NewProduction()
			if err != nil {
				l = zap.NewNop()
			}
			global = l
		}
	})
	return global
}

// Set installs l as the process-wide logger. Intended for test setup and
// for cmd/goatdbd's startup, before any component calls L().
func Set(l *zap.Logger) {
	global = l
}

// Commit returns a child logger annotated with a commit id field, mirroring
// apperr.WithCommit's attachment but for structured log lines rather than
// error chains.
func Commit(commitID string) *zap.Logger {
	return L().With(zap.String("commit", commitID))
}

// Key returns a child logger annotated with an item key field.
func Key(key string) *zap.Logger {
	return L().With(zap.String("key", key))
}

// Peer returns a child logger annotated with a sync peer field.
func Peer(peer string) *zap.Logger {
	return L().With(zap.String("peer", peer))
}
