// Package apperr implements the error propagation policy of spec.md §7:
// repository-layer errors attach the offending commit id, merge errors
// attach the key, sync errors attach the peer endpoint.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Context carries the attachment a layer adds when it wraps a sentinel
// error on its way back up to the caller.
type Context struct {
	CommitID string
	Key      string
	Peer     string
}

// wrapped pairs a sentinel error with its layer-specific context while
// still satisfying errors.Is/errors.As against the sentinel via Unwrap.
type wrapped struct {
	cause error
	ctx   Context
	msg   string
}

func (w *wrapped) Error() string {
	parts := w.msg
	if w.ctx.CommitID != "" {
		parts += fmt.Sprintf(" commit=%s", w.ctx.CommitID)
	}
	if w.ctx.Key != "" {
		parts += fmt.Sprintf(" key=%s", w.ctx.Key)
	}
	if w.ctx.Peer != "" {
		parts += fmt.Sprintf(" peer=%s", w.ctx.Peer)
	}
	return parts + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Cause() error { return w.cause }

// Cause returns the root sentinel, matching github.com/pkg/errors' Cause
// convention used throughout the teacher's codebase.
func Cause(err error) error { return errors.Cause(err) }

// WithCommit attaches a commit id to cause.
func WithCommit(cause error, commitID string) error {
	return &wrapped{cause: cause, ctx: Context{CommitID: commitID}, msg: "commit error"}
}

// WithKey attaches an item key to cause.
func WithKey(cause error, key string) error {
	return &wrapped{cause: cause, ctx: Context{Key: key}, msg: "key error"}
}

// WithPeer attaches a sync peer endpoint to cause.
func WithPeer(cause error, peer string) error {
	return &wrapped{cause: cause, ctx: Context{Peer: peer}, msg: "sync error"}
}
