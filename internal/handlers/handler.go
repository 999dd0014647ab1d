// Package handlers exposes the control surface: status snapshots and manual
// check/repair triggers. Triggers take the operation gate synchronously and
// run in the background; a busy gate is a conflict, never a queue.
package handlers

import (
	"context"

	"github.com/rsguard/rsguard/internal/checker"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/repair"
	"github.com/rsguard/rsguard/internal/status"
)

// Handler contains all HTTP handlers
type Handler struct {
	logger   *logging.Logger
	tracker  *status.Tracker
	checker  *checker.Checker
	repairer *repair.Repairer
	baseCtx  context.Context // lifetime of background operations
}

// New creates a new handler instance. baseCtx bounds the background
// operations started by the trigger endpoints.
func New(baseCtx context.Context, logger *logging.Logger, tracker *status.Tracker,
	chk *checker.Checker, rep *repair.Repairer) *Handler {
	return &Handler{
		logger:   logger,
		tracker:  tracker,
		checker:  chk,
		repairer: rep,
		baseCtx:  baseCtx,
	}
}
