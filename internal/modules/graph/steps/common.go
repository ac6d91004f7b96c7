package steps

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/data/claim"
	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/services"
)

// preflight checks every collaborator that can report health before a run
// claims anything.
func preflight(ctx context.Context, deps ...any) error {
	for _, d := range deps {
		if p, ok := d.(services.Pinger); ok && p != nil {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// heldSet tracks ids still under this run's lease. Whatever is left when the
// run returns is handed back.
type heldSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newHeldSet(ids []uuid.UUID) *heldSet {
	h := &heldSet{ids: make(map[uuid.UUID]struct{}, len(ids))}
	for _, id := range ids {
		h.ids[id] = struct{}{}
	}
	return h
}

func (h *heldSet) done(ids ...uuid.UUID) {
	h.mu.Lock()
	for _, id := range ids {
		delete(h.ids, id)
	}
	h.mu.Unlock()
}

func (h *heldSet) remaining() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uuid.UUID, 0, len(h.ids))
	for id := range h.ids {
		out = append(out, id)
	}
	return out
}

// releaseRemaining hands back leftovers on a context detached from
// cancellation, bounded by a short timeout.
func releaseRemaining(ctx context.Context, log *logger.Logger, claims *claim.Coordinator, lease *claim.Lease, held *heldSet) {
	ids := held.remaining()
	if len(ids) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := claims.Release(dbctx.Background(rctx), lease, ids, nil); err != nil {
		log.Warn("Release of unfinished leases failed", "table", claims.Table(), "count", len(ids), "error", err)
		return
	}
	log.Debug("Released unfinished leases", "table", claims.Table(), "count", len(ids))
}

// releaseWithCause hands ids back with a cause so their attempt counts grow.
// For every id that reached MaxAttempts, entry builds the error log row. It
// returns how many ids were exhausted.
func releaseWithCause(dbc dbctx.Context, claims *claim.Coordinator, errs graphrepos.ErrorLogRepo, log *logger.Logger, lease *claim.Lease, held *heldSet, ids []uuid.UUID, cause error, entry func(id uuid.UUID) *types.ErrorLog) int {
	exhausted, err := claims.Release(dbc, lease, ids, cause)
	if err != nil {
		log.Warn("Release with cause failed; lease will expire", "error", err, "cause", cause)
		return 0
	}
	held.done(ids...)
	if len(exhausted) == 0 {
		log.Warn("Item failed, will retry", "error", cause, "count", len(ids))
		return 0
	}
	log.Error("Retries exhausted", "error", cause, "count", len(exhausted), "max_attempts", claims.MaxAttempts())
	rows := make([]*types.ErrorLog, 0, len(exhausted))
	for _, id := range exhausted {
		e := entry(id)
		e.Message = cause.Error()
		rows = append(rows, e)
	}
	if err := errs.Create(dbc, rows...); err != nil {
		log.Warn("Error log write failed", "error", err)
	}
	return len(exhausted)
}

// failWithLog marks ids terminal-failed and records one error log row each.
func failWithLog(dbc dbctx.Context, claims *claim.Coordinator, errs graphrepos.ErrorLogRepo, log *logger.Logger, lease *claim.Lease, held *heldSet, ids []uuid.UUID, cause error, entry func(id uuid.UUID) *types.ErrorLog) {
	rows := make([]*types.ErrorLog, 0, len(ids))
	for _, id := range ids {
		e := entry(id)
		e.Message = cause.Error()
		rows = append(rows, e)
	}
	if err := errs.Create(dbc, rows...); err != nil {
		log.Warn("Error log write failed", "error", err)
	}
	if err := claims.Fail(dbc, lease, ids, cause); err != nil {
		log.Warn("Marking items failed did not stick; lease will expire", "error", err)
		return
	}
	held.done(ids...)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boundedConcurrency(n, items int) int {
	if n < 1 {
		n = 1
	}
	if items > 0 && n > items {
		n = items
	}
	return n
}
