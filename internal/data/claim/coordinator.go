package claim

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/smriti-backend/internal/data/db"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

/*
Coordinator hands out time-bounded leases over rows of one table that carries
the shared lease columns (lease_owner, lease_expires_at, attempts, last_error,
last_error_at, next_attempt_at, failed_at) plus processing_state, user_id and
created_at.

A claim is one transaction:
  - select candidate ids in the requested state whose lease is absent or
    expired, whose backoff has elapsed and which are not terminal-failed
    (FOR UPDATE SKIP LOCKED on Postgres);
  - stamp them with a fresh token, re-checking the same predicate in the
    UPDATE so a concurrent claimer on any dialect loses the race cleanly;
  - read back the ids that now carry the token.

Rows held by someone else are simply not returned. Expired leases are the only
crash recovery: any worker may take them over.
*/
type Coordinator struct {
	db    *gorm.DB
	log   *logger.Logger
	table string
	opts  Options
}

type Options struct {
	TTL         time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func New(gdb *gorm.DB, baseLog *logger.Logger, table string, opts Options) *Coordinator {
	return &Coordinator{
		db:    gdb,
		log:   baseLog.With("component", "ClaimCoordinator", "table", table),
		table: table,
		opts:  opts.withDefaults(),
	}
}

func (c *Coordinator) Table() string { return c.table }

func (c *Coordinator) MaxAttempts() int { return c.opts.MaxAttempts }

func (c *Coordinator) now() time.Time { return c.opts.Now().UTC() }

// Query selects what to claim. A nil UserID claims across users.
type Query struct {
	State  string
	UserID *uuid.UUID
	Limit  int
}

// Lease is the proof of ownership a worker presents to Commit and Release.
type Lease struct {
	Token     uuid.UUID
	IDs       []uuid.UUID
	ExpiresAt time.Time
}

func (l *Lease) Empty() bool { return l == nil || len(l.IDs) == 0 }

type idRow struct {
	ID uuid.UUID
}

func (c *Coordinator) claimable(q *gorm.DB, state string, now time.Time) *gorm.DB {
	return q.
		Where("processing_state = ?", state).
		Where("failed_at IS NULL").
		Where("(lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)", now).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
}

func (c *Coordinator) Claim(dbc dbctx.Context, q Query) (*Lease, error) {
	if q.State == "" {
		return nil, fmt.Errorf("claim %s: state required: %w", c.table, apperr.ErrInvalidArgument)
	}
	now := c.now()
	lease := &Lease{Token: uuid.New(), ExpiresAt: now.Add(c.opts.TTL)}
	if q.Limit <= 0 {
		return lease, nil
	}

	err := dbc.Conn(c.db).Transaction(func(txx *gorm.DB) error {
		sel := c.claimable(txx.Table(c.table).Select("id"), q.State, now)
		if q.UserID != nil {
			sel = sel.Where("user_id = ?", *q.UserID)
		}
		if db.IsPostgres(txx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []idRow
		if err := sel.Order("created_at ASC").Order("id ASC").Limit(q.Limit).Scan(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(candidates))
		for _, r := range candidates {
			ids = append(ids, r.ID)
		}

		upd := c.claimable(txx.Table(c.table).Where("id IN ?", ids), q.State, now).
			Updates(map[string]interface{}{
				"lease_owner":      lease.Token,
				"lease_expires_at": lease.ExpiresAt,
				"updated_at":       now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return nil
		}

		var stamped []idRow
		if err := txx.Table(c.table).Select("id").
			Where("lease_owner = ?", lease.Token).
			Order("created_at ASC").Order("id ASC").
			Scan(&stamped).Error; err != nil {
			return err
		}
		for _, r := range stamped {
			lease.IDs = append(lease.IDs, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("claim "+c.table, err)
	}
	if len(lease.IDs) < q.Limit {
		c.log.Debug("Claimed fewer rows than requested", "state", q.State, "requested", q.Limit, "claimed", len(lease.IDs))
	}
	return lease, nil
}

// Commit applies updates to ids still held under lease and clears the lease.
// from guards the transition so state only moves forward. When updates move
// processing_state the retry bookkeeping is reset, so every stage starts with
// a fresh attempt count. Rows whose lease was lost are left untouched and
// reported with ErrLeaseLost.
func (c *Coordinator) Commit(dbc dbctx.Context, lease *Lease, ids []uuid.UUID, from string, updates map[string]interface{}) (int64, error) {
	if lease == nil || len(ids) == 0 {
		return 0, nil
	}
	now := c.now()
	fields := make(map[string]interface{}, len(updates)+4)
	for k, v := range updates {
		fields[k] = v
	}
	fields["lease_owner"] = nil
	fields["lease_expires_at"] = nil
	fields["next_attempt_at"] = nil
	fields["updated_at"] = now
	if to, ok := updates["processing_state"]; ok && to != from {
		fields["attempts"] = 0
		fields["last_error"] = ""
		fields["last_error_at"] = nil
	}

	q := dbc.Conn(c.db).Table(c.table).
		Where("id IN ?", ids).
		Where("lease_owner = ?", lease.Token)
	if from != "" {
		q = q.Where("processing_state = ?", from)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return 0, apperr.Persistence("commit "+c.table, res.Error)
	}
	if res.RowsAffected < int64(len(ids)) {
		return res.RowsAffected, fmt.Errorf("commit %s: %d of %d rows: %w", c.table, res.RowsAffected, len(ids), apperr.ErrLeaseLost)
	}
	return res.RowsAffected, nil
}

// Release returns ids to the pool. A nil cause is a plain hand-back. With a
// cause the attempt is counted and the row waits out an exponential backoff;
// rows that reach MaxAttempts become terminal-failed and are returned.
func (c *Coordinator) Release(dbc dbctx.Context, lease *Lease, ids []uuid.UUID, cause error) ([]uuid.UUID, error) {
	if lease == nil || len(ids) == 0 {
		return nil, nil
	}
	now := c.now()
	if cause == nil {
		err := dbc.Conn(c.db).Table(c.table).
			Where("id IN ?", ids).
			Where("lease_owner = ?", lease.Token).
			Updates(map[string]interface{}{
				"lease_owner":      nil,
				"lease_expires_at": nil,
				"updated_at":       now,
			}).Error
		if err != nil {
			return nil, apperr.Persistence("release "+c.table, err)
		}
		return nil, nil
	}

	msg := truncate(cause.Error(), 2000)
	var exhausted []uuid.UUID
	err := dbc.Conn(c.db).Transaction(func(txx *gorm.DB) error {
		var rows []struct {
			ID       uuid.UUID
			Attempts int
		}
		if err := txx.Table(c.table).Select("id, attempts").
			Where("id IN ?", ids).
			Where("lease_owner = ?", lease.Token).
			Scan(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			attempts := r.Attempts + 1
			fields := map[string]interface{}{
				"lease_owner":      nil,
				"lease_expires_at": nil,
				"attempts":         attempts,
				"last_error":       msg,
				"last_error_at":    now,
				"updated_at":       now,
			}
			if attempts >= c.opts.MaxAttempts {
				fields["failed_at"] = now
				fields["next_attempt_at"] = nil
				exhausted = append(exhausted, r.ID)
			} else {
				fields["next_attempt_at"] = now.Add(c.Backoff(attempts))
			}
			if err := txx.Table(c.table).
				Where("id = ? AND lease_owner = ?", r.ID, lease.Token).
				Updates(fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("release "+c.table, err)
	}
	return exhausted, nil
}

// Fail marks ids terminal-failed without further retries. Processing state is
// left as it was.
func (c *Coordinator) Fail(dbc dbctx.Context, lease *Lease, ids []uuid.UUID, cause error) error {
	if lease == nil || len(ids) == 0 {
		return nil
	}
	now := c.now()
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), 2000)
	}
	err := dbc.Conn(c.db).Table(c.table).
		Where("id IN ?", ids).
		Where("lease_owner = ?", lease.Token).
		Updates(map[string]interface{}{
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"attempts":         gorm.Expr("attempts + 1"),
			"last_error":       msg,
			"last_error_at":    now,
			"failed_at":        now,
			"next_attempt_at":  nil,
			"updated_at":       now,
		}).Error
	if err != nil {
		return apperr.Persistence("fail "+c.table, err)
	}
	return nil
}

// PendingUsers lists users with claimable rows in state, ordered by id.
func (c *Coordinator) PendingUsers(dbc dbctx.Context, state string) ([]uuid.UUID, error) {
	var rows []struct {
		UserID uuid.UUID
	}
	err := c.claimable(dbc.Conn(c.db).Table(c.table).Distinct("user_id"), state, c.now()).
		Order("user_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Persistence("pending users "+c.table, err)
	}
	out := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.UserID)
	}
	return out, nil
}

// Backoff is BaseBackoff doubled per prior attempt, capped at MaxBackoff.
func (c *Coordinator) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	if d > c.opts.MaxBackoff {
		return c.opts.MaxBackoff
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
