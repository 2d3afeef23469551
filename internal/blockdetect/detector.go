// Package blockdetect classifies upstream responses that signal the proxy's
// own source IP has been soft-blocked, and owns the resulting cooldown
// record. While a record is active the engine answers 503 without touching
// the upstream at all, since more traffic would extend the block.
package blockdetect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/siliconpool/siliconpool/internal/store"
	"github.com/siliconpool/siliconpool/internal/utils"
)

const (
	// BlockDuration is the cooldown applied on a soft-block signal.
	BlockDuration = 30 * time.Minute
	// PurgeInterval is how often expired records are deleted.
	PurgeInterval = 5 * time.Minute

	// softBlockCode is the upstream numeric code for "system busy".
	softBlockCode = 50603
	// maxSearchDepth bounds the recursive body search. Decoded JSON cannot
	// cycle, so a depth guard is all the visited-set from the error path
	// needs to become.
	maxSearchDepth = 32
)

const (
	queryInsertBlock = `
		INSERT INTO block_records (blocked_at, unblock_at, reason)
		VALUES (?, ?, ?)`

	queryLatestBlock = `
		SELECT * FROM block_records
		ORDER BY unblock_at DESC
		LIMIT 1`

	queryPurgeExpired = `DELETE FROM block_records WHERE unblock_at <= ?`
)

// Record is one soft-block cooldown window.
type Record struct {
	ID        int64     `db:"id" json:"id"`
	BlockedAt time.Time `db:"blocked_at" json:"blocked_at"`
	UnblockAt time.Time `db:"unblock_at" json:"unblock_at"`
	Reason    string    `db:"reason" json:"reason"`
}

// Active reports whether the record's unblock time is still in the future.
func (r *Record) Active() bool {
	return r != nil && utils.NowUTC().Before(r.UnblockAt)
}

// RemainingMinutes is the whole minutes left on the cooldown, rounded up.
func (r *Record) RemainingMinutes() int {
	remaining := time.Until(r.UnblockAt)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Minute - 1) / time.Minute)
}

// Detector persists block records and caches the most recent one so the
// hot-path Active check stays off the database.
type Detector struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu     sync.RWMutex
	latest *Record
}

// New loads the most recent record so a cooldown survives process restarts.
func New(st *store.Store, logger *slog.Logger) (*Detector, error) {
	d := &Detector{db: st.DB(), logger: logger}

	var rec Record
	err := d.db.Get(&rec, queryLatestBlock)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("blockdetect: load failed: %w", err)
	default:
		d.latest = &rec
		if rec.Active() {
			logger.Warn("resuming under active soft-block",
				"unblock_at", rec.UnblockAt,
				"reason", rec.Reason,
			)
		}
	}
	return d, nil
}

// Active returns the current block record, or nil when none is in force.
// Read-lock fast path; an expired cached record is cleared under the write
// lock so later calls skip the time comparison.
func (d *Detector) Active() *Record {
	d.mu.RLock()
	latest := d.latest
	d.mu.RUnlock()

	if latest == nil {
		return nil
	}
	if latest.Active() {
		rec := *latest
		return &rec
	}

	d.mu.Lock()
	if d.latest != nil && !d.latest.Active() {
		d.latest = nil
	}
	d.mu.Unlock()
	return nil
}

// Block records a soft-block starting now. The stored record is returned so
// the engine can render the 503 payload from it.
func (d *Detector) Block(ctx context.Context, reason string) (*Record, error) {
	now := utils.NowUTC()
	rec := &Record{
		BlockedAt: now,
		UnblockAt: now.Add(BlockDuration),
		Reason:    reason,
	}

	res, err := d.db.ExecContext(ctx, queryInsertBlock, rec.BlockedAt, rec.UnblockAt, rec.Reason)
	if err != nil {
		return nil, fmt.Errorf("blockdetect: insert failed: %w", err)
	}
	rec.ID, _ = res.LastInsertId()

	d.mu.Lock()
	d.latest = rec
	d.mu.Unlock()

	d.logger.Warn("source IP soft-blocked by upstream",
		"unblock_at", rec.UnblockAt,
		"reason", reason,
	)
	out := *rec
	return &out, nil
}

// StartPurge deletes expired records every PurgeInterval until ctx ends.
func (d *Detector) StartPurge(ctx context.Context) {
	ticker := time.NewTicker(PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.db.ExecContext(ctx, queryPurgeExpired, utils.NowUTC())
			if err != nil {
				d.logger.Warn("block record purge failed", "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				d.logger.Debug("purged expired block records", "count", n)
			}
		}
	}
}

// Inspect reports whether a failing upstream response body carries the
// soft-block signal: the substring "busy" anywhere in its text (case
// insensitive) or the numeric code 50603. The body is decoded as JSON and
// searched recursively; non-JSON bodies are searched as raw text.
func Inspect(body []byte) bool {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return containsBusy(string(body))
	}
	return search(decoded, 0)
}

func search(v any, depth int) bool {
	if depth > maxSearchDepth {
		return false
	}

	switch val := v.(type) {
	case string:
		return containsBusy(val)
	case float64:
		return val == softBlockCode
	case json.Number:
		return val.String() == "50603"
	case map[string]any:
		for _, item := range val {
			if search(item, depth+1) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if search(item, depth+1) {
				return true
			}
		}
	}
	return false
}

func containsBusy(s string) bool {
	return strings.Contains(strings.ToLower(s), "busy")
}
