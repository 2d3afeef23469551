package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/siliconpool/siliconpool/internal/store"
	"github.com/siliconpool/siliconpool/internal/utils"
)

const (
	usageQueueSize     = 1024
	usageBatchSize     = 64
	usageFlushInterval = time.Second
)

// UsageEntry is one recorded attempt outcome.
type UsageEntry struct {
	ID           int64     `db:"id" json:"id"`
	CredentialID int64     `db:"credential_id" json:"credential_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	Success      bool      `db:"success" json:"success"`
	Detail       string    `db:"detail" json:"detail"`
}

// UsageLogStats exposes writer counters for diagnostics.
type UsageLogStats struct {
	QueueLen int    `json:"queue_len"`
	Queued   uint64 `json:"queued"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
}

// UsageLog appends attempt outcomes asynchronously so the request path never
// waits on the log table. Record is non-blocking: when the queue is full the
// entry is dropped and counted rather than stalling a client request.
type UsageLog struct {
	db     *sqlx.DB
	logger *slog.Logger

	queue    chan *UsageEntry
	flushCh  chan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	queued  uint64
	written uint64
	dropped uint64
	errors  uint64
}

func NewUsageLog(st *store.Store, logger *slog.Logger) *UsageLog {
	return &UsageLog{
		db:       st.DB(),
		logger:   logger,
		queue:    make(chan *UsageEntry, usageQueueSize),
		flushCh:  make(chan chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background writer. Must be called once.
func (u *UsageLog) Start() {
	u.wg.Add(1)
	go u.worker()
	u.logger.Info("usage log started",
		"queue_size", usageQueueSize,
		"batch_size", usageBatchSize,
		"flush_interval", usageFlushInterval,
	)
}

// Record queues one attempt outcome. Never blocks the caller.
func (u *UsageLog) Record(credentialID int64, success bool, detail string) {
	entry := &UsageEntry{
		CredentialID: credentialID,
		CreatedAt:    utils.NowUTC(),
		Success:      success,
		Detail:       detail,
	}

	select {
	case u.queue <- entry:
		atomic.AddUint64(&u.queued, 1)
	default:
		atomic.AddUint64(&u.dropped, 1)
		u.logger.Warn("usage entry dropped: queue full",
			"credential_id", credentialID,
			"queue_cap", cap(u.queue),
		)
	}
}

// Recent returns the newest entries for a credential, newest first.
func (u *UsageLog) Recent(ctx context.Context, credentialID int64, limit int) ([]UsageEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []UsageEntry
	if err := u.db.SelectContext(ctx, &entries, queryRecentUsage, credentialID, limit); err != nil {
		return nil, fmt.Errorf("registry: recent usage failed: %w", err)
	}
	return entries, nil
}

// Flush synchronously drains the queue and writes everything pending.
// Used before reads that must observe prior writes.
func (u *UsageLog) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case u.flushCh <- ack:
	case <-u.stopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the writer after draining the queue.
func (u *UsageLog) Shutdown(ctx context.Context) error {
	close(u.stopChan)

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		u.logger.Info("usage log stopped",
			"written", atomic.LoadUint64(&u.written),
			"dropped", atomic.LoadUint64(&u.dropped),
			"errors", atomic.LoadUint64(&u.errors),
		)
		return nil
	case <-ctx.Done():
		u.logger.Warn("usage log shutdown timeout", "pending", len(u.queue))
		return ctx.Err()
	}
}

// Stats returns writer counters.
func (u *UsageLog) Stats() UsageLogStats {
	return UsageLogStats{
		QueueLen: len(u.queue),
		Queued:   atomic.LoadUint64(&u.queued),
		Written:  atomic.LoadUint64(&u.written),
		Dropped:  atomic.LoadUint64(&u.dropped),
		Errors:   atomic.LoadUint64(&u.errors),
	}
}

func (u *UsageLog) worker() {
	defer u.wg.Done()

	batch := make([]*UsageEntry, 0, usageBatchSize)
	ticker := time.NewTicker(usageFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopChan:
			u.drainQueue(&batch)
			u.flushBatch(batch)
			return

		case entry := <-u.queue:
			batch = append(batch, entry)
			if len(batch) >= usageBatchSize {
				u.flushBatch(batch)
				batch = batch[:0]
			}

		case ack := <-u.flushCh:
			u.drainQueue(&batch)
			u.flushBatch(batch)
			batch = batch[:0]
			close(ack)

		case <-ticker.C:
			if len(batch) > 0 {
				u.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (u *UsageLog) drainQueue(batch *[]*UsageEntry) {
	for {
		select {
		case entry := <-u.queue:
			*batch = append(*batch, entry)
		default:
			return
		}
	}
}

func (u *UsageLog) flushBatch(batch []*UsageEntry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		atomic.AddUint64(&u.errors, uint64(len(batch)))
		u.logger.Error("usage batch begin failed", "error", err, "batch_size", len(batch))
		return
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range batch {
		if _, err := tx.ExecContext(ctx, queryInsertUsage,
			entry.CredentialID, entry.CreatedAt, entry.Success, entry.Detail); err != nil {
			atomic.AddUint64(&u.errors, uint64(len(batch)))
			u.logger.Error("usage batch insert failed", "error", err, "batch_size", len(batch))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&u.errors, uint64(len(batch)))
		u.logger.Error("usage batch commit failed", "error", err, "batch_size", len(batch))
		return
	}

	atomic.AddUint64(&u.written, uint64(len(batch)))
}
