// Package registry persists the credential pool: one row per upstream API
// key plus the append-only usage log. It is the single authority on
// credential state; the selector and the engine mutate credentials only
// through its operations.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/siliconpool/siliconpool/internal/security"
	"github.com/siliconpool/siliconpool/internal/store"
	"github.com/siliconpool/siliconpool/internal/utils"
)

// Status is the credential lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusInsufficient Status = "insufficient"
	StatusError        Status = "error"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s Status) bool {
	return s == StatusActive || s == StatusInsufficient || s == StatusError
}

var (
	ErrDuplicateSecret = errors.New("registry: secret already exists")
	ErrNotFound        = errors.New("registry: credential not found")
)

// Credential is one upstream bearer token and its observed state.
// Balance is nil until the first successful probe; an unknown balance never
// demotes a credential on its own.
type Credential struct {
	ID               int64      `db:"id" json:"id"`
	Secret           string     `db:"secret" json:"secret"`
	Status           Status     `db:"status" json:"status"`
	Available        bool       `db:"available" json:"available"`
	Balance          *float64   `db:"balance" json:"balance"`
	BalanceCheckedAt *time.Time `db:"balance_checked_at" json:"balance_checked_at"`
	CallCount        int64      `db:"call_count" json:"call_count"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt       *time.Time `db:"last_used_at" json:"last_used_at"`
	ErrorCount       int        `db:"error_count" json:"error_count"`
	LastError        *string    `db:"last_error" json:"last_error"`
}

// Masked returns a copy safe for listings: first 8 + last 4 of the secret.
func (c Credential) Masked() Credential {
	c.Secret = security.MaskCredential(c.Secret)
	return c
}

// Selectable reports whether the key selector may hand this credential out.
func (c Credential) Selectable() bool {
	return c.Available && c.Status == StatusActive
}

// Registry is the credential store. Mutations that can change which
// credentials are selectable fire the mutation hook after commit, so the
// selector reloads on events instead of polling.
type Registry struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu       sync.Mutex
	onMutate func()
}

func New(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{db: st.DB(), logger: logger}
}

// OnMutate registers the callback fired after availability-affecting
// mutations commit. Only one listener is supported; the key selector owns it.
func (r *Registry) OnMutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMutate = fn
}

func (r *Registry) notify() {
	r.mu.Lock()
	fn := r.onMutate
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Add inserts a new credential in the active, available state.
// A duplicate secret surfaces as ErrDuplicateSecret.
func (r *Registry) Add(ctx context.Context, secret string) (int64, error) {
	res, err := r.db.ExecContext(ctx, queryInsertCredential, secret, utils.NowUTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrDuplicateSecret
		}
		return 0, fmt.Errorf("registry: add failed: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("registry: add failed: %w", err)
	}

	r.logger.Info("credential added", "id", id, "secret", security.MaskCredential(secret))
	r.notify()
	return id, nil
}

// Delete removes a credential. Usage log rows are kept for history.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, queryDeleteCredential, id)
	if err != nil {
		return fmt.Errorf("registry: delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.logger.Info("credential deleted", "id", id)
	r.notify()
	return nil
}

// Get returns one credential with its full secret.
func (r *Registry) Get(ctx context.Context, id int64) (*Credential, error) {
	var cred Credential
	if err := r.db.GetContext(ctx, &cred, queryGetCredential, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get failed: %w", err)
	}
	return &cred, nil
}

// List returns all credentials ordered by creation time ascending.
func (r *Registry) List(ctx context.Context) ([]Credential, error) {
	var creds []Credential
	if err := r.db.SelectContext(ctx, &creds, queryListCredentials); err != nil {
		return nil, fmt.Errorf("registry: list failed: %w", err)
	}
	return creds, nil
}

// ListAvailable returns credentials with the availability flag set, ordered
// by creation time ascending. Status filtering is the selector's job.
func (r *Registry) ListAvailable(ctx context.Context) ([]Credential, error) {
	var creds []Credential
	if err := r.db.SelectContext(ctx, &creds, queryListAvailable); err != nil {
		return nil, fmt.Errorf("registry: list available failed: %w", err)
	}
	return creds, nil
}

// ExportSecrets returns every stored secret unmasked, creation order.
func (r *Registry) ExportSecrets(ctx context.Context) ([]string, error) {
	var secrets []string
	if err := r.db.SelectContext(ctx, &secrets, queryExportSecrets); err != nil {
		return nil, fmt.Errorf("registry: export failed: %w", err)
	}
	return secrets, nil
}

// SetStatus updates the lifecycle status. A non-nil errText records the
// failure and increments error_count; nil clears both.
func (r *Registry) SetStatus(ctx context.Context, id int64, status Status, errText *string) error {
	var (
		res sql.Result
		err error
	)
	if errText != nil {
		res, err = r.db.ExecContext(ctx, querySetStatusWithError, status, *errText, id)
	} else {
		res, err = r.db.ExecContext(ctx, querySetStatusClearError, status, id)
	}
	if err != nil {
		return fmt.Errorf("registry: set status failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.notify()
	return nil
}

// SetBalance records a probed balance and stamps the probe time.
func (r *Registry) SetBalance(ctx context.Context, id int64, balance float64) error {
	res, err := r.db.ExecContext(ctx, querySetBalance, balance, utils.NowUTC(), id)
	if err != nil {
		return fmt.Errorf("registry: set balance failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAvailability flips the availability flag.
func (r *Registry) SetAvailability(ctx context.Context, id int64, available bool) error {
	res, err := r.db.ExecContext(ctx, querySetAvailability, available, id)
	if err != nil {
		return fmt.Errorf("registry: set availability failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.notify()
	return nil
}

// IncrementCalls bumps the call counter, stamps last-used, and returns the
// new count so the caller can schedule every-Nth balance probes.
func (r *Registry) IncrementCalls(ctx context.Context, id int64) (int64, error) {
	var count int64
	err := r.db.QueryRowxContext(ctx, queryIncrementCalls, utils.NowUTC(), id).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("registry: increment calls failed: %w", err)
	}
	return count, nil
}
