// Package outbound manages the pool of outbound network proxies the engine
// can route upstream traffic through: the persisted proxy list, the global
// enable flag, the time-bounded sticky pin, and the ordered fan-out.
package outbound

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/siliconpool/siliconpool/internal/store"
	"github.com/siliconpool/siliconpool/internal/utils"
)

// PinTTL is how long a successful proxy stays pinned.
const PinTTL = 60 * time.Minute

var (
	ErrNotFound      = errors.New("outbound: proxy not found")
	ErrInvalidScheme = errors.New("outbound: scheme must be socks5, http, or https")
)

// Proxy is one outbound network proxy with its last verification metadata.
type Proxy struct {
	ID         int64      `db:"id" json:"id"`
	Scheme     string     `db:"scheme" json:"scheme"`
	Host       string     `db:"host" json:"host"`
	Port       int        `db:"port" json:"port"`
	Username   string     `db:"username" json:"username,omitempty"`
	Password   string     `db:"password" json:"-"`
	Ordering   int        `db:"ordering" json:"ordering"`
	Verified   bool       `db:"verified" json:"verified"`
	PublicIP   string     `db:"public_ip" json:"public_ip,omitempty"`
	Location   string     `db:"location" json:"location,omitempty"`
	LatencyMS  *int64     `db:"latency_ms" json:"latency_ms,omitempty"`
	VerifiedAt *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// URL renders the proxy as a transport URL, credentials included.
func (p Proxy) URL() string {
	u := &url.URL{
		Scheme: p.Scheme,
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Pin is the sticky-proxy affinity window.
type Pin struct {
	ProxyID   int64     `json:"proxy_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry persists outbound proxies and the singleton pin/mode row.
type Registry struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{db: st.DB(), logger: logger}
}

func validScheme(scheme string) bool {
	return scheme == "socks5" || scheme == "http" || scheme == "https"
}

// Add appends a proxy at the end of the ordering.
func (r *Registry) Add(ctx context.Context, scheme, host string, port int, username, password string) (int64, error) {
	if !validScheme(scheme) {
		return 0, ErrInvalidScheme
	}
	if host == "" || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("outbound: invalid endpoint %s:%d", host, port)
	}

	res, err := r.db.ExecContext(ctx, queryInsertProxy,
		scheme, host, port, username, password, utils.NowUTC())
	if err != nil {
		return 0, fmt.Errorf("outbound: add failed: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbound: add failed: %w", err)
	}

	r.logger.Info("outbound proxy added", "id", id, "scheme", scheme, "host", host, "port", port)
	return id, nil
}

// Delete removes a proxy. A pin referring to it is cleared.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, queryDeleteProxy, id)
	if err != nil {
		return fmt.Errorf("outbound: delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := r.db.ExecContext(ctx, queryClearPinFor, id); err != nil {
		return fmt.Errorf("outbound: delete failed: %w", err)
	}

	r.logger.Info("outbound proxy deleted", "id", id)
	return nil
}

// Get returns one proxy.
func (r *Registry) Get(ctx context.Context, id int64) (*Proxy, error) {
	var p Proxy
	if err := r.db.GetContext(ctx, &p, queryGetProxy, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("outbound: get failed: %w", err)
	}
	return &p, nil
}

// List returns every proxy in ordering-index order.
func (r *Registry) List(ctx context.Context) ([]Proxy, error) {
	var proxies []Proxy
	if err := r.db.SelectContext(ctx, &proxies, queryListProxies); err != nil {
		return nil, fmt.Errorf("outbound: list failed: %w", err)
	}
	return proxies, nil
}

// Enabled reports the global outbound-proxy mode.
func (r *Registry) Enabled(ctx context.Context) (bool, error) {
	var enabled bool
	if err := r.db.GetContext(ctx, &enabled, queryGetEnabled); err != nil {
		return false, fmt.Errorf("outbound: read mode failed: %w", err)
	}
	return enabled, nil
}

// SetEnabled flips the global outbound-proxy mode.
func (r *Registry) SetEnabled(ctx context.Context, enabled bool) error {
	if _, err := r.db.ExecContext(ctx, querySetEnabled, enabled); err != nil {
		return fmt.Errorf("outbound: set mode failed: %w", err)
	}
	r.logger.Info("outbound proxy mode changed", "enabled", enabled)
	return nil
}

// CurrentPin returns the active pin, or nil when unset or expired.
func (r *Registry) CurrentPin(ctx context.Context) (*Pin, error) {
	var row struct {
		PinnedProxyID *int64     `db:"pinned_proxy_id"`
		PinExpiresAt  *time.Time `db:"pin_expires_at"`
	}
	if err := r.db.GetContext(ctx, &row, queryGetPin); err != nil {
		return nil, fmt.Errorf("outbound: read pin failed: %w", err)
	}
	if row.PinnedProxyID == nil || row.PinExpiresAt == nil {
		return nil, nil
	}
	if !utils.NowUTC().Before(*row.PinExpiresAt) {
		return nil, nil
	}
	return &Pin{ProxyID: *row.PinnedProxyID, ExpiresAt: *row.PinExpiresAt}, nil
}

// SetPin pins a proxy for PinTTL from now.
func (r *Registry) SetPin(ctx context.Context, proxyID int64) error {
	expires := utils.NowUTC().Add(PinTTL)
	if _, err := r.db.ExecContext(ctx, querySetPin, proxyID, expires); err != nil {
		return fmt.Errorf("outbound: set pin failed: %w", err)
	}
	r.logger.Info("outbound proxy pinned", "proxy_id", proxyID, "expires_at", expires)
	return nil
}

// ClearPin drops the pin unconditionally.
func (r *Registry) ClearPin(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, queryClearPin); err != nil {
		return fmt.Errorf("outbound: clear pin failed: %w", err)
	}
	r.logger.Debug("outbound proxy pin cleared")
	return nil
}

// RecordVerification stores the result of an IP-echo verification run.
func (r *Registry) RecordVerification(ctx context.Context, id int64, ok bool, publicIP, location string, latency time.Duration) error {
	var latencyMS *int64
	if ok {
		ms := latency.Milliseconds()
		latencyMS = &ms
	}
	res, err := r.db.ExecContext(ctx, queryRecordVerification,
		ok, publicIP, location, latencyMS, utils.NowUTC(), id)
	if err != nil {
		return fmt.Errorf("outbound: record verification failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
