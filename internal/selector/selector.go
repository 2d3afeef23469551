// Package selector implements the key-selection cursor: an ordered walk over
// the available credentials that sticks to the current one while it works and
// advances on failure. The cursor and its list snapshot are process-wide
// shared state guarded by one short-held mutex.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/siliconpool/siliconpool/internal/registry"
)

var ErrNoCredentials = errors.New("selector: no usable credentials")

// Selector holds the shared cursor. The snapshot is the availability-filtered
// credential list ordered by creation time ascending; the cursor names the
// currently preferred credential by id, 0 when unset.
type Selector struct {
	registry *registry.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	snapshot []registry.Credential
	cursor   int64
	loaded   bool
}

// New wires the selector to the registry's mutation hook so any
// availability-affecting change reloads the snapshot instead of being polled.
func New(reg *registry.Registry, logger *slog.Logger) *Selector {
	s := &Selector{registry: reg, logger: logger}
	reg.OnMutate(func() {
		if err := s.Refresh(context.Background()); err != nil {
			logger.Warn("selector refresh failed", "error", err)
		}
	})
	return s
}

// Current returns the preferred credential: the cursor target while it is
// still available and active, otherwise the next active credential in order.
func (s *Selector) Current(ctx context.Context) (*registry.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	if s.cursor != 0 {
		if cred := s.find(s.cursor); cred != nil && cred.Selectable() {
			c := *cred
			return &c, nil
		}
	}
	return s.advanceLocked()
}

// Advance moves the cursor to the next active credential after the current
// position, wrapping at most once. When no active credential exists the
// cursor is cleared and ErrNoCredentials returned.
func (s *Selector) Advance(ctx context.Context) (*registry.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return s.advanceLocked()
}

// Refresh reloads the available list. A cursor pointing at a credential no
// longer in the list is cleared; otherwise the cursor is untouched, so
// repeated Refresh calls without registry changes are no-ops.
func (s *Selector) Refresh(ctx context.Context) error {
	creds, err := s.registry.ListAvailable(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot = creds
	s.loaded = true
	if s.cursor != 0 && s.find(s.cursor) == nil {
		s.logger.Debug("selector cursor cleared: credential left the pool", "credential_id", s.cursor)
		s.cursor = 0
	}
	return nil
}

// AvailableCount reports the size of the current snapshot.
func (s *Selector) AvailableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshot)
}

func (s *Selector) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	creds, err := s.registry.ListAvailable(ctx)
	if err != nil {
		return err
	}
	s.snapshot = creds
	s.loaded = true
	return nil
}

func (s *Selector) find(id int64) *registry.Credential {
	for i := range s.snapshot {
		if s.snapshot[i].ID == id {
			return &s.snapshot[i]
		}
	}
	return nil
}

// advanceLocked scans the snapshot starting after the cursor position,
// wrapping once. Caller holds s.mu.
func (s *Selector) advanceLocked() (*registry.Credential, error) {
	n := len(s.snapshot)
	if n == 0 {
		s.cursor = 0
		return nil, ErrNoCredentials
	}

	start := 0
	if s.cursor != 0 {
		for i := range s.snapshot {
			if s.snapshot[i].ID == s.cursor {
				start = i + 1
				break
			}
		}
	}

	for i := 0; i < n; i++ {
		cred := s.snapshot[(start+i)%n]
		if cred.Status == registry.StatusActive {
			s.cursor = cred.ID
			return &cred, nil
		}
	}

	s.cursor = 0
	return nil, ErrNoCredentials
}
