// Package availability applies the credential state-transition policy:
// when failures demote a credential, when probes mark it out of funds, and
// when it is restored. All state lives in the registry; this package only
// encodes the rules.
package availability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/siliconpool/siliconpool/internal/balance"
	"github.com/siliconpool/siliconpool/internal/registry"
)

// Demotion threshold: a credential with at least this many consecutive
// errors and a known balance below MinBalance is taken out of rotation.
const (
	MaxErrorCount = 3
	MinBalance    = 1.0
)

type Controller struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func New(reg *registry.Registry, logger *slog.Logger) *Controller {
	return &Controller{registry: reg, logger: logger}
}

// OnSuccess clears a credential's error state after a successful request.
// A credential that had been demoted to status=error regains availability;
// the registry mutation hooks make the selector pick the change up.
func (c *Controller) OnSuccess(ctx context.Context, id int64) error {
	cred, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	wasError := cred.Status == registry.StatusError
	dirty := wasError || cred.Status != registry.StatusActive || cred.ErrorCount > 0 || cred.LastError != nil

	if dirty {
		if err := c.registry.SetStatus(ctx, id, registry.StatusActive, nil); err != nil {
			return err
		}
	}
	if wasError {
		if err := c.registry.SetAvailability(ctx, id, true); err != nil {
			return err
		}
		c.logger.Info("credential recovered after success", "credential_id", id)
	}
	return nil
}

// OnFailure records a failed attempt: status=error, error_count+1.
func (c *Controller) OnFailure(ctx context.Context, id int64, errText string) error {
	if len(errText) > 200 {
		errText = errText[:200]
	}
	return c.registry.SetStatus(ctx, id, registry.StatusError, &errText)
}

// ApplyProbeAfterFailure handles the probe issued right after a failed
// attempt. A known balance below MinBalance demotes the credential to
// insufficient and takes it out of rotation regardless of error count.
// An unknown balance never demotes.
func (c *Controller) ApplyProbeAfterFailure(ctx context.Context, id int64, res balance.Result) (bool, error) {
	if !res.Known() {
		c.logger.Debug("post-failure probe inconclusive", "credential_id", id, "message", res.Message)
		return false, nil
	}

	if err := c.registry.SetBalance(ctx, id, *res.Balance); err != nil {
		return false, err
	}

	if *res.Balance >= MinBalance {
		return false, nil
	}

	if err := c.registry.SetStatus(ctx, id, registry.StatusInsufficient, nil); err != nil {
		return false, err
	}
	if err := c.registry.SetAvailability(ctx, id, false); err != nil {
		return false, err
	}

	c.logger.Warn("credential out of funds",
		"credential_id", id,
		"balance", *res.Balance,
	)
	return true, nil
}

// ApplyProbe records a probe result outside the failure path (scheduled
// probes, admin add) and re-applies the availability rule: unavailable iff
// error_count >= MaxErrorCount and known balance < MinBalance; available
// again as soon as either leg no longer holds.
func (c *Controller) ApplyProbe(ctx context.Context, id int64, res balance.Result) error {
	if !res.Known() {
		return nil
	}

	if err := c.registry.SetBalance(ctx, id, *res.Balance); err != nil {
		return err
	}

	cred, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	shouldBeUnavailable := cred.ErrorCount >= MaxErrorCount && *res.Balance < MinBalance
	if shouldBeUnavailable == !cred.Available {
		return nil
	}

	if err := c.registry.SetAvailability(ctx, id, !shouldBeUnavailable); err != nil {
		return err
	}
	c.logger.Info("credential availability re-evaluated",
		"credential_id", id,
		"available", !shouldBeUnavailable,
		"error_count", cred.ErrorCount,
		"balance", *res.Balance,
	)
	return nil
}

// TryRestore reconsiders a previously demoted credential once a later
// credential has succeeded. Restored only when the fresh probe reports a
// balance at or above MinBalance.
func (c *Controller) TryRestore(ctx context.Context, id int64, res balance.Result) (bool, error) {
	if !res.Known() || *res.Balance < MinBalance {
		return false, nil
	}

	if err := c.registry.SetBalance(ctx, id, *res.Balance); err != nil {
		return false, err
	}
	if err := c.registry.SetStatus(ctx, id, registry.StatusActive, nil); err != nil {
		return false, err
	}
	if err := c.registry.SetAvailability(ctx, id, true); err != nil {
		return false, err
	}

	c.logger.Info("credential restored",
		"credential_id", id,
		"balance", *res.Balance,
	)
	return true, nil
}

// ManualToggle is the admin availability switch. Turning a status=error
// credential back on also resets it to active with a clean error state.
func (c *Controller) ManualToggle(ctx context.Context, id int64, available bool) error {
	cred, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	if available && cred.Status == registry.StatusError {
		if err := c.registry.SetStatus(ctx, id, registry.StatusActive, nil); err != nil {
			return fmt.Errorf("availability: manual toggle: %w", err)
		}
	}
	return c.registry.SetAvailability(ctx, id, available)
}
