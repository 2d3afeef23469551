package balance

import (
	"context"
	"log/slog"

	"github.com/siliconpool/siliconpool/internal/security"
	"github.com/siliconpool/siliconpool/internal/worker"
)

// AutoProber schedules a background probe after every Nth successful call on
// a credential. The apply callback feeds the result into availability policy;
// AutoProber itself never touches credential state.
type AutoProber struct {
	every  int
	prober *Prober
	jobs   chan<- worker.Job
	apply  func(ctx context.Context, credentialID int64, res Result)
	logger *slog.Logger
}

// NewAutoProber returns nil when every <= 0, which disables scheduling;
// a nil AutoProber is safe to call.
func NewAutoProber(
	every int,
	prober *Prober,
	jobs chan<- worker.Job,
	apply func(ctx context.Context, credentialID int64, res Result),
	logger *slog.Logger,
) *AutoProber {
	if every <= 0 {
		return nil
	}
	return &AutoProber{
		every:  every,
		prober: prober,
		jobs:   jobs,
		apply:  apply,
		logger: logger,
	}
}

// MaybeSchedule enqueues a probe when callCount is a multiple of N.
// Dropping on a full queue is fine: the next multiple reschedules.
func (a *AutoProber) MaybeSchedule(credentialID int64, secret string, callCount int64) {
	if a == nil || callCount == 0 || callCount%int64(a.every) != 0 {
		return
	}

	job := &probeJob{
		credentialID: credentialID,
		secret:       secret,
		prober:       a.prober,
		apply:        a.apply,
	}

	select {
	case a.jobs <- job:
		a.logger.Debug("balance probe scheduled",
			"credential_id", credentialID,
			"call_count", callCount,
		)
	default:
		a.logger.Warn("balance probe skipped: job queue full",
			"credential_id", credentialID,
		)
	}
}

type probeJob struct {
	credentialID int64
	secret       string
	prober       *Prober
	apply        func(ctx context.Context, credentialID int64, res Result)
}

func (j *probeJob) Execute(ctx context.Context) error {
	res := j.prober.Probe(ctx, j.secret)
	j.apply(ctx, j.credentialID, res)

	if !res.OK {
		j.prober.logger.Debug("scheduled balance probe inconclusive",
			"credential_id", j.credentialID,
			"secret", security.MaskCredential(j.secret),
			"message", res.Message,
		)
	}
	return nil
}
