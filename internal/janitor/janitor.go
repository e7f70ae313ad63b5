// Package janitor runs background maintenance: journal retries, epoch
// rotation checks and gauge refreshes.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dropvault/dropclaim/internal/claim"
	"github.com/dropvault/dropclaim/internal/epoch"
	"github.com/dropvault/dropclaim/internal/logging"
	"github.com/dropvault/dropclaim/internal/metrics"
	"github.com/dropvault/dropclaim/internal/reserve"
)

// Sweeper is implemented by stores that support proactive expiry sweeps.
type Sweeper interface {
	Sweep() int
}

// Janitor schedules the maintenance passes.
type Janitor struct {
	journal      *claim.Journal
	reservations *reserve.Service
	epochs       *epoch.Manager
	sweeper      Sweeper
	metrics      *metrics.Metrics
	log          *logging.Logger
	cron         *cron.Cron
}

// New creates a janitor. sweeper and m may be nil.
func New(
	journal *claim.Journal,
	reservations *reserve.Service,
	epochs *epoch.Manager,
	sweeper Sweeper,
	m *metrics.Metrics,
	log *logging.Logger,
) *Janitor {
	if log == nil {
		log = logging.NewDefault("janitor")
	}
	return &Janitor{
		journal:      journal,
		reservations: reservations,
		epochs:       epochs,
		sweeper:      sweeper,
		metrics:      m,
		log:          log,
		cron:         cron.New(cron.WithSeconds()),
	}
}

// Start schedules the maintenance jobs and starts the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("*/30 * * * * *", j.runMaintenance); err != nil {
		return err
	}
	// Touching Current rotates the epoch as soon as it lapses instead of
	// waiting for the next claimant.
	if _, err := j.cron.AddFunc("0 * * * * *", j.checkEpoch); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("janitor started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info("janitor stopped")
}

func (j *Janitor) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if j.sweeper != nil {
		if n := j.sweeper.Sweep(); n > 0 {
			j.log.WithField("expired_keys", n).Debug("swept expired keys")
		}
	}

	completed, err := j.journal.Retry(ctx)
	if err != nil {
		j.log.WithError(err).Warn("journal retry pass failed")
	} else if completed > 0 {
		j.log.WithField("completed", completed).Info("journal entries completed")
	}

	if j.metrics != nil {
		if pending, err := j.journal.Pending(ctx); err == nil {
			j.metrics.SetJournalPending(len(pending))
		}
		if active, err := j.reservations.ActiveCount(ctx); err == nil {
			j.metrics.SetActiveReservations(active)
		}
	}
}

func (j *Janitor) checkEpoch() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := j.epochs.Current(ctx); err != nil {
		j.log.WithError(err).Warn("epoch check failed")
	}
}
