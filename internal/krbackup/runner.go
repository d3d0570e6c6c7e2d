package krbackup

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krmetrics"
)

const DefaultInterval = 24 * time.Hour

// How long to wait before trying again when a cron expression can't produce
// a next tick.
const cronRetryDelay = 30 * time.Second

type performer interface {
	Perform(ctx context.Context) (*Metrics, error)
}

// Runner performs backups on a schedule: either every interval, or at the
// ticks of a cron expression when one is given.
type Runner struct {
	backup   performer
	cronExpr string
	interval time.Duration
	logger   *logrus.Logger
	name     string
	started  atomic.Bool
	timeNow  func() time.Time

	// Receives every backup result if set. Intended for testing.
	performDone chan error
}

func NewRunner(logger *logrus.Logger, backup *Backup, interval time.Duration, cronExpr string) (*Runner, error) {
	return newRunner(logger, backup, interval, cronExpr)
}

func newRunner(logger *logrus.Logger, backup performer, interval time.Duration, cronExpr string) (*Runner, error) {
	if cronExpr != "" && !gronx.New().IsValid(cronExpr) {
		return nil, xerrors.Errorf("invalid backup cron expression: %q", cronExpr)
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Runner{
		backup:   backup,
		cronExpr: cronExpr,
		interval: interval,
		logger:   logger,
		name:     reflect.TypeOf(Runner{}).Name(),
		timeNow:  time.Now,
	}, nil
}

// Run backs up until ctx is done. In interval mode the first backup happens
// immediately. Failed backups are logged and the schedule carries on.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		panic("Runner.Run already started -- should only be run once")
	}

	if r.cronExpr != "" {
		r.logger.Infof(r.name+": Starting with cron schedule %q", r.cronExpr)
	} else {
		r.logger.Infof(r.name+": Starting with interval %v", r.interval)
		r.performAndLog(ctx)
	}

	for {
		wait, err := r.nextWait(r.timeNow())
		if err != nil {
			r.logger.WithError(err).Errorf(r.name+": Error computing next tick; retrying in %v", cronRetryDelay)
			wait = cronRetryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Infof(r.name + ": Received shutdown signal")
			return nil

		case <-timer.C:
		}

		if err == nil {
			r.performAndLog(ctx)
		}
	}
}

func (r *Runner) nextWait(now time.Time) (time.Duration, error) {
	if r.cronExpr == "" {
		return r.interval, nil
	}

	next, err := gronx.NextTickAfter(r.cronExpr, now, false)
	if err != nil {
		return 0, xerrors.Errorf("error computing next tick of %q: %w", r.cronExpr, err)
	}

	return next.Sub(now), nil
}

func (r *Runner) performAndLog(ctx context.Context) {
	metrics, err := r.backup.Perform(ctx)

	if r.performDone != nil {
		r.performDone <- err
	}

	if err != nil {
		krmetrics.BackupsTotal.WithLabelValues("error").Inc()
		r.logger.WithError(err).Errorf(r.name + ": Backup failed; will retry next tick")
		return
	}

	krmetrics.BackupsTotal.WithLabelValues("success").Inc()
	logMetrics(r.logger, r.name, metrics)
}
