// Package krreaper drives periodic expiry sweeps of a message store,
// independently of request traffic.
package krreaper

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krmetrics"
)

// DefaultInterval is how often a sweep runs unless configured otherwise.
const DefaultInterval = 60 * time.Second

// Sweeper is the part of a message store that the reaper needs.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type Reaper struct {
	interval time.Duration
	logger   *logrus.Logger
	name     string
	started  atomic.Bool
	sweeper  Sweeper
	timeNow  func() time.Time

	// A channel that receives the result of every sweep if set. Intended
	// for testing so that sweeps can be awaited.
	sweepDone chan sweepResult
}

type sweepResult struct {
	numReaped int
	err       error
}

func NewReaper(logger *logrus.Logger, sweeper Sweeper, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Reaper{
		interval: interval,
		logger:   logger,
		name:     reflect.TypeOf(Reaper{}).Name(),
		sweeper:  sweeper,
		timeNow:  time.Now,
	}
}

// Run sweeps once immediately and then once per interval until ctx is done.
// A failed sweep is logged and the loop carries on. Run should only be called
// once per Reaper.
func (r *Reaper) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		panic("Reaper.Run already started -- should only be run once")
	}

	r.logger.Infof(r.name+": Starting with interval %v", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.sweepAndLog(ctx)

		select {
		case <-ctx.Done():
			r.logger.Infof(r.name + ": Received shutdown signal")
			return nil

		case <-ticker.C:
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	start := time.Now()
	numReaped, err := r.sweep(ctx)

	if r.sweepDone != nil {
		r.sweepDone <- sweepResult{numReaped: numReaped, err: err}
	}

	if err != nil {
		krmetrics.SweepErrors.Inc()
		r.logger.WithError(err).Errorf(r.name + ": Sweep failed; will retry next tick")
		return
	}

	krmetrics.MessagesReaped.Add(float64(numReaped))
	r.logger.WithFields(logrus.Fields{
		"duration":   time.Since(start).Seconds(),
		"num_reaped": numReaped,
	}).Debugf(r.name+": Swept %d message(s)", numReaped)
}

// sweep runs a single pass, converting a panic in the sweeper into an error
// so that the loop survives it.
func (r *Reaper) sweep(ctx context.Context) (numReaped int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = xerrors.Errorf("panic during sweep: %s", fmt.Sprint(rec))
		}
	}()

	numReaped, err = r.sweeper.SweepExpired(ctx, r.timeNow())
	if err != nil {
		return 0, xerrors.Errorf("error sweeping expired messages: %w", err)
	}

	return numReaped, nil
}
