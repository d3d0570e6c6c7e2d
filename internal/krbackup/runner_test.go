package krbackup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestRunnerInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backup := &countingPerformer{
		results: []error{xerrors.New("bucket on fire")},
	}
	runner, err := newRunner(logger, backup, 5*time.Millisecond, "")
	require.NoError(t, err)
	runner.performDone = make(chan error)

	done := make(chan error)
	go func() { done <- runner.Run(ctx) }()

	// The first backup happens immediately and fails, the loop carries on.
	require.ErrorContains(t, <-runner.performDone, "bucket on fire")
	require.NoError(t, <-runner.performDone)
	require.NoError(t, <-runner.performDone)

	cancel()
	for {
		select {
		case <-runner.performDone:
			continue
		case err := <-done:
			require.NoError(t, err)
			require.GreaterOrEqual(t, backup.calls(), 3)
			return
		}
	}
}

func TestRunnerShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backup := &countingPerformer{}
	runner, err := newRunner(logger, backup, time.Hour, "")
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx))
	require.Equal(t, 1, backup.calls())

	require.Panics(t, func() { _ = runner.Run(ctx) })
}

func TestRunnerCronWaitsForTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backup := &countingPerformer{}
	runner, err := newRunner(logger, backup, 0, "0 3 * * *")
	require.NoError(t, err)

	// Cron mode doesn't back up on start.
	require.NoError(t, runner.Run(ctx))
	require.Equal(t, 0, backup.calls())
}

func TestRunnerInvalidCron(t *testing.T) {
	_, err := NewRunner(logger, nil, 0, "not a cron")
	require.ErrorContains(t, err, "invalid backup cron expression")
}

func TestRunnerNextWait(t *testing.T) {
	{
		runner, err := newRunner(logger, &countingPerformer{}, 0, "")
		require.NoError(t, err)

		wait, err := runner.nextWait(stableTime)
		require.NoError(t, err)
		require.Equal(t, DefaultInterval, wait)
	}

	{
		runner, err := newRunner(logger, &countingPerformer{}, 0, "0 3 * * *")
		require.NoError(t, err)

		// stableTime is 10:11:12, so the next 03:00 is tomorrow.
		wait, err := runner.nextWait(stableTime)
		require.NoError(t, err)
		require.Equal(t, 16*time.Hour+48*time.Minute+48*time.Second, wait)
	}
}

type countingPerformer struct {
	mut     sync.Mutex
	n       int
	results []error
}

func (p *countingPerformer) Perform(ctx context.Context) (*Metrics, error) {
	p.mut.Lock()
	defer p.mut.Unlock()

	p.n++
	if len(p.results) > 0 {
		err := p.results[0]
		p.results = p.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Metrics{Key: "message-backups/backup_20240309_101112.json.zst"}, nil
}

func (p *countingPerformer) calls() int {
	p.mut.Lock()
	defer p.mut.Unlock()

	return p.n
}
