// Package harvest drives a source job from persisted state to completion,
// writing each unit of work before recording the progress it represents.
package harvest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/clock"
	"github.com/JakeFAU/carharvest/internal/metrics"
	"github.com/JakeFAU/carharvest/internal/policy/retry"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/state"
)

// Unit is the outcome of one job step.
type Unit struct {
	Batch []record.ListingWithContext
	Done  bool
}

// Job is a resumable scrape of one source. Step advances st by exactly one
// unit of work and must leave st untouched when it fails.
type Job interface {
	Source() record.Source
	Fresh() state.State
	Step(ctx context.Context, st *state.State) (Unit, error)
}

// StateStore persists job progress.
type StateStore interface {
	Load() state.State
	Save(state.State) error
}

// Writer persists listing batches.
type Writer interface {
	UpsertBatch(ctx context.Context, batch []record.ListingWithContext) (int, error)
}

// Sweeper removes listings not seen during a pass.
type Sweeper interface {
	DeleteStale(ctx context.Context, source record.Source, before int64) (int64, error)
}

// IDGenerator names scrape runs.
type IDGenerator interface {
	NewID() (string, error)
}

// Options tune a Runner.
type Options struct {
	// ForceRestart discards saved progress on the first attempt.
	ForceRestart bool
	// Sweep deletes listings last seen before the pass started once the
	// pass completes.
	Sweep bool
	// QueueDepth is how many written units may wait behind the one in flight.
	QueueDepth int
}

// Runner executes a Job against its state file and the store.
type Runner struct {
	job     Job
	states  StateStore
	writer  Writer
	sweeper Sweeper
	clock   clock.Clock
	ids     IDGenerator
	opts    Options
	logger  *zap.Logger
}

// NewRunner builds a Runner. sweeper may be nil when Options.Sweep is false.
func NewRunner(job Job, states StateStore, writer Writer, sweeper Sweeper, clk clock.Clock, ids IDGenerator, opts Options, logger *zap.Logger) (*Runner, error) {
	switch {
	case job == nil:
		return nil, errors.New("job is required")
	case states == nil:
		return nil, errors.New("state store is required")
	case writer == nil:
		return nil, errors.New("writer is required")
	case clk == nil:
		return nil, errors.New("clock is required")
	case ids == nil:
		return nil, errors.New("id generator is required")
	case opts.Sweep && sweeper == nil:
		return nil, errors.New("sweep requested without a sweeper")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		job:     job,
		states:  states,
		writer:  writer,
		sweeper: sweeper,
		clock:   clk,
		ids:     ids,
		opts:    opts,
		logger:  logger.Named("harvest").With(zap.String("source", string(job.Source()))),
	}, nil
}

// Harvest runs the job to completion, restarting it under policy after
// transient failures. Each restart resumes from the saved state. The sweep
// that follows a completed pass retries on its own so that a failed delete
// never costs a second pass.
func (r *Runner) Harvest(ctx context.Context, policy retry.Policy) error {
	if policy.Logger == nil {
		policy.Logger = r.logger
	}
	force := r.opts.ForceRestart
	var done state.State
	err := policy.Run(ctx, "harvest_"+string(r.job.Source()), func(ctx context.Context) error {
		st, err := r.pass(ctx, force)
		force = false
		done = st
		return err
	})
	if err != nil {
		return err
	}
	return policy.Run(ctx, "sweep_"+string(r.job.Source()), func(ctx context.Context) error {
		return r.sweep(ctx, done)
	})
}

// Run performs a single attempt: it resumes an unfinished pass, or starts a
// fresh one when the last pass completed or forceRestart is set, then steps
// the job until it reports done and sweeps.
func (r *Runner) Run(ctx context.Context, forceRestart bool) error {
	st, err := r.pass(ctx, forceRestart)
	if err != nil {
		return err
	}
	return r.sweep(ctx, st)
}

// pass steps the job to the end and returns the finished state.
func (r *Runner) pass(ctx context.Context, forceRestart bool) (state.State, error) {
	st, err := r.begin(forceRestart)
	if err != nil {
		return state.State{}, err
	}

	w := newWriteQueue(ctx, r.opts.QueueDepth, r.writer, r.states, r.logger)
	defer w.stop()

	for {
		if err := ctx.Err(); err != nil {
			return state.State{}, fmt.Errorf("harvest interrupted: %w", err)
		}
		next := st.Clone()
		unit, err := r.job.Step(ctx, &next)
		if err != nil {
			// Units already produced are valid progress; persist them first.
			if flushErr := w.flush(); flushErr != nil {
				return state.State{}, errors.Join(err, flushErr)
			}
			return state.State{}, fmt.Errorf("step at cursor %d: %w", st.Cursor, err)
		}
		metrics.ObserveStep(string(r.job.Source()))

		if unit.Done {
			return r.finish(w, next)
		}
		if err := w.submit(unit.Batch, next); err != nil {
			return state.State{}, err
		}
		st = next
	}
}

func (r *Runner) begin(forceRestart bool) (state.State, error) {
	st := r.states.Load()
	if st.InProgress() && !forceRestart {
		r.logger.Info("resuming pass",
			zap.String("run_id", st.RunID),
			zap.Int64("started", st.ScrapeStartedUnix),
			zap.Int("cursor", st.Cursor),
			zap.Int("pending_shards", len(st.Shards)))
		return st, nil
	}

	fresh := r.job.Fresh()
	id, err := r.ids.NewID()
	if err != nil {
		return state.State{}, err
	}
	fresh.RunID = id
	fresh.ScrapeStartedUnix = r.clock.Now().Unix()
	fresh.ScrapeFinishedUnix = 0
	if err := r.states.Save(fresh); err != nil {
		return state.State{}, fmt.Errorf("save fresh state: %w", err)
	}
	r.logger.Info("starting pass", zap.String("run_id", id), zap.Bool("forced", forceRestart))
	return fresh, nil
}

func (r *Runner) finish(w *writeQueue, st state.State) (state.State, error) {
	if err := w.flush(); err != nil {
		return state.State{}, err
	}
	st.ScrapeFinishedUnix = max(r.clock.Now().Unix(), st.ScrapeStartedUnix)
	if err := r.states.Save(st); err != nil {
		return state.State{}, fmt.Errorf("save finished state: %w", err)
	}
	r.logger.Info("pass complete",
		zap.String("run_id", st.RunID),
		zap.Int64("duration_seconds", st.ScrapeFinishedUnix-st.ScrapeStartedUnix))
	return st, nil
}

// sweep deletes listings the finished pass st did not see.
func (r *Runner) sweep(ctx context.Context, st state.State) error {
	if !r.opts.Sweep {
		return nil
	}
	n, err := r.sweeper.DeleteStale(ctx, r.job.Source(), st.ScrapeStartedUnix)
	if err != nil {
		return fmt.Errorf("retention sweep for run %s: %w", st.RunID, err)
	}
	r.logger.Info("retention sweep", zap.String("run_id", st.RunID), zap.Int64("deleted", n), zap.Int64("before", st.ScrapeStartedUnix))
	return nil
}
