package sources

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/clock"
	"github.com/JakeFAU/carharvest/internal/harvest"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/shard"
	"github.com/JakeFAU/carharvest/internal/state"
)

// PagedJob drives a sharded search backend as a harvest.Job.
type PagedJob[T any] struct {
	pager     *shard.Paginator[T]
	collector Collector
	parse     ParseFunc[T]
	clock     clock.Clock
	logger    *zap.Logger
}

// NewPagedJob binds a paginator to a parser.
func NewPagedJob[T any](pager *shard.Paginator[T], collector Collector, parse ParseFunc[T], clk clock.Clock) *PagedJob[T] {
	logger := collector.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PagedJob[T]{
		pager:     pager,
		collector: collector,
		parse:     parse,
		clock:     clk,
		logger:    logger,
	}
}

// Source names the site.
func (j *PagedJob[T]) Source() record.Source { return j.collector.Source }

// Fresh returns the paginator's starting state.
func (j *PagedJob[T]) Fresh() state.State { return j.pager.Fresh() }

// Step fetches one page or plans one window.
func (j *PagedJob[T]) Step(ctx context.Context, st *state.State) (harvest.Unit, error) {
	page, err := j.pager.Step(ctx, st)
	if err != nil {
		return harvest.Unit{}, err
	}
	if page.Done {
		return harvest.Unit{Done: true}, nil
	}
	batch, err := Collect(ctx, j.collector, page.Items, j.clock.Now().Unix(), j.parse)
	if err != nil {
		return harvest.Unit{}, err
	}
	if len(page.Items) > 0 {
		j.logger.Debug("page collected",
			zap.Int("items", len(page.Items)),
			zap.Int("accepted", len(batch)),
			zap.Int("cursor", st.Cursor),
			zap.Int("pending_shards", len(st.Shards)))
	}
	return harvest.Unit{Batch: batch}, nil
}
