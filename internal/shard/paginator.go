// Package shard harvests result sets from search backends that only serve
// the first Limit records of any query. The query space is split into
// numeric windows (price, mileage) and, when a window cannot shrink any
// further, into a fixed set of categories, until every piece can be paged
// through with plain offsets.
package shard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/state"
)

// Query filters one backend search. Min and Max are inclusive.
type Query struct {
	Min      int
	Max      int
	Category string
	Offset   int
}

// Result is one page of a search plus the backend's count for the filter.
type Result[R any] struct {
	Total int
	Items []R
}

// Backend runs a single page search.
type Backend[R any] interface {
	Search(ctx context.Context, q Query) (Result[R], error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc[R any] func(ctx context.Context, q Query) (Result[R], error)

// Search calls f.
func (f BackendFunc[R]) Search(ctx context.Context, q Query) (Result[R], error) {
	return f(ctx, q)
}

// Config bounds the walk over the numeric axis.
type Config struct {
	Lower int
	Upper int
	// InitialDelta is the width of the first window.
	InitialDelta int
	// MinDelta floors the window width, both when rescaling after a drained
	// window and when halving an over-limit one.
	MinDelta int
	// MaxDelta caps window growth. Zero means uncapped.
	MaxDelta int
	// Limit is how many records the backend will serve for one filter.
	Limit    int
	PageSize int
	// TargetTotal is the record count a rescaled window aims for.
	TargetTotal int
	// RescaleOffset is added to the observed total when rescaling.
	RescaleOffset int
	// Categories split windows that are still over Limit at MinDelta width.
	Categories []string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Upper < c.Lower:
		return fmt.Errorf("upper %d below lower %d", c.Upper, c.Lower)
	case c.InitialDelta < 0:
		return errors.New("initial delta must be >= 0")
	case c.PageSize <= 0:
		return errors.New("page size must be > 0")
	case c.Limit < c.PageSize:
		return fmt.Errorf("limit %d below page size %d", c.Limit, c.PageSize)
	case c.MinDelta < 0:
		return errors.New("min delta must be >= 0")
	case c.MaxDelta != 0 && c.MaxDelta < c.MinDelta:
		return fmt.Errorf("max delta %d below min delta %d", c.MaxDelta, c.MinDelta)
	}
	return nil
}

// Page is the outcome of one Step.
type Page[R any] struct {
	Items []R
	// Queries lists the searches the step issued.
	Queries []Query
	Done    bool
}

// Paginator walks the query space one backend page at a time. All
// progress lives in the state.State passed to Step.
type Paginator[R any] struct {
	cfg     Config
	backend Backend[R]
	logger  *zap.Logger
}

// New builds a Paginator.
func New[R any](cfg Config, backend Backend[R], logger *zap.Logger) (*Paginator[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("shard config: %w", err)
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator[R]{cfg: cfg, backend: backend, logger: logger}, nil
}

// Fresh returns the state a new pass starts from.
func (p *Paginator[R]) Fresh() state.State {
	return state.State{Cursor: p.cfg.Lower, Delta: p.cfg.InitialDelta, Shards: []state.Shard{}}
}

// Step performs one unit of work. It fetches the next pending shard, or
// probes the current window to plan shards when none are pending. The
// state is only modified when every search in the step succeeded.
func (p *Paginator[R]) Step(ctx context.Context, st *state.State) (Page[R], error) {
	if st.Cursor > p.cfg.Upper {
		return Page[R]{Done: true}, nil
	}
	if st.Delta < 0 {
		st.Delta = 0
	}
	if sh, ok := st.Top(); ok {
		return p.fetchShard(ctx, st, sh)
	}
	return p.probe(ctx, st)
}

func (p *Paginator[R]) window(st *state.State) Query {
	hi := st.Cursor + st.Delta
	if hi > p.cfg.Upper || hi < st.Cursor {
		hi = p.cfg.Upper
	}
	return Query{Min: st.Cursor, Max: hi}
}

func (p *Paginator[R]) fetchShard(ctx context.Context, st *state.State, sh state.Shard) (Page[R], error) {
	q := p.window(st)
	q.Category = sh.Category
	q.Offset = sh.Offset
	res, err := p.backend.Search(ctx, q)
	if err != nil {
		return Page[R]{}, fmt.Errorf("fetch shard %+v: %w", q, err)
	}
	st.Pop()
	if len(res.Items) == 0 {
		// The backend ran dry before its reported total; stop this category.
		if n := st.DropCategory(sh.Category); n > 0 {
			p.logger.Warn("empty page, dropping remaining shards",
				zap.Int("min", q.Min), zap.Int("max", q.Max),
				zap.String("category", q.Category), zap.Int("offset", q.Offset),
				zap.Int("dropped", n))
		}
	}
	if len(st.Shards) == 0 {
		p.advance(st, st.WindowTotal)
	}
	return Page[R]{Items: res.Items, Queries: []Query{q}}, nil
}

func (p *Paginator[R]) probe(ctx context.Context, st *state.State) (Page[R], error) {
	q := p.window(st)
	res, err := p.backend.Search(ctx, q)
	if err != nil {
		return Page[R]{}, fmt.Errorf("probe window %d-%d: %w", q.Min, q.Max, err)
	}
	page := Page[R]{Queries: []Query{q}}

	switch {
	case res.Total <= 0:
		p.skipEmpty(st)
		return page, nil

	case res.Total < p.cfg.Limit:
		st.WindowTotal = res.Total
		if len(res.Items) > 0 {
			st.PushPages("", p.cfg.PageSize, res.Total, p.cfg.PageSize)
		}
		if len(st.Shards) == 0 {
			p.advance(st, res.Total)
		}
		page.Items = res.Items
		return page, nil

	case st.Delta > p.cfg.MinDelta:
		// Never narrower than MinDelta; at the floor, categories take over.
		p.logger.Debug("window over limit, halving",
			zap.Int("min", q.Min), zap.Int("max", q.Max), zap.Int("total", res.Total))
		st.Delta = max(st.Delta/2, p.cfg.MinDelta)
		return page, nil

	case len(p.cfg.Categories) == 0:
		p.logger.Warn("window over limit with no categories, truncating",
			zap.Int("min", q.Min), zap.Int("total", res.Total), zap.Int("limit", p.cfg.Limit))
		st.WindowTotal = res.Total
		if len(res.Items) > 0 {
			st.PushPages("", p.cfg.PageSize, p.cfg.Limit, p.cfg.PageSize)
		}
		if len(st.Shards) == 0 {
			p.advance(st, res.Total)
		}
		page.Items = res.Items
		return page, nil
	}

	return p.splitByCategory(ctx, st, q, page)
}

func (p *Paginator[R]) splitByCategory(ctx context.Context, st *state.State, window Query, page Page[R]) (Page[R], error) {
	type probe struct {
		category string
		total    int
		hasItems bool
	}
	probes := make([]probe, 0, len(p.cfg.Categories))
	var items []R
	for _, c := range p.cfg.Categories {
		q := window
		q.Category = c
		res, err := p.backend.Search(ctx, q)
		if err != nil {
			return Page[R]{}, fmt.Errorf("probe category %q: %w", c, err)
		}
		page.Queries = append(page.Queries, q)
		probes = append(probes, probe{category: c, total: res.Total, hasItems: len(res.Items) > 0})
		items = append(items, res.Items...)
	}

	total := 0
	// Pushed in reverse so categories pop in configured order.
	for i := len(probes) - 1; i >= 0; i-- {
		pr := probes[i]
		total += pr.total
		if !pr.hasItems {
			continue
		}
		limit := pr.total
		if limit > p.cfg.Limit {
			p.logger.Warn("category over limit at minimum window, truncating",
				zap.Int("min", window.Min), zap.String("category", pr.category),
				zap.Int("total", pr.total), zap.Int("limit", p.cfg.Limit))
			limit = p.cfg.Limit
		}
		st.PushPages(pr.category, p.cfg.PageSize, limit, p.cfg.PageSize)
	}
	st.WindowTotal = total
	if len(st.Shards) == 0 {
		p.advance(st, total)
	}
	page.Items = items
	return page, nil
}

// skipEmpty moves past a window with no results and widens the next one.
func (p *Paginator[R]) skipEmpty(st *state.State) {
	st.Cursor += st.Delta + 1
	next := st.Delta * 2
	if next < p.cfg.MinDelta {
		next = p.cfg.MinDelta
	}
	st.Delta = p.capDelta(next)
	st.WindowTotal = 0
	st.Shards = st.Shards[:0]
}

// advance moves past a drained window and sizes the next one from the
// count observed in this one.
func (p *Paginator[R]) advance(st *state.State, observed int) {
	st.Cursor += st.Delta + 1
	st.Delta = p.rescale(st.Delta, observed)
	st.WindowTotal = 0
	st.Shards = st.Shards[:0]
}

func (p *Paginator[R]) rescale(delta, observed int) int {
	if p.cfg.TargetTotal <= 0 {
		return p.capDelta(max(delta, p.cfg.MinDelta))
	}
	denom := int64(observed) + int64(p.cfg.RescaleOffset)
	var next int64
	if denom <= 0 {
		next = int64(delta) * 2
	} else {
		next = int64(delta) * int64(p.cfg.TargetTotal) / denom
	}
	if next < int64(p.cfg.MinDelta) {
		next = int64(p.cfg.MinDelta)
	}
	if p.cfg.MaxDelta > 0 && next > int64(p.cfg.MaxDelta) {
		next = int64(p.cfg.MaxDelta)
	}
	if next > int64(p.cfg.Upper-p.cfg.Lower)+1 {
		next = int64(p.cfg.Upper-p.cfg.Lower) + 1
	}
	return int(next)
}

func (p *Paginator[R]) capDelta(d int) int {
	if p.cfg.MaxDelta > 0 && d > p.cfg.MaxDelta {
		return p.cfg.MaxDelta
	}
	if span := p.cfg.Upper - p.cfg.Lower + 1; d > span {
		return span
	}
	return d
}
