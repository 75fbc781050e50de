package shard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/state"
)

type item struct {
	id       int
	price    int
	category string
}

// fakeBackend serves items sorted by id and, like the real sites, refuses
// offsets at or beyond limit while still reporting the full total.
type fakeBackend struct {
	items    []item
	limit    int
	pageSize int
	// shortBy hides the last n matches of every filter from paging.
	shortBy int
	failOn  int
	calls   int
	queries []Query
}

func (b *fakeBackend) Search(_ context.Context, q Query) (Result[item], error) {
	b.calls++
	if b.failOn > 0 && b.calls == b.failOn {
		return Result[item]{}, errors.New("read timeout")
	}
	b.queries = append(b.queries, q)
	var match []item
	for _, it := range b.items {
		if it.price < q.Min || it.price > q.Max {
			continue
		}
		if q.Category != "" && it.category != q.Category {
			continue
		}
		match = append(match, it)
	}
	res := Result[item]{Total: len(match)}
	servable := len(match) - b.shortBy
	if servable > b.limit {
		servable = b.limit
	}
	end := q.Offset + b.pageSize
	if end > servable {
		end = servable
	}
	if q.Offset < end {
		res.Items = append([]item(nil), match[q.Offset:end]...)
	}
	return res, nil
}

func defaultConfig() Config {
	return Config{
		Lower:         0,
		Upper:         20000,
		InitialDelta:  256,
		MinDelta:      5,
		Limit:         1000,
		PageSize:      25,
		TargetTotal:   750,
		RescaleOffset: 100,
		Categories:    []string{"CONVERT", "COUPE", "HATCH", "SEDAN", "SUV", "TRUCKS", "VANS", "WAGON"},
	}
}

func drain(t *testing.T, p *Paginator[item], st *state.State) ([]item, []Query) {
	t.Helper()
	var (
		got     []item
		queries []Query
	)
	for steps := 0; ; steps++ {
		require.Less(t, steps, 200000, "paginator did not terminate")
		page, err := p.Step(context.Background(), st)
		require.NoError(t, err)
		if page.Done {
			return got, queries
		}
		got = append(got, page.Items...)
		queries = append(queries, page.Queries...)
	}
}

func assertExactlyOnce(t *testing.T, want []item, got []item) {
	t.Helper()
	seen := make(map[int]int, len(got))
	for _, it := range got {
		seen[it.id]++
	}
	for _, it := range want {
		require.Equal(t, 1, seen[it.id], "item %d (price %d, %s) seen %d times", it.id, it.price, it.category, seen[it.id])
	}
	require.Len(t, got, len(want))
}

func TestShardingCoversEveryRecordOnce(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	var items []item
	seed := uint32(7)
	for i := 0; i < 6000; i++ {
		seed = seed*1664525 + 1013904223
		items = append(items, item{id: i, price: int(seed % 20001), category: cfg.Categories[i%len(cfg.Categories)]})
	}
	// A price point far over the limit forces categorical sharding.
	for i := 6000; i < 8400; i++ {
		items = append(items, item{id: i, price: 7777, category: cfg.Categories[i%len(cfg.Categories)]})
	}
	backend := &fakeBackend{items: items, limit: cfg.Limit, pageSize: cfg.PageSize}
	p, err := New[item](cfg, backend, zap.NewNop())
	require.NoError(t, err)

	st := p.Fresh()
	got, queries := drain(t, p, &st)
	assertExactlyOnce(t, items, got)

	categorical := false
	for _, q := range queries {
		require.Less(t, q.Offset, cfg.Limit)
		if q.Category != "" {
			categorical = true
			assert.LessOrEqual(t, q.Min, 7777)
			assert.GreaterOrEqual(t, q.Max, 7777)
			assert.GreaterOrEqual(t, q.Max-q.Min, cfg.MinDelta)
		}
	}
	assert.True(t, categorical, "expected the dense price point to be split by category")
}

func TestScenarioHalvesBeforeCategories(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Upper = 1000
	var items []item
	for i := 0; i < 1500; i++ {
		items = append(items, item{id: i, price: i * 257 / 1500, category: cfg.Categories[i%len(cfg.Categories)]})
	}
	backend := &fakeBackend{items: items, limit: cfg.Limit, pageSize: cfg.PageSize}
	p, err := New[item](cfg, backend, nil)
	require.NoError(t, err)

	st := p.Fresh()
	got, queries := drain(t, p, &st)
	assertExactlyOnce(t, items, got)

	require.GreaterOrEqual(t, len(queries), 2)
	assert.Equal(t, Query{Min: 0, Max: 256}, queries[0])
	assert.Equal(t, Query{Min: 0, Max: 128}, queries[1])
	for _, q := range queries {
		assert.Empty(t, q.Category, "halving alone must suffice")
	}
}

func TestScenarioFallsBackToCategoriesAtMinDelta(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		minDelta int
		widths   []int
	}{
		{minDelta: 5, widths: []int{256, 128, 64, 32, 16, 8, 5}},
		{minDelta: 0, widths: []int{256, 128, 64, 32, 16, 8, 4, 2, 1, 0}},
	} {
		cfg := defaultConfig()
		cfg.Upper = 300
		cfg.MinDelta = tc.minDelta
		var items []item
		for i := 0; i < 1500; i++ {
			items = append(items, item{id: i, price: 0, category: cfg.Categories[i%len(cfg.Categories)]})
		}
		backend := &fakeBackend{items: items, limit: cfg.Limit, pageSize: cfg.PageSize}
		p, err := New[item](cfg, backend, nil)
		require.NoError(t, err)

		st := p.Fresh()
		got, queries := drain(t, p, &st)
		assertExactlyOnce(t, items, got)

		var widths []int
		for _, q := range queries {
			if q.Category != "" || q.Offset != 0 || q.Min != 0 {
				break
			}
			widths = append(widths, q.Max)
		}
		assert.Equal(t, tc.widths, widths, "min delta %d", tc.minDelta)

		perCategory := map[string]int{}
		for _, it := range items {
			perCategory[it.category]++
		}
		for c, n := range perCategory {
			assert.Less(t, n, cfg.Limit, "category %s must fit the limit", c)
		}
	}
}

func TestNoWindowNarrowerThanMinDelta(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Lower:        1,
		Upper:        500_000,
		InitialDelta: 10,
		MinDelta:     5,
		Limit:        990,
		PageSize:     30,
		TargetTotal:  1000,
		Categories:   []string{"gas", "hybrid", "electric"},
	}
	var queries []Query
	backend := BackendFunc[item](func(_ context.Context, q Query) (Result[item], error) {
		queries = append(queries, q)
		return Result[item]{Total: 5000}, nil
	})
	p, err := New[item](cfg, backend, nil)
	require.NoError(t, err)

	st := p.Fresh()
	for steps := 0; ; steps++ {
		require.Less(t, steps, 50, "never fell back to categories")
		_, err := p.Step(context.Background(), &st)
		require.NoError(t, err)
		if queries[len(queries)-1].Category != "" {
			break
		}
	}

	var widths []int
	for _, q := range queries {
		if q.Category != "" {
			assert.Equal(t, cfg.MinDelta, q.Max-q.Min, "categories split the floor window")
			continue
		}
		widths = append(widths, q.Max-q.Min)
		assert.GreaterOrEqual(t, q.Max-q.Min, cfg.MinDelta, "window %d-%d", q.Min, q.Max)
	}
	assert.Equal(t, []int{10, 5}, widths)
}

func TestEmptyPageStopsCategory(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Upper = 10
	cfg.InitialDelta = 10
	var items []item
	for i := 0; i < 100; i++ {
		items = append(items, item{id: i, price: 3})
	}
	// Backend reports 100 but only ever serves 30.
	backend := &fakeBackend{items: items, limit: cfg.Limit, pageSize: cfg.PageSize, shortBy: 70}
	p, err := New[item](cfg, backend, nil)
	require.NoError(t, err)

	st := p.Fresh()
	got, queries := drain(t, p, &st)
	assert.Len(t, got, 30)
	// probe(0) + offsets 25, 50; offset 75 is dropped after 50 comes back empty.
	assert.Len(t, queries, 3)
	assert.Equal(t, 50, queries[2].Offset)
}

func TestEmptyWindowAdvancesAndWidens(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxDelta = 300
	backend := &fakeBackend{limit: cfg.Limit, pageSize: cfg.PageSize}
	p, err := New[item](cfg, backend, nil)
	require.NoError(t, err)

	st := p.Fresh()
	page, err := p.Step(context.Background(), &st)
	require.NoError(t, err)
	assert.False(t, page.Done)
	assert.Equal(t, 257, st.Cursor)
	assert.Equal(t, 300, st.Delta)
}

func TestStepErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	var items []item
	for i := 0; i < 60; i++ {
		items = append(items, item{id: i, price: 10})
	}
	backend := &fakeBackend{items: items, limit: cfg.Limit, pageSize: cfg.PageSize, failOn: 2}
	p, err := New[item](cfg, backend, nil)
	require.NoError(t, err)

	st := p.Fresh()
	_, err = p.Step(context.Background(), &st)
	require.NoError(t, err)
	before := st.Clone()

	_, err = p.Step(context.Background(), &st)
	require.Error(t, err)
	assert.Equal(t, before, st)
}

func TestResumeFromPersistedStateMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Upper = 3000
	var items []item
	for i := 0; i < 4000; i++ {
		items = append(items, item{id: i, price: (i * 7919) % 3001, category: cfg.Categories[i%len(cfg.Categories)]})
	}
	for i := 4000; i < 5200; i++ {
		items = append(items, item{id: i, price: 1234, category: cfg.Categories[i%len(cfg.Categories)]})
	}

	run := func(from *state.State, maxSteps int) ([]Query, state.State, bool) {
		backend := &fakeBackend{items: items, limit: cfg.Limit, pageSize: cfg.PageSize}
		p, err := New[item](cfg, backend, nil)
		require.NoError(t, err)
		st := p.Fresh()
		if from != nil {
			st = from.Clone()
		}
		var queries []Query
		for i := 0; maxSteps < 0 || i < maxSteps; i++ {
			page, err := p.Step(context.Background(), &st)
			require.NoError(t, err)
			if page.Done {
				return queries, st, true
			}
			queries = append(queries, page.Queries...)
		}
		return queries, st, false
	}

	full, _, done := run(nil, -1)
	require.True(t, done)

	for _, crashAfter := range []int{1, 9, 37, 120} {
		head, persisted, finished := run(nil, crashAfter)
		require.False(t, finished)
		tail, _, done := run(&persisted, -1)
		require.True(t, done)
		assert.Equal(t, full, append(head, tail...), "crash after %d steps", crashAfter)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	bad := []Config{
		{Lower: 10, Upper: 5, PageSize: 25, Limit: 1000},
		{Upper: 5, PageSize: 0, Limit: 1000},
		{Upper: 5, PageSize: 25, Limit: 10},
		{Upper: 5, PageSize: 25, Limit: 1000, InitialDelta: -1},
		{Upper: 5, PageSize: 25, Limit: 1000, MinDelta: 10, MaxDelta: 5},
	}
	for _, cfg := range bad {
		_, err := New[item](cfg, &fakeBackend{}, nil)
		assert.Error(t, err, "%+v", cfg)
	}
	_, err := New[item](defaultConfig(), nil, nil)
	assert.Error(t, err)
}
