// Package state persists per-source scrape progress so an interrupted
// harvest resumes where it stopped.
package state

// Shard is one pending page fetch inside the current window.
type Shard struct {
	Category string `json:"category"`
	Offset   int    `json:"offset"`
}

// State is the whole-object checkpoint written after every unit of work.
type State struct {
	RunID              string `json:"run_id"`
	ScrapeStartedUnix  int64  `json:"scrape_started_unix"`
	ScrapeFinishedUnix int64  `json:"scrape_finished_unix"`
	// Cursor is the lower bound of the current window: a price, a mileage
	// or a page number depending on the source.
	Cursor      int     `json:"cursor"`
	Delta       int     `json:"delta"`
	WindowTotal int     `json:"window_total"`
	Shards      []Shard `json:"shards"`
}

// InProgress reports whether a started pass has not been marked finished.
func (s State) InProgress() bool {
	return s.ScrapeStartedUnix > s.ScrapeFinishedUnix
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.Shards != nil {
		out.Shards = append([]Shard(nil), s.Shards...)
	}
	return out
}

// Top returns the next shard to fetch.
func (s State) Top() (Shard, bool) {
	if len(s.Shards) == 0 {
		return Shard{}, false
	}
	return s.Shards[len(s.Shards)-1], true
}

// Pop removes the next shard.
func (s *State) Pop() {
	if len(s.Shards) > 0 {
		s.Shards = s.Shards[:len(s.Shards)-1]
	}
}

// PushPages stacks page shards for category at offsets [from, total) so
// they pop in ascending offset order.
func (s *State) PushPages(category string, from, total, pageSize int) {
	if pageSize <= 0 || from >= total {
		return
	}
	last := from + ((total-1-from)/pageSize)*pageSize
	for off := last; off >= from; off -= pageSize {
		s.Shards = append(s.Shards, Shard{Category: category, Offset: off})
	}
}

// DropCategory removes every pending shard of category.
func (s *State) DropCategory(category string) int {
	kept := s.Shards[:0]
	dropped := 0
	for _, sh := range s.Shards {
		if sh.Category == category {
			dropped++
			continue
		}
		kept = append(kept, sh)
	}
	s.Shards = kept
	return dropped
}
