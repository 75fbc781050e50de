package clock

import (
	"testing"
	"time"
)

func TestFixedAdvance(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0).UTC()
	clk := NewFixed(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, clk.Now())
	}
	clk.Advance(90 * time.Second)
	if got := clk.Now().Unix(); got != 1700000090 {
		t.Fatalf("expected advanced clock, got %d", got)
	}
}
