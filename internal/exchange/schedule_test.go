package exchange

import (
	"testing"
	"time"
)

func TestEveryAddsConstantDelay(t *testing.T) {
	s := every(500 * time.Millisecond)
	next := s.Next(t0)
	if want := t0.Add(500 * time.Millisecond); !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
	if after := s.Next(next); after.Sub(next) != 500*time.Millisecond {
		t.Errorf("second Next() delay = %v", after.Sub(next))
	}
}
