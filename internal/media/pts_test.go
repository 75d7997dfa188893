package media

import (
	"sync"
	"testing"
	"time"
)

func TestGeneratePTSNonDecreasing(t *testing.T) {
	base := time.Now()
	offsets := []time.Duration{0, 5 * time.Millisecond, 3 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}
	i := 0
	s := newSynchronizer(func() time.Time {
		d := offsets[i%len(offsets)]
		i++
		return base.Add(d)
	})

	var prev uint64
	for n := 0; n < 4; n++ {
		pts := s.GeneratePTS()
		if pts < prev {
			t.Fatalf("pts went backwards: %d after %d", pts, prev)
		}
		prev = pts
	}
}

func TestGeneratePTSAnchoredAtStart(t *testing.T) {
	base := time.Now()
	calls := 0
	s := newSynchronizer(func() time.Time {
		calls++
		if calls == 1 { // constructor
			return base
		}
		return base.Add(42 * time.Millisecond)
	})
	if pts := s.GeneratePTS(); pts != 42 {
		t.Fatalf("pts = %d, want 42", pts)
	}
}

func TestGeneratePTSConcurrent(t *testing.T) {
	s := NewSynchronizer()
	var wg sync.WaitGroup
	out := make([][]uint64, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			vals := make([]uint64, 0, 200)
			for i := 0; i < 200; i++ {
				vals = append(vals, s.GeneratePTS())
			}
			out[g] = vals
		}(g)
	}
	wg.Wait()
	for g, vals := range out {
		for i := 1; i < len(vals); i++ {
			if vals[i] < vals[i-1] {
				t.Fatalf("goroutine %d saw pts go backwards: %d after %d", g, vals[i], vals[i-1])
			}
		}
	}
}
