// Package parallel provides the goroutine fan-out used by the CPU backend
// and by per-image host work (target building, detection refinement).
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64,
	}
}

// Sequential returns a Config that never spawns goroutines.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// chunks splits [0, n) into contiguous ranges, one per goroutine.
// It returns nil when the work should run sequentially.
func (c Config) chunks(n int) [][2]int {
	if !c.Enabled || c.NumWorkers < 2 || n < 2 || n < c.MinChunkSize {
		return nil
	}
	size := max((n+c.NumWorkers-1)/c.NumWorkers, c.MinChunkSize, 1)
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// For executes f(i) for i in [0, n), in parallel when cfg allows.
func For(n int, f func(i int), cfg Config) {
	ranges := cfg.chunks(n)
	if ranges == nil {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	for _, r := range ranges {
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(r[0], r[1])
	}
	wg.Wait()
}

// ForErr is For for fallible work. Every index runs; the error of the
// lowest failing index is returned so results are deterministic.
func ForErr(n int, f func(i int) error, cfg Config) error {
	errs := make([]error, n)
	For(n, func(i int) {
		errs[i] = f(i)
	}, cfg)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
