package parallel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 8}

	var counter int64
	seen := make([]int32, 1000)
	For(len(seen), func(i int) {
		atomic.AddInt64(&counter, 1)
		atomic.AddInt32(&seen[i], 1)
	}, cfg)

	assert.Equal(t, int64(1000), counter)
	for i, v := range seen {
		require.Equal(t, int32(1), v, "index %d visited %d times", i, v)
	}
}

func TestFor_Sequential(t *testing.T) {
	var order []int
	For(5, func(i int) {
		order = append(order, i)
	}, Sequential())

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFor_ZeroWorkers(t *testing.T) {
	var counter int64
	For(100, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, Config{Enabled: true})

	assert.Equal(t, int64(100), counter)
}

func TestFor_SmallChunk(t *testing.T) {
	cfg := DefaultConfig()
	n := cfg.MinChunkSize - 1

	var counter int64
	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	assert.Equal(t, int64(n), counter)
}

func TestForErr(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 3, MinChunkSize: 1}

	err := ForErr(10, func(i int) error {
		if i == 7 || i == 4 {
			return fmt.Errorf("image %d", i)
		}
		return nil
	}, cfg)
	require.Error(t, err)
	assert.Equal(t, "image 4", err.Error())

	assert.NoError(t, ForErr(10, func(int) error { return nil }, cfg))
	assert.NoError(t, ForErr(0, func(int) error { return errors.New("never") }, cfg))
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(j int) {
				atomic.AddInt64(&sum, int64(j))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(j int) {
				atomic.AddInt64(&sum, int64(j))
			}, Sequential())
		}
	})
}
