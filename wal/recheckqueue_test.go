package wal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecheckQueue(t *testing.T) {
	t.Run("Runs pushed tasks", func(t *testing.T) {
		q := &recheckQueue{}
		var order []int
		q.push(func() { order = append(order, 1) })
		q.push(func() { order = append(order, 2) })
		q.push(func() { order = append(order, 3) })
		q.drain()
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("Drain of an empty queue is a no-op", func(t *testing.T) {
		q := &recheckQueue{}
		assert.NotPanics(t, func() { q.drain() })
	})

	t.Run("Concurrent pushes all run exactly once", func(t *testing.T) {
		const pushers = 256
		q := &recheckQueue{}
		var count int64
		var mu sync.Mutex
		var wg sync.WaitGroup
		wg.Add(pushers)
		for i := 0; i < pushers; i++ {
			go func() {
				defer wg.Done()
				q.push(func() {
					mu.Lock()
					count++
					mu.Unlock()
				})
			}()
		}
		wg.Wait()
		q.drain()
		assert.EqualValues(t, pushers, count)
	})
}
