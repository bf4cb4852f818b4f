package shard

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap_Basic(t *testing.T) {
	m := New[int](4)

	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, m.LoadOrCreate("a", func() int { return 99 }))
	assert.Equal(t, 7, m.LoadOrCreate("b", func() int { return 7 }))
	assert.Equal(t, 2, m.Len())

	m.Delete("a")
	assert.Equal(t, 1, m.Len())
}

func TestMap_UpdateDeletes(t *testing.T) {
	m := New[int](0)
	m.Update("k", func(v int, ok bool) (int, bool) {
		assert.False(t, ok)
		return 5, true
	})
	v, _ := m.Load("k")
	assert.Equal(t, 5, v)

	m.Update("k", func(v int, ok bool) (int, bool) { return 0, false })
	_, ok := m.Load("k")
	assert.False(t, ok)
}

func TestMap_ConcurrentCounters(t *testing.T) {
	m := New[int](8)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strconv.Itoa(i % 10)
				m.Update(key, func(v int, _ bool) (int, bool) { return v + 1, true })
			}
		}(g)
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	assert.Equal(t, 16*200, total)
}
