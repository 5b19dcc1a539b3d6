package sync_test

import (
	"testing"

	"github.com/hbomb79/Hoard/pkg/sync"
	"github.com/stretchr/testify/assert"
)

func Test_TypedSyncMap(t *testing.T) {
	t.Parallel()
	var m sync.TypedSyncMap[string, int]

	_, ok := m.Load("a")
	assert.False(t, ok, "zero value map must be usable")
	assert.Zero(t, m.Len())

	m.Store("a", 1)
	m.Store("b", 2)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, m.Len())

	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)

	count := 0
	m.Range(func(string, int) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)

	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func Test_TypedSyncMap_RangeMayMutate(t *testing.T) {
	t.Parallel()
	var m sync.TypedSyncMap[int, string]
	for i := 0; i < 10; i++ {
		m.Store(i, "job")
	}

	m.Range(func(k int, _ string) bool {
		m.Delete(k)
		return true
	})
	assert.Zero(t, m.Len())
}
