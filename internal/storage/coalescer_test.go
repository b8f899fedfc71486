package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*MemoryStore
	mu     sync.Mutex
	writes int
	fail   bool
}

func (c *countingStore) Set(key string, value []byte) error {
	c.mu.Lock()
	c.writes++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return c.MemoryStore.Set(key, value)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func TestCoalescerFoldsBurstIntoTwoWrites(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	c := NewCoalescer(store, "state", 50*time.Millisecond, nil)

	for i := 0; i < 10; i++ {
		c.Write([]byte{byte('0' + i)})
	}
	assert.Equal(t, 1, store.count(), "leading write goes straight through")

	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)
	v, ok, err := store.Get("state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9", string(v), "trailing write carries latest value")
}

func TestCoalescerFlushWritesPending(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	c := NewCoalescer(store, "state", time.Hour, nil)

	c.Write([]byte("a"))
	c.Write([]byte("b"))
	assert.Equal(t, 1, store.count())

	c.Close()
	assert.Equal(t, 2, store.count())
	v, _, _ := store.Get("state")
	assert.Equal(t, "b", string(v))

	c.Write([]byte("c"))
	assert.Equal(t, 2, store.count(), "writes after close are dropped")
}

func TestCoalescerReportsErrors(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), fail: true}
	var got error
	c := NewCoalescer(store, "state", 0, func(err error) { got = err })
	c.Write([]byte("x"))
	assert.EqualError(t, got, "disk full")
}
