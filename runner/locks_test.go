package runner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockTable_EvictsAfterRelease(t *testing.T) {
	tab := newLockTable()

	l := tab.acquire("s1")
	l.mu.Lock()
	l.mu.Unlock()
	tab.release("s1", l)

	assert.Zero(t, tab.size(), "no entry survives once the last turn releases")
}

func TestLockTable_SharedWhileReferenced(t *testing.T) {
	tab := newLockTable()

	a := tab.acquire("s1")
	b := tab.acquire("s1")
	assert.Same(t, a, b, "concurrent turns on one session share a mutex")

	tab.release("s1", a)
	assert.Equal(t, 1, tab.size(), "entry stays while another turn references it")

	tab.release("s1", b)
	assert.Zero(t, tab.size())
}

func TestLockTable_DrainsToEmptyUnderContention(t *testing.T) {
	tab := newLockTable()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l := tab.acquire("shared")
				l.mu.Lock()
				l.mu.Unlock()
				tab.release("shared", l)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, tab.size())
}
