package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocksEvictIdleEntries(t *testing.T) {
	l := newKeyedLocks()

	unlock := l.lock("E100")
	l.mu.Lock()
	held := len(l.locks)
	l.mu.Unlock()
	assert.Equal(t, 1, held)

	unlock()
	l.mu.Lock()
	held = len(l.locks)
	l.mu.Unlock()
	assert.Zero(t, held, "released entries are evicted")
}

func TestKeyedLocksSerializeAndEvictUnderContention(t *testing.T) {
	l := newKeyedLocks()

	var counter int // only touched under the keyed lock
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("E100")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	l.mu.Lock()
	held := len(l.locks)
	l.mu.Unlock()
	assert.Zero(t, held)
}
