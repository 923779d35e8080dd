package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWith_SerializesAccess(t *testing.T) {
	var (
		mu      Mutex
		counter int
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			With(&mu, func() struct{} {
				counter++
				return struct{}{}
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestWith_ReleasesOnPanic(t *testing.T) {
	var mu Mutex

	assert.Panics(t, func() {
		With(&mu, func() int { panic("boom") })
	})

	// lock must be free again
	assert.Equal(t, 7, With(&mu, func() int { return 7 }))
}

func TestRWMutex_ReadersShare(t *testing.T) {
	var mu RWMutex

	mu.RLock()
	mu.RLock()
	mu.RUnlock()
	mu.RUnlock()

	mu.Lock()
	mu.Unlock()
}
