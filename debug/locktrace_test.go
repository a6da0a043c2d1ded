package debug

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracedMutexes(t *testing.T) {
	SetTracing(true)
	defer SetTracing(false)

	m := NewMutex("test")
	rw := NewRWMutex("test-rw")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()

			rw.RLock()
			_ = counter
			rw.RUnlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 8, counter)

	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
	m.Unlock()
}
