package any2pdf

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefHolder_AcquireRelease(t *testing.T) {
	t.Parallel()

	var cleanups atomic.Int32
	h := newRefHolder("resource", func(string) { cleanups.Add(1) })

	v, ok := h.Acquire()
	require.True(t, ok)
	assert.Equal(t, "resource", v)

	h.Release()
	assert.Equal(t, int32(0), cleanups.Load(), "cleanup must not run before marking")
}

func TestRefHolder_MarkBlocksAcquire(t *testing.T) {
	t.Parallel()

	h := newRefHolder(1, func(int) {})
	h.Mark()

	_, ok := h.Acquire()
	assert.False(t, ok)
}

func TestRefHolder_CleanupAfterLastRelease(t *testing.T) {
	t.Parallel()

	var cleanups atomic.Int32
	h := newRefHolder(1, func(int) { cleanups.Add(1) })

	_, ok := h.Acquire()
	require.True(t, ok)
	_, ok = h.Acquire()
	require.True(t, ok)

	h.Mark()
	assert.Equal(t, int32(0), cleanups.Load(), "outstanding users must drain first")

	h.Release()
	assert.Equal(t, int32(0), cleanups.Load())

	h.Release()
	assert.Equal(t, int32(1), cleanups.Load(), "cleanup runs once after the last user drains")
}

func TestRefHolder_CleanupImmediateWhenIdle(t *testing.T) {
	t.Parallel()

	var cleanups atomic.Int32
	h := newRefHolder(1, func(int) { cleanups.Add(1) })

	h.Mark()
	assert.Equal(t, int32(1), cleanups.Load())

	// Marking again must not re-run cleanup.
	h.Mark()
	assert.Equal(t, int32(1), cleanups.Load())
}

func TestRefHolder_ConcurrentUsers(t *testing.T) {
	t.Parallel()

	var cleanups atomic.Int32
	h := newRefHolder(1, func(int) { cleanups.Add(1) })

	const users = 64
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		if _, ok := h.Acquire(); !ok {
			t.Fatal("acquire before mark must succeed")
		}
	}
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	h.Mark()
	wg.Wait()

	assert.Equal(t, int32(1), cleanups.Load(), "cleanup must run exactly once")
}
