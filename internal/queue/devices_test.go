package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceLocks(t *testing.T) {
	d := NewDeviceLocks()

	assert.True(t, d.TryAcquire("/dev/sr0", 1))
	assert.True(t, d.TryAcquire("/dev/sr0", 1), "reentrant for the holder")
	assert.False(t, d.TryAcquire("/dev/sr0", 2))
	assert.True(t, d.TryAcquire("/dev/sr1", 2))

	d.Release("/dev/sr0", 2)
	holder, ok := d.Holder("/dev/sr0")
	assert.True(t, ok)
	assert.Equal(t, int64(1), holder)

	d.Release("/dev/sr0", 1)
	assert.True(t, d.TryAcquire("/dev/sr0", 2))
}

func TestDeviceLocks_Concurrent(t *testing.T) {
	d := NewDeviceLocks()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []int64
	)
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if d.TryAcquire("/dev/sr0", id) {
				mu.Lock()
				won = append(won, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, won, 1)
}
