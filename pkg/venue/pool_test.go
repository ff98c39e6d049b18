package venue

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(4)

	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		pool.Enqueue(func() { ran.Add(1) })
	}
	pool.Close()

	assert.Equal(t, int64(100), ran.Load())
}

func TestWorkerPoolDropsAfterClose(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Close()

	var ran atomic.Int64
	pool.Enqueue(func() { ran.Add(1) })
	assert.Equal(t, int64(0), ran.Load())

	// Closing twice is fine.
	pool.Close()
}

func TestWorkerPoolMinimumSize(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	done := make(chan struct{})
	pool.Enqueue(func() { close(done) })
	<-done
}
