package kref

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRef_ZeroValueIsDead(t *testing.T) {
	var r Ref
	assert.False(t, r.Get())
	assert.False(t, r.Put())
}

func TestRef_RoundTrip(t *testing.T) {
	var released int
	var r Ref
	r.Init(func() { released++ })

	for i := 0; i < 5; i++ {
		assert.True(t, r.Get())
	}
	for i := 0; i < 5; i++ {
		assert.False(t, r.Put())
	}
	assert.Equal(t, 1, r.Count())
	assert.Zero(t, released)

	assert.True(t, r.Put())
	assert.Equal(t, 1, released)

	// Extra puts and gets after death do nothing.
	assert.False(t, r.Put())
	assert.False(t, r.Get())
	assert.Equal(t, 1, released)
}

func TestRef_ConcurrentGetPut(t *testing.T) {
	var released atomic.Int32
	var r Ref
	r.Init(func() { released.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if r.Get() {
					r.Put()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	assert.Zero(t, released.Load())
	assert.True(t, r.Put())
	assert.Equal(t, int32(1), released.Load())
}
