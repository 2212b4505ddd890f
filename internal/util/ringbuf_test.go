package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferKeepsMostRecent(t *testing.T) {
	rb := NewRingBuffer[int](3)
	assert.Empty(t, rb.Snapshot())

	rb.Push(1)
	rb.Push(2)
	assert.Equal(t, []int{1, 2}, rb.Snapshot())

	rb.Push(3)
	rb.Push(4)
	rb.Push(5)
	assert.Equal(t, []int{3, 4, 5}, rb.Snapshot(), "oldest items are evicted first")
}

func TestRingBufferSnapshotIsACopy(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(7)
	snap := rb.Snapshot()
	snap[0] = 99
	assert.Equal(t, []int{7}, rb.Snapshot())
}
