package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/crdtsync/internal/crdt"
)

func TestManualClock_StartsAtGivenTime(t *testing.T) {
	clock := NewManualClock(1_000)
	assert.Equal(t, int64(1_000), clock.Now())
}

func TestManualClock_SetAndAdvance(t *testing.T) {
	clock := NewManualClock(1_000)

	assert.Equal(t, int64(1_500), clock.Advance(500))
	assert.Equal(t, int64(1_500), clock.Now())

	clock.Set(200)
	assert.Equal(t, int64(200), clock.Now(), "clock may move backwards")
}

func TestManualClock_DrivesHLC(t *testing.T) {
	wall := NewManualClock(5_000)
	c := crdt.NewClock(ReplicaID(1), crdt.WithWallClock(wall.Now))

	first := c.Now()
	wall.Set(1_000)
	second := c.Now()

	assert.Equal(t, int64(5_000), first.Millis)
	assert.True(t, second.After(first))
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(0)
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(numGoroutines), clock.Now())
}

func TestReplicaID(t *testing.T) {
	assert.Equal(t, "00000000000000A0", ReplicaID(0))
	assert.Equal(t, "00000000000000A1", ReplicaID(1))
	assert.True(t, crdt.ValidNode(ReplicaID(7)))
	assert.Less(t, ReplicaID(1), ReplicaID(2))
}
