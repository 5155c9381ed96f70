package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()

	h.Publish(InstanceCreated, map[string]string{"instance": "echo-global"})
	ev := <-ch
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, InstanceCreated, ev.Type)
	assert.JSONEq(t, `{"instance":"echo-global"}`, string(ev.Data))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	h.Publish(JobCompleted, nil)
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.JSONEq(t, `{}`, string(snap[1].Data))
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(JanitorSweep, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 500; i++ {
		h.Publish(JobFailed, nil)
	}
	assert.Len(t, h.SnapshotSince(0), 8)
}

func TestDiscard(t *testing.T) {
	Discard.Publish(InstanceFatal, map[string]string{"x": "y"})
}
