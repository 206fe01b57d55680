package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeSubmitted, Transaction{TransactionID: string(rune('a' + i))})
	}

	got := h.SnapshotSince(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].ID, got[1].ID, got[2].ID})

	assert.Len(t, h.SnapshotSince(4), 1)
	assert.Empty(t, h.SnapshotSince(5))
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()

	h.Publish(TypeResolved, Transaction{TransactionID: "tx", Status: "completed"})

	ev := <-ch
	assert.Equal(t, TypeResolved, ev.Type)
	var payload Transaction
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "completed", payload.Status)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	h.Publish(TypeLost, nil)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(TypeStarted, nil)
	}
	assert.Len(t, h.SnapshotSince(0), 4)
}
