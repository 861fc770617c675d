package msgstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStateString(t *testing.T) {
	assert.Equal(t, "sending", StateSending.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(99)", DeliveryState(99).String())
}

func TestMessageEncodeDecode(t *testing.T) {
	m := Message{
		ID:        7,
		ThreadID:  "alice",
		Direction: DirectionOutgoing,
		State:     StateSending,
		Body:      "hi",
		SentAt:    time.Unix(1700000000, 0).UTC(),
	}
	data, err := encodeMessage(m)
	assert.NoError(t, err)
	got, err := decodeMessage(data)
	assert.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestStateIndexKey(t *testing.T) {
	m := Message{ID: 0x1122334455667788, State: StateSending}
	key := stateIndexKey(m)
	assert.Equal(t, byte('I'), key[0])
	assert.Equal(t, byte('S'), key[1])
	assert.Equal(t, byte(StateSending), key[2])
	assert.Equal(t, m.ID, stateKeyID(key))

	lo, hi := stateBounds(StateSending)
	assert.True(t, string(lo) <= string(key) && string(key) < string(hi))
	lo, _ = stateBounds(StateSent)
	assert.False(t, string(key) >= string(lo))
}

func TestThreadIndexKeyEmptyThread(t *testing.T) {
	assert.Nil(t, threadIndexKey(Message{ID: 1}))
}

func TestThreadBoundsContainKey(t *testing.T) {
	m := Message{ID: 3, ThreadID: "alice"}
	key := threadIndexKey(m)
	lo, hi := threadBounds("alice")
	assert.True(t, string(lo) <= string(key) && string(key) < string(hi))

	lo, hi = threadBounds("bob")
	assert.False(t, string(lo) <= string(key) && string(key) < string(hi))
}
