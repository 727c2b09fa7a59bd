package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(id, peer string, ts time.Time) Message {
	return Message{ID: id, PeerID: peer, SenderID: peer, Text: "t-" + id, Timestamp: ts}
}

func TestStoreAppendOrdersByTimestamp(t *testing.T) {
	s := newStore()
	base := time.Now()

	require.True(t, s.append(msgAt("m3", "P", base.Add(3*time.Second))))
	require.True(t, s.append(msgAt("m1", "P", base.Add(1*time.Second))))
	require.True(t, s.append(msgAt("m2", "P", base.Add(2*time.Second))))

	hist := s.peerHistory("P")
	require.Len(t, hist, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{hist[0].ID, hist[1].ID, hist[2].ID})
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp), "history must be non-decreasing")
	}
}

func TestStoreAppendDeduplicatesByID(t *testing.T) {
	s := newStore()
	ts := time.Now()

	require.True(t, s.append(msgAt("m1", "P", ts)))
	assert.False(t, s.append(msgAt("m1", "P", ts.Add(time.Minute))), "duplicate id must be dropped")
	assert.Len(t, s.peerHistory("P"), 1)

	// The same id in another conversation is a different message.
	assert.True(t, s.append(msgAt("m1", "Q", ts)))
}

func TestStoreAdoptKeepsTimestamp(t *testing.T) {
	s := newStore()
	ts := time.Now()
	s.append(Message{ID: "local-1", PeerID: "P", Text: "hi", Timestamp: ts, Outgoing: true, Status: StatusSending})

	adopted, ok := s.adopt("P", "local-1", "srv-9", StatusSent)
	require.True(t, ok)
	assert.Equal(t, "srv-9", adopted.ID)
	assert.Equal(t, StatusSent, adopted.Status)
	assert.Equal(t, ts, adopted.Timestamp, "adoption must not touch the timestamp")

	hist := s.peerHistory("P")
	require.Len(t, hist, 1)
	assert.Equal(t, "srv-9", hist[0].ID)

	_, ok = s.adopt("P", "local-1", "srv-10", StatusSent)
	assert.False(t, ok, "the local id is gone after adoption")
}

func TestStoreUpdateStatus(t *testing.T) {
	s := newStore()
	s.append(Message{ID: "m1", PeerID: "P", Status: StatusSending, Timestamp: time.Now()})

	rec, ok := s.updateStatus("P", "m1", StatusFailed)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, StatusFailed, s.peerHistory("P")[0].Status)

	_, ok = s.updateStatus("P", "nope", StatusRead)
	assert.False(t, ok)
}

func TestStoreOutboxDrainsInEnqueueOrder(t *testing.T) {
	s := newStore()
	for _, id := range []string{"a", "b", "c"} {
		s.enqueue(outboxEntry{LocalID: id, PeerID: "P"})
	}
	assert.Equal(t, 3, s.outboxLen("P"))

	entries := s.drain("P")
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{entries[0].LocalID, entries[1].LocalID, entries[2].LocalID})
	assert.Equal(t, 0, s.outboxLen("P"), "drain must empty the queue")
	assert.Empty(t, s.drain("P"))
}

func TestStoreRequeueFrontBeatsNewEntries(t *testing.T) {
	s := newStore()
	s.enqueue(outboxEntry{LocalID: "a", PeerID: "P"})
	s.enqueue(outboxEntry{LocalID: "b", PeerID: "P"})

	entries := s.drain("P")
	require.Len(t, entries, 2)

	// A new message arrives while the failed remainder is being requeued.
	s.enqueue(outboxEntry{LocalID: "c", PeerID: "P"})
	s.requeueFront("P", entries[1:])

	again := s.drain("P")
	require.Len(t, again, 2)
	assert.Equal(t, "b", again[0].LocalID, "requeued entries go ahead of later ones")
	assert.Equal(t, "c", again[1].LocalID)
}

func TestStoreClearPeer(t *testing.T) {
	s := newStore()
	s.append(msgAt("m1", "P", time.Now()))
	s.append(msgAt("m2", "Q", time.Now()))
	s.enqueue(outboxEntry{LocalID: "a", PeerID: "P"})

	s.clearPeer("P")
	assert.Empty(t, s.peerHistory("P"))
	assert.Equal(t, 0, s.outboxLen("P"))
	assert.Len(t, s.peerHistory("Q"), 1, "other conversations are untouched")
}

func TestStoreClearAll(t *testing.T) {
	s := newStore()
	s.append(msgAt("m1", "P", time.Now()))
	s.append(msgAt("m2", "Q", time.Now()))
	s.enqueue(outboxEntry{LocalID: "a", PeerID: "Q"})

	s.clearAll()
	assert.Empty(t, s.peerHistory("P"))
	assert.Empty(t, s.peerHistory("Q"))
	assert.Equal(t, 0, s.outboxLen("Q"))
}

func TestStorePeerHistoryReturnsCopy(t *testing.T) {
	s := newStore()
	s.append(msgAt("m1", "P", time.Now()))

	hist := s.peerHistory("P")
	hist[0].Text = "mutated"
	assert.Equal(t, "t-m1", s.peerHistory("P")[0].Text)
}
