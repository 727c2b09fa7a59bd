package client

import (
	"sort"
	"sync"
	"time"
)

// MessageStatus tracks an outgoing message through its delivery lifecycle.
// Inbound messages are recorded without a status.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Message is the client-side record of one chat message after any
// decryption. PeerID keys the conversation regardless of direction.
type Message struct {
	ID        string
	PeerID    string
	SenderID  string
	Text      string
	Type      string
	Timestamp time.Time
	Outgoing  bool
	Status    MessageStatus
	Encrypted bool
}

// outboxEntry holds one message queued while its peer was offline. The text
// stays unencrypted until drain time so keys learned later still apply;
// QueuedAt rides the drained frame as the payload's logical send time.
type outboxEntry struct {
	LocalID  string
	PeerID   string
	Text     string
	Type     string
	QueuedAt time.Time
}

// store keeps per-peer message history and the offline outbox. History is
// purely local; the hub stores nothing.
type store struct {
	mu      sync.Mutex
	history map[string][]Message
	outbox  map[string][]outboxEntry
}

func newStore() *store {
	return &store{
		history: make(map[string][]Message),
		outbox:  make(map[string][]outboxEntry),
	}
}

// append inserts a message in timestamp order. Duplicate IDs within a
// conversation are dropped.
func (s *store) append(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.history[msg.PeerID]
	for i := range list {
		if list[i].ID == msg.ID {
			return false
		}
	}
	list = append(list, msg)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
	s.history[msg.PeerID] = list
	return true
}

func (s *store) updateStatus(peerID, id string, status MessageStatus) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.history[peerID]
	for i := range list {
		if list[i].ID == id {
			list[i].Status = status
			return list[i], true
		}
	}
	return Message{}, false
}

// adopt replaces a local echo ID with the server-assigned one and flips the
// status, keeping the original timestamp.
func (s *store) adopt(peerID, localID, serverID string, status MessageStatus) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.history[peerID]
	for i := range list {
		if list[i].ID == localID {
			list[i].ID = serverID
			list[i].Status = status
			return list[i], true
		}
	}
	return Message{}, false
}

func (s *store) peerHistory(peerID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history[peerID]...)
}

func (s *store) enqueue(e outboxEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[e.PeerID] = append(s.outbox[e.PeerID], e)
}

// drain removes and returns the peer's queued entries in enqueue order.
func (s *store) drain(peerID string) []outboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.outbox[peerID]
	delete(s.outbox, peerID)
	return entries
}

// requeueFront puts undelivered entries back at the head of the queue,
// ahead of anything enqueued while the drain was running.
func (s *store) requeueFront(peerID string, entries []outboxEntry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[peerID] = append(append([]outboxEntry(nil), entries...), s.outbox[peerID]...)
}

func (s *store) outboxLen(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox[peerID])
}

func (s *store) clearPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, peerID)
	delete(s.outbox, peerID)
}

func (s *store) clearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[string][]Message)
	s.outbox = make(map[string][]outboxEntry)
}
