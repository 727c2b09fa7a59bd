package client

import "sync"

// EventKind enumerates engine notifications.
type EventKind int

const (
	EventMessageReceived EventKind = iota + 1
	EventMessageSent
	EventPeerOnline
	EventPeerOffline
	EventPeerAdded
	EventConnState
	EventCallOffer
	EventCallAnswer
	EventCallCandidate
	EventCallRestart
	EventCallRestartAnswer
	EventCallEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessageReceived:
		return "message_received"
	case EventMessageSent:
		return "message_sent"
	case EventPeerOnline:
		return "peer_online"
	case EventPeerOffline:
		return "peer_offline"
	case EventPeerAdded:
		return "peer_added"
	case EventConnState:
		return "conn_state"
	case EventCallOffer:
		return "call_offer"
	case EventCallAnswer:
		return "call_answer"
	case EventCallCandidate:
		return "call_candidate"
	case EventCallRestart:
		return "call_restart"
	case EventCallRestartAnswer:
		return "call_restart_answer"
	case EventCallEnd:
		return "call_end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// CallEvent carries one decrypted call-signaling frame. Payload is the
// offer/answer/candidate body after decryption, or the raw relay payload
// when the peer sent it unencrypted.
type CallEvent struct {
	CallID  string
	PeerID  string
	Payload string
	Reason  string // call_end only
}

// Event is a single engine notification. The payload field matching Kind is
// set; the others are zero.
type Event struct {
	Kind    EventKind
	Message *Message
	PeerID  string
	State   ConnState
	Call    *CallEvent
	Err     error
}

// Observer receives events synchronously on the engine's read loop. OnEvent
// must not block; long handlers should hand off to their own goroutine.
type Observer interface {
	OnEvent(Event)
}

// eventBus fans events out to the optional observer and a buffered channel.
// Channel pushes never block: when the buffer is full the oldest event is
// dropped and counted.
type eventBus struct {
	observer Observer

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

func newEventBus(observer Observer, buf int) *eventBus {
	if buf <= 0 {
		buf = 128
	}
	return &eventBus{
		observer: observer,
		ch:       make(chan Event, buf),
	}
}

func (b *eventBus) publish(ev Event) {
	if b.observer != nil {
		b.observer.OnEvent(ev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- ev:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped++
		default:
		}
	}
}

func (b *eventBus) events() <-chan Event {
	return b.ch
}

func (b *eventBus) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
