package hub

import (
	"errors"
	"sync"
	"time"
)

// CallState tracks where a signaling exchange is in its lifecycle.
type CallState int

const (
	// CallInitiated means the offer was forwarded and the callee has not answered.
	CallInitiated CallState = iota
	// CallConnected means the callee accepted and the answer was forwarded.
	CallConnected
	// CallEnded means a participant hung up. The record lingers briefly so
	// late frames can be rejected with a precise error before it is purged.
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallInitiated:
		return "initiated"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	errCallExists     = errors.New("call id already in use")
	errCallNotFound   = errors.New("call not found")
	errCallEnded      = errors.New("call already ended")
	errNotParticipant = errors.New("not a call participant")
	errNotCallee      = errors.New("only the callee can accept")
)

// Call is the hub-side record of one signaling exchange. The hub never sees
// SDP or candidates in the clear; it only tracks who may talk to whom.
type Call struct {
	ID          string
	CallerID    string
	CalleeID    string
	State       CallState
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   string
}

func (c *Call) participant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// peerOf returns the other participant, or "" if userID is not in the call.
func (c *Call) peerOf(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}

// endedCall is what endAllFor hands back so the server can notify peers.
type endedCall struct {
	callID string
	peerID string
}

// callTable owns all live call records and the purge worker that removes
// ended calls after purgeDelay.
type callTable struct {
	mu    sync.RWMutex
	calls map[string]*Call

	purgeDelay    time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
}

const callSweepInterval = 5 * time.Second

func newCallTable(purgeDelay time.Duration) *callTable {
	return &callTable{
		calls:         make(map[string]*Call),
		purgeDelay:    purgeDelay,
		sweepInterval: callSweepInterval,
		stopCh:        make(chan struct{}),
	}
}

func (t *callTable) start() {
	go t.purgeWorker()
}

func (t *callTable) stop() {
	close(t.stopCh)
}

// purgeWorker periodically drops call records that ended long enough ago.
func (t *callTable) purgeWorker() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.purgeEnded(time.Now())
		case <-t.stopCh:
			return
		}
	}
}

func (t *callTable) purgeEnded(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, c := range t.calls {
		if c.State == CallEnded && now.Sub(c.EndedAt) >= t.purgeDelay {
			delete(t.calls, id)
		}
	}
}

// create records a new call in the initiated state. An ended record with the
// same ID is treated as garbage awaiting purge and gets replaced; a live one
// is a client bug and rejected.
func (t *callTable) create(callID, callerID, calleeID string) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.calls[callID]; ok && existing.State != CallEnded {
		return nil, errCallExists
	}

	c := &Call{
		ID:        callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     CallInitiated,
		StartedAt: time.Now(),
	}
	t.calls[callID] = c
	return c, nil
}

// accept moves a call from initiated to connected. Only the callee may do
// this, and only while the call is still ringing.
func (t *callTable) accept(callID, userID string) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[callID]
	if !ok {
		return nil, errCallNotFound
	}
	if !c.participant(userID) {
		return nil, errNotParticipant
	}
	if userID != c.CalleeID {
		return nil, errNotCallee
	}
	if c.State == CallEnded {
		return nil, errCallEnded
	}

	c.State = CallConnected
	c.ConnectedAt = time.Now()
	return c, nil
}

// relayCheck validates that userID may forward a mid-call frame (candidate,
// restart offer or answer) and returns the peer it goes to. Restarts do not
// change state; a connected call stays connected through renegotiation.
func (t *callTable) relayCheck(callID, userID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.calls[callID]
	if !ok {
		return "", errCallNotFound
	}
	if !c.participant(userID) {
		return "", errNotParticipant
	}
	if c.State == CallEnded {
		return "", errCallEnded
	}
	return c.peerOf(userID), nil
}

// end marks the call ended and returns the peer to notify. Ending twice is
// an error so clients notice double hangups.
func (t *callTable) end(callID, userID, reason string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[callID]
	if !ok {
		return "", errCallNotFound
	}
	if !c.participant(userID) {
		return "", errNotParticipant
	}
	if c.State == CallEnded {
		return "", errCallEnded
	}

	c.State = CallEnded
	c.EndedAt = time.Now()
	c.EndReason = reason
	return c.peerOf(userID), nil
}

// endAllFor force-ends every live call the user participates in and returns
// the peers to notify. Used when a session disconnects.
func (t *callTable) endAllFor(userID, reason string) []endedCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ended []endedCall
	now := time.Now()
	for _, c := range t.calls {
		if c.State == CallEnded || !c.participant(userID) {
			continue
		}
		c.State = CallEnded
		c.EndedAt = now
		c.EndReason = reason
		ended = append(ended, endedCall{callID: c.ID, peerID: c.peerOf(userID)})
	}
	return ended
}

func (t *callTable) get(callID string) (*Call, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.calls[callID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// activeCount reports calls that have not ended yet.
func (t *callTable) activeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, c := range t.calls {
		if c.State != CallEnded {
			n++
		}
	}
	return n
}
