// Package client implements the whisperlink peer: identity management,
// the hub handshake, end-to-end encrypted messaging with local history and
// an offline outbox, and encrypted call signaling. The hub never sees
// plaintext; everything it relays is sealed for exactly one peer.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/whisperlink/core/cryptoops"
	"github.com/gosuda/whisperlink/core/identity"
	"github.com/gosuda/whisperlink/wire"
)

const (
	registerTimeout    = 15 * time.Second
	defaultDetachGrace = 5 * time.Minute
)

// Config configures an Engine. Endpoint is required; a nil Vault gives the
// peer a fresh in-memory identity each run, which is the ephemeral default.
type Config struct {
	Endpoint string
	Vault    identity.Vault
	Nickname string

	// EphemeralIdentity wipes any identity left in the vault before the first
	// Connect, so each process lifetime starts with fresh keys and a fresh
	// user ID even on a durable vault.
	EphemeralIdentity bool

	// Observer receives events synchronously; Events() is served either way.
	Observer Observer
	// Logger overrides the global logger when set.
	Logger *zerolog.Logger

	EventBuffer    int
	RequestTimeout time.Duration
	MaxReconnects  int

	// DetachGrace bounds how long a detached engine keeps its session state
	// before closing for good. Zero means five minutes.
	DetachGrace time.Duration
}

type callRole string

const (
	roleCaller callRole = "caller"
	roleCallee callRole = "callee"
)

type callPhase int

const (
	callRinging callPhase = iota
	callActive
	callDone
)

// callMirror is the engine's local view of one signaling exchange, enough to
// reject misuse (accepting a call we never got) without a hub round trip.
type callMirror struct {
	id    string
	peer  string
	role  callRole
	phase callPhase
}

// Engine is a connected whisperlink peer.
type Engine struct {
	cfg Config
	log zerolog.Logger

	ids   *identity.Manager
	dir   *directory
	store *store
	bus   *eventBus

	mu          sync.Mutex
	conn        *ConnManager
	cred        *cryptoops.Credential
	userID      string
	calls       map[string]*callMirror
	lastCall    string
	draining    map[string]bool
	detachTimer *time.Timer
	lastLocalMs int64
	closed      bool

	wg        sync.WaitGroup
	wipeOnce  sync.Once
	closeOnce sync.Once
}

// New builds an engine. No network activity happens until Connect.
func New(cfg Config) (*Engine, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("client: endpoint is required")
	}
	vault := cfg.Vault
	if vault == nil {
		vault = identity.NewMemoryVault()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Engine{
		cfg:      cfg,
		log:      logger,
		ids:      identity.NewManager(vault),
		dir:      newDirectory(),
		store:    newStore(),
		bus:      newEventBus(cfg.Observer, cfg.EventBuffer),
		calls:    make(map[string]*callMirror),
		draining: make(map[string]bool),
	}, nil
}

// Events exposes the buffered event stream. When nobody drains it the oldest
// events are dropped, never the read loop blocked.
func (e *Engine) Events() <-chan Event {
	return e.bus.events()
}

// DroppedEvents reports how many events were discarded from a full buffer.
func (e *Engine) DroppedEvents() uint64 {
	return e.bus.droppedCount()
}

// UserID returns the local user ID, empty before Connect.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Peers lists the directory sorted by user ID.
func (e *Engine) Peers() []Peer {
	return e.dir.list()
}

// Peer looks up one directory entry.
func (e *Engine) Peer(id string) (Peer, bool) {
	return e.dir.get(id)
}

// History returns the local conversation with peerID in timestamp order.
func (e *Engine) History(peerID string) []Message {
	return e.store.peerHistory(peerID)
}

// ClearPeer forgets a conversation: history, queued outbox entries and the
// directory entry.
func (e *Engine) ClearPeer(peerID string) {
	e.store.clearPeer(peerID)
	e.dir.remove(peerID)
}

// ClearAll drops every conversation and queued message. The directory is
// kept; peers stay reachable.
func (e *Engine) ClearAll() {
	e.store.clearAll()
}

// Connect ensures an identity, dials the hub, registers, authenticates,
// loads the directory and drains any outbox entries whose peers are online.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.conn != nil {
		e.mu.Unlock()
		return errors.New("client: already connected")
	}
	e.mu.Unlock()

	if e.cfg.EphemeralIdentity {
		var wipeErr error
		e.wipeOnce.Do(func() { wipeErr = e.ids.DeleteIdentity() })
		if wipeErr != nil {
			return wipeErr
		}
	}
	cred, userID, err := e.ids.EnsureIdentity()
	if err != nil {
		return fmt.Errorf("client: ensure identity: %w", err)
	}

	conn, err := Dial(ctx, e.cfg.Endpoint,
		WithRequestTimeout(e.requestTimeout()),
		WithMaxReconnects(e.cfg.MaxReconnects))
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.cred = cred
	e.userID = userID
	e.mu.Unlock()

	e.wg.Add(2)
	go e.readLoop(conn)
	go e.watchStates(conn)

	if err := e.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
		return err
	}

	if err := e.refreshDirectory(ctx); err != nil {
		e.log.Warn().Err(err).Msg("[Client] Initial directory refresh failed")
	}
	e.drainAllOnline()
	e.bus.publish(Event{Kind: EventConnState, State: StateConnected})
	return nil
}

// EphemeralReset burns the current identity and starts over with fresh keys,
// a fresh user ID and no history. The old identity is unrecoverable. Must not
// be called from an Observer callback.
func (e *Engine) EphemeralReset(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	conn := e.conn
	e.conn = nil
	e.cred = nil
	e.userID = ""
	e.calls = make(map[string]*callMirror)
	e.lastCall = ""
	if e.detachTimer != nil {
		e.detachTimer.Stop()
		e.detachTimer = nil
	}
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	e.wg.Wait()

	if err := e.ids.DeleteIdentity(); err != nil {
		return err
	}
	e.store.clearAll()
	e.dir.clear()
	e.log.Info().Msg("[Client] Identity reset")
	return e.Connect(ctx)
}

// Detach drops the transport but keeps identity, directory, history and the
// outbox so a Resume within the grace window continues the session. When the
// window expires the engine closes itself for good.
func (e *Engine) Detach() {
	e.mu.Lock()
	if e.closed || e.detachTimer != nil {
		e.mu.Unlock()
		return
	}
	conn := e.conn
	e.conn = nil
	e.detachTimer = time.AfterFunc(e.detachGrace(), func() { _ = e.Close() })
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	e.wg.Wait()
	e.bus.publish(Event{Kind: EventConnState, State: StateDisconnected})
	e.log.Info().Dur("grace", e.detachGrace()).Msg("[Client] Detached")
}

// Resume reconnects a detached engine. Past the grace window it returns
// ErrClosed.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.detachTimer == nil {
		e.mu.Unlock()
		return errors.New("client: not detached")
	}
	e.detachTimer.Stop()
	e.detachTimer = nil
	e.mu.Unlock()
	return e.Connect(ctx)
}

// Close disconnects and stops all engine goroutines. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		conn := e.conn
		e.conn = nil
		if e.detachTimer != nil {
			e.detachTimer.Stop()
			e.detachTimer = nil
		}
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		e.wg.Wait()
		e.bus.close()
	})
	return nil
}

// SendText sends a text message to peerID. It returns the message ID: the
// server-assigned one after a delivered ack, the local echo ID when the
// message was queued for an offline peer.
func (e *Engine) SendText(ctx context.Context, peerID, text string) (string, error) {
	return e.Send(ctx, peerID, text, wire.MessageTypeText)
}

// Send records a local echo, then either queues the message for an offline
// peer or encrypts and transmits it. The echo's status moves
// sending -> sent/failed as the exchange settles.
func (e *Engine) Send(ctx context.Context, peerID, content, msgType string) (string, error) {
	own := e.UserID()
	if own == "" {
		return "", ErrDisconnected
	}
	if msgType == "" {
		msgType = wire.MessageTypeText
	}

	now := time.Now()
	localID := e.nextLocalID(now)
	rec := Message{
		ID:        localID,
		PeerID:    peerID,
		SenderID:  own,
		Text:      content,
		Type:      msgType,
		Timestamp: now,
		Outgoing:  true,
		Status:    StatusSending,
	}
	e.store.append(rec)
	e.bus.publish(Event{Kind: EventMessageSent, Message: &rec})

	if !e.dir.online(peerID) {
		e.store.enqueue(outboxEntry{
			LocalID:  localID,
			PeerID:   peerID,
			Text:     content,
			Type:     msgType,
			QueuedAt: now,
		})
		e.log.Debug().Str("peer", peerID).Msg("[Client] Peer offline, message queued")
		return localID, nil
	}
	return e.transmit(ctx, localID, peerID, content, msgType, "")
}

// nextLocalID derives a local echo ID from the wall clock. The millisecond
// component is forced strictly monotonic so back-to-back sends never reuse
// an ID.
func (e *Engine) nextLocalID(now time.Time) string {
	e.mu.Lock()
	ms := now.UnixMilli()
	if ms <= e.lastLocalMs {
		ms = e.lastLocalMs + 1
	}
	e.lastLocalMs = ms
	e.mu.Unlock()
	return fmt.Sprintf("local-%d", ms)
}

// transmit seals and sends one message, then waits for the hub's ack and
// adopts the server-assigned ID. sendTime overrides the frame timestamp for
// outbox drains; empty means now.
func (e *Engine) transmit(ctx context.Context, localID, peerID, content, msgType, sendTime string) (string, error) {
	conn := e.currentConn()
	if conn == nil {
		e.failLocal(peerID, localID)
		return localID, ErrDisconnected
	}
	cred := e.credential()
	if cred == nil {
		e.failLocal(peerID, localID)
		return localID, ErrDisconnected
	}

	encContent := content
	signature := ""
	if peer, ok := e.peerKeys(peerID); ok {
		env, err := cryptoops.Seal(cred, peer.AgreementKey, []byte(content))
		if err != nil {
			e.failLocal(peerID, localID)
			return localID, err
		}
		encoded, err := env.Encode()
		if err != nil {
			e.failLocal(peerID, localID)
			return localID, err
		}
		encContent = encoded
		signature = env.Signature
	} else {
		// Plaintext fallback, still signed so the receiver can verify
		// authorship.
		signature = base64.StdEncoding.EncodeToString(cred.Sign([]byte(content)))
		e.log.Debug().Str("peer", peerID).Msg("[Client] No peer keys, sending signed plaintext")
	}

	req := wire.SendMessage{
		ReceiverID:       peerID,
		EncryptedContent: encContent,
		MessageType:      msgType,
		Signature:        signature,
		Timestamp:        sendTime,
	}
	head, err := conn.Request(ctx, wire.TypeSendMessage, req, acceptSendReply(encContent))
	if err != nil {
		e.failLocal(peerID, localID)
		return localID, err
	}
	if head.Type == wire.TypeError {
		var ef wire.ErrorFrame
		_ = head.Into(&ef)
		e.failLocal(peerID, localID)
		return localID, &ProtocolError{Type: wire.TypeSendMessage, Err: errors.New(ef.Message)}
	}
	var ack wire.MessageSent
	if err := head.Into(&ack); err != nil {
		e.failLocal(peerID, localID)
		return localID, &ProtocolError{Type: head.Type, Err: err}
	}
	if adopted, ok := e.store.adopt(peerID, localID, ack.Message.ID, StatusSent); ok {
		e.bus.publish(Event{Kind: EventMessageSent, Message: &adopted})
	}
	return ack.Message.ID, nil
}

// acceptSendReply correlates a message_sent ack by the exact content we put
// on the wire; each seal produces a unique ciphertext.
func acceptSendReply(sentContent string) func(wire.Head) bool {
	return func(h wire.Head) bool {
		switch h.Type {
		case wire.TypeMessageSent:
			var ack wire.MessageSent
			return h.Into(&ack) == nil && ack.Message.Content == sentContent
		case wire.TypeError:
			var ef wire.ErrorFrame
			return h.Into(&ef) == nil && !isCallErrorMessage(ef.Message)
		}
		return false
	}
}

func (e *Engine) failLocal(peerID, id string) {
	if rec, ok := e.store.updateStatus(peerID, id, StatusFailed); ok {
		e.bus.publish(Event{Kind: EventMessageSent, Message: &rec})
	}
}

// AddPeer introduces us to another user and stores their directory record.
func (e *Engine) AddPeer(ctx context.Context, userID string) (Peer, error) {
	conn := e.currentConn()
	if conn == nil {
		return Peer{}, ErrDisconnected
	}
	accept := func(h wire.Head) bool {
		switch h.Type {
		case wire.TypeAddToChatSuccess:
			var resp wire.AddToChatSuccess
			return h.Into(&resp) == nil && resp.TargetUser.UserID == userID
		case wire.TypeError:
			var ef wire.ErrorFrame
			return h.Into(&ef) == nil && !isCallErrorMessage(ef.Message)
		}
		return false
	}
	head, err := conn.Request(ctx, wire.TypeAddToChat, wire.AddToChat{TargetUserID: userID}, accept)
	if err != nil {
		return Peer{}, err
	}
	if head.Type == wire.TypeError {
		var ef wire.ErrorFrame
		_ = head.Into(&ef)
		return Peer{}, &ProtocolError{Type: wire.TypeAddToChat, Err: errors.New(ef.Message)}
	}
	var resp wire.AddToChatSuccess
	if err := head.Into(&resp); err != nil {
		return Peer{}, &ProtocolError{Type: head.Type, Err: err}
	}
	_, known := e.dir.get(userID)
	e.dir.upsert(resp.TargetUser)
	if !known {
		e.bus.publish(Event{Kind: EventPeerAdded, PeerID: userID})
	}
	p, _ := e.dir.get(userID)
	return p, nil
}

// MarkRead acknowledges messages from peerID and records the read status
// locally.
func (e *Engine) MarkRead(ctx context.Context, peerID string, ids ...string) error {
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	for _, id := range ids {
		accept := func(h wire.Head) bool {
			if h.Type != wire.TypeMessageMarkedRead {
				return false
			}
			var mr wire.MessageMarkedRead
			return h.Into(&mr) == nil && mr.MessageID == id
		}
		if _, err := conn.Request(ctx, wire.TypeMarkRead, wire.MarkRead{MessageID: id}, accept); err != nil {
			return err
		}
		e.store.updateStatus(peerID, id, StatusRead)
	}
	return nil
}

// RequestHistory asks the hub for stored history with otherID and merges
// whatever comes back through the regular ingress pipeline, so returned items
// get the same decrypt-and-verify treatment as live messages. The ephemeral
// hub always answers with an empty list; local History stays authoritative.
func (e *Engine) RequestHistory(ctx context.Context, otherID string, limit int) ([]Message, error) {
	conn := e.currentConn()
	if conn == nil {
		return nil, ErrDisconnected
	}
	accept := func(h wire.Head) bool {
		if h.Type != wire.TypeMessageHistory {
			return false
		}
		var mh wire.MessageHistory
		return h.Into(&mh) == nil && mh.OtherUserID == otherID
	}
	req := wire.GetHistory{UserID: e.UserID(), OtherUserID: otherID, Limit: limit}
	head, err := conn.Request(ctx, wire.TypeGetHistory, req, accept)
	if err != nil {
		return nil, err
	}
	var mh wire.MessageHistory
	if err := head.Into(&mh); err != nil {
		return nil, &ProtocolError{Type: head.Type, Err: err}
	}
	for _, m := range mh.Messages {
		e.handleInbound(m)
	}
	return e.store.peerHistory(otherID), nil
}

// StartCall opens an encrypted signaling exchange toward calleeID and
// returns the generated call ID. The offer is sealed for the callee; hub
// rejections (offline callee) surface as CallError events.
func (e *Engine) StartCall(ctx context.Context, calleeID, offer string) (string, error) {
	conn := e.currentConn()
	if conn == nil {
		return "", ErrDisconnected
	}
	callID := uuid.NewString()
	payload := e.sealCallPayload(calleeID, offer)

	e.mu.Lock()
	e.calls[callID] = &callMirror{id: callID, peer: calleeID, role: roleCaller, phase: callRinging}
	e.lastCall = callID
	e.mu.Unlock()

	err := conn.Send(wire.TypeCallInitiate, wire.CallInitiate{To: calleeID, Offer: payload, CallID: callID})
	if err != nil {
		e.mu.Lock()
		delete(e.calls, callID)
		e.mu.Unlock()
		return "", err
	}
	e.log.Info().Str("call", callID).Str("callee", calleeID).Msg("[Client] Call started")
	return callID, nil
}

// AcceptCall answers a ringing call we were offered.
func (e *Engine) AcceptCall(ctx context.Context, callID, answer string) error {
	m, err := e.callByID(callID)
	if err != nil {
		return err
	}
	if m.role != roleCallee {
		return &CallError{CallID: callID, Code: "only the callee can accept"}
	}
	if m.phase != callRinging {
		return &CallError{CallID: callID, Code: "call is not ringing"}
	}
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	payload := e.sealCallPayload(m.peer, answer)
	if err := conn.Send(wire.TypeCallAccept, wire.CallAccept{To: m.peer, Answer: payload, CallID: callID}); err != nil {
		return err
	}
	e.setCallPhase(callID, callActive)
	e.log.Info().Str("call", callID).Msg("[Client] Call accepted")
	return nil
}

// SendCandidate relays one transport candidate for an open call.
func (e *Engine) SendCandidate(ctx context.Context, callID, candidate string) error {
	m, err := e.callByID(callID)
	if err != nil {
		return err
	}
	if m.phase == callDone {
		return &CallError{CallID: callID, Code: "call already ended"}
	}
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	payload := e.sealCallPayload(m.peer, candidate)
	return conn.Send(wire.TypeCallCandidate, wire.CallCandidate{To: m.peer, Candidate: payload, CallID: callID})
}

// RestartCall requests renegotiation on an open call.
func (e *Engine) RestartCall(ctx context.Context, callID, offer string) error {
	m, err := e.callByID(callID)
	if err != nil {
		return err
	}
	if m.phase == callDone {
		return &CallError{CallID: callID, Code: "call already ended"}
	}
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	payload := e.sealCallPayload(m.peer, offer)
	return conn.Send(wire.TypeCallRestart, wire.CallRestart{To: m.peer, Offer: payload, CallID: callID})
}

// AnswerRestart completes a renegotiation round.
func (e *Engine) AnswerRestart(ctx context.Context, callID, answer string) error {
	m, err := e.callByID(callID)
	if err != nil {
		return err
	}
	if m.phase == callDone {
		return &CallError{CallID: callID, Code: "call already ended"}
	}
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	payload := e.sealCallPayload(m.peer, answer)
	return conn.Send(wire.TypeCallRestartAnswer, wire.CallRestartAnswer{To: m.peer, Answer: payload, CallID: callID})
}

// EndCall hangs up. reason defaults to "hangup" on the wire.
func (e *Engine) EndCall(ctx context.Context, callID, reason string) error {
	m, err := e.callByID(callID)
	if err != nil {
		return err
	}
	if m.phase == callDone {
		return &CallError{CallID: callID, Code: "call already ended"}
	}
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	if err := conn.Send(wire.TypeCallEnd, wire.CallEnd{To: m.peer, CallID: callID, Reason: reason}); err != nil {
		return err
	}
	e.setCallPhase(callID, callDone)
	if reason == "" {
		reason = "hangup"
	}
	e.bus.publish(Event{Kind: EventCallEnd, Call: &CallEvent{CallID: callID, PeerID: m.peer, Reason: reason}})
	e.log.Info().Str("call", callID).Str("reason", reason).Msg("[Client] Call ended")
	return nil
}

func (e *Engine) callByID(callID string) (callMirror, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.calls[callID]
	if !ok {
		return callMirror{}, &CallError{CallID: callID, Code: "unknown call"}
	}
	return *m, nil
}

func (e *Engine) setCallPhase(callID string, phase callPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.calls[callID]; ok {
		m.phase = phase
	}
}

// sealCallPayload encrypts a signaling payload for the peer. Without peer
// keys it rides plaintext; the hub relays both forms untouched.
func (e *Engine) sealCallPayload(peerID, payload string) string {
	peer, ok := e.peerKeys(peerID)
	if !ok {
		return payload
	}
	cred := e.credential()
	if cred == nil {
		return payload
	}
	env, err := cryptoops.Seal(cred, peer.AgreementKey, []byte(payload))
	if err != nil {
		return payload
	}
	encoded, err := env.Encode()
	if err != nil {
		return payload
	}
	return encoded
}

// openCallPayload decrypts an inbound signaling payload. Non-envelope
// payloads pass through; a failed verification drops the frame.
func (e *Engine) openCallPayload(from, payload string) (string, bool) {
	if !wire.IsEnvelope(payload) {
		return payload, true
	}
	env, err := wire.ParseEnvelope(payload)
	if err != nil {
		return "", false
	}
	peer, ok := e.peerKeys(from)
	if !ok {
		return "", false
	}
	cred := e.credential()
	if cred == nil {
		return "", false
	}
	plaintext, err := cryptoops.Open(cred, peer.AgreementKey, peer.SigningKey, env)
	if err != nil {
		e.log.Debug().Str("from", from).Msg("[Client] Call payload failed verification, dropped")
		return "", false
	}
	return string(plaintext), true
}

// handshake registers the public keys and proves key ownership with a signed
// timestamp. Registration is an upsert, so re-running it after a reconnect
// covers hubs that restarted in between.
func (e *Engine) handshake(ctx context.Context, conn *ConnManager) error {
	cred := e.credential()
	if cred == nil {
		return ErrDisconnected
	}

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	reg := wire.Register{
		PublicSigningKey:    base64.StdEncoding.EncodeToString(cred.SigningPublic()),
		PublicEncryptionKey: base64.StdEncoding.EncodeToString(cred.AgreementPublicBytes()),
		Nickname:            e.cfg.Nickname,
	}
	head, err := conn.Request(regCtx, wire.TypeRegister, reg, acceptReply(wire.TypeRegisterSuccess))
	if err != nil {
		return fmt.Errorf("client: register: %w", err)
	}
	if head.Type == wire.TypeError {
		var ef wire.ErrorFrame
		_ = head.Into(&ef)
		return &AuthError{Stage: "register", Reason: ef.Message}
	}
	var regResp wire.RegisterSuccess
	if err := head.Into(&regResp); err != nil {
		return &ProtocolError{Type: head.Type, Err: err}
	}
	if regResp.UserID != cred.UserID() {
		return &AuthError{
			Stage:  "register",
			Reason: fmt.Sprintf("hub derived user ID %s, local derivation %s", regResp.UserID, cred.UserID()),
		}
	}

	ts := wire.Now()
	sig, err := cryptoops.SignTimestamp(cred, ts)
	if err != nil {
		return err
	}
	auth := wire.Auth{
		UserID:    cred.UserID(),
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: ts,
	}
	head, err = conn.Request(ctx, wire.TypeAuth, auth, acceptReply(wire.TypeAuthSuccess))
	if err != nil {
		return fmt.Errorf("client: auth: %w", err)
	}
	if head.Type == wire.TypeError {
		var ef wire.ErrorFrame
		_ = head.Into(&ef)
		return &AuthError{Stage: "auth", Reason: ef.Message}
	}
	var authResp wire.AuthSuccess
	if err := head.Into(&authResp); err != nil {
		return &ProtocolError{Type: head.Type, Err: err}
	}
	if !authResp.Success {
		return &AuthError{Stage: "auth", Reason: "hub reported failure"}
	}

	e.log.Info().Str("user", cred.UserID()).Msg("[Client] Authenticated")
	return nil
}

func acceptReply(typ string) func(wire.Head) bool {
	return func(h wire.Head) bool {
		return h.Type == typ || h.Type == wire.TypeError
	}
}

// refreshDirectory replaces the directory from an authoritative users_list.
func (e *Engine) refreshDirectory(ctx context.Context) error {
	conn := e.currentConn()
	if conn == nil {
		return ErrDisconnected
	}
	head, err := conn.Request(ctx, wire.TypeGetUsers, nil, acceptReply(wire.TypeUsersList))
	if err != nil {
		return err
	}
	if head.Type == wire.TypeError {
		var ef wire.ErrorFrame
		_ = head.Into(&ef)
		return &ProtocolError{Type: wire.TypeGetUsers, Err: errors.New(ef.Message)}
	}
	var ul wire.UsersList
	if err := head.Into(&ul); err != nil {
		return &ProtocolError{Type: head.Type, Err: err}
	}
	for _, ev := range e.dir.replaceAll(ul.Users) {
		e.bus.publish(ev)
	}
	return nil
}

// peerKeys returns the peer's key material, refreshing the directory once
// when it is missing.
func (e *Engine) peerKeys(id string) (Peer, bool) {
	p, ok := e.dir.get(id)
	if ok && p.hasKeys() {
		return p, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout())
	defer cancel()
	if err := e.refreshDirectory(ctx); err != nil {
		return Peer{}, false
	}
	p, ok = e.dir.get(id)
	if !ok || !p.hasKeys() {
		return Peer{}, false
	}
	return p, true
}

func (e *Engine) readLoop(conn *ConnManager) {
	defer e.wg.Done()
	sub := conn.Subscribe(nil, 256)
	for head := range sub.C {
		e.handleFrame(head)
	}
}

func (e *Engine) watchStates(conn *ConnManager) {
	defer e.wg.Done()
	for st := range conn.States() {
		e.bus.publish(Event{Kind: EventConnState, State: st})
		if st == StateConnected {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.afterReconnect(conn)
			}()
		}
	}
}

// afterReconnect re-runs the handshake on the restored socket, then refreshes
// the directory and drains outboxes. The hub may have restarted and forgotten
// us; register-then-auth covers both cases.
func (e *Engine) afterReconnect(conn *ConnManager) {
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout+e.requestTimeout())
	defer cancel()
	if err := e.handshake(ctx, conn); err != nil {
		e.log.Warn().Err(err).Msg("[Client] Re-authentication after reconnect failed")
		e.bus.publish(Event{Kind: EventError, Err: err})
		return
	}
	if err := e.refreshDirectory(ctx); err != nil {
		e.log.Debug().Err(err).Msg("[Client] Directory refresh after reconnect failed")
	}
	e.drainAllOnline()
}

func (e *Engine) handleFrame(head wire.Head) {
	switch head.Type {
	case wire.TypeNewMessage:
		var nm wire.NewMessage
		if head.Into(&nm) != nil {
			return
		}
		e.handleInbound(nm.Message)

	case wire.TypeUserStatusUpdate:
		var up wire.UserStatusUpdate
		if head.Into(&up) != nil {
			return
		}
		if e.dir.setStatus(up.UserID, up.IsOnline) {
			e.bus.publish(presenceEvent(up.UserID, up.IsOnline))
		}
		if up.IsOnline && e.store.outboxLen(up.UserID) > 0 {
			e.spawnDrain(up.UserID)
		}

	case wire.TypeUsersList:
		var ul wire.UsersList
		if head.Into(&ul) != nil {
			return
		}
		for _, ev := range e.dir.replaceAll(ul.Users) {
			e.bus.publish(ev)
			if ev.Kind == EventPeerOnline && e.store.outboxLen(ev.PeerID) > 0 {
				e.spawnDrain(ev.PeerID)
			}
		}

	case wire.TypeChatAdded:
		var ca wire.ChatAdded
		if head.Into(&ca) != nil {
			return
		}
		if e.dir.addStub(ca.UserID, ca.Nickname) {
			e.bus.publish(Event{Kind: EventPeerAdded, PeerID: ca.UserID})
		}
		// The stub has no keys yet; a directory refresh fills them in.
		if conn := e.currentConn(); conn != nil {
			_ = conn.Send(wire.TypeGetUsers, nil)
		}

	case wire.TypeCallOffer:
		var of wire.CallOffer
		if head.Into(&of) != nil {
			return
		}
		e.handleCallOffer(of)

	case wire.TypeCallAnswer:
		var an wire.CallAnswer
		if head.Into(&an) != nil {
			return
		}
		payload, ok := e.openCallPayload(an.From, an.Answer)
		if !ok {
			return
		}
		e.setCallPhase(an.CallID, callActive)
		e.bus.publish(Event{Kind: EventCallAnswer, Call: &CallEvent{CallID: an.CallID, PeerID: an.From, Payload: payload}})

	case wire.TypeCallCandidate:
		var cd wire.CallCandidate
		if head.Into(&cd) != nil {
			return
		}
		payload, ok := e.openCallPayload(cd.From, cd.Candidate)
		if !ok {
			return
		}
		e.bus.publish(Event{Kind: EventCallCandidate, Call: &CallEvent{CallID: cd.CallID, PeerID: cd.From, Payload: payload}})

	case wire.TypeCallRestart:
		var cr wire.CallRestart
		if head.Into(&cr) != nil {
			return
		}
		payload, ok := e.openCallPayload(cr.From, cr.Offer)
		if !ok {
			return
		}
		e.bus.publish(Event{Kind: EventCallRestart, Call: &CallEvent{CallID: cr.CallID, PeerID: cr.From, Payload: payload}})

	case wire.TypeCallRestartAnswer:
		var ca wire.CallRestartAnswer
		if head.Into(&ca) != nil {
			return
		}
		payload, ok := e.openCallPayload(ca.From, ca.Answer)
		if !ok {
			return
		}
		e.bus.publish(Event{Kind: EventCallRestartAnswer, Call: &CallEvent{CallID: ca.CallID, PeerID: ca.From, Payload: payload}})

	case wire.TypeCallEnd:
		var ce wire.CallEnd
		if head.Into(&ce) != nil {
			return
		}
		e.setCallPhase(ce.CallID, callDone)
		e.bus.publish(Event{Kind: EventCallEnd, Call: &CallEvent{CallID: ce.CallID, PeerID: ce.From, Reason: ce.Reason}})

	case wire.TypeError:
		var ef wire.ErrorFrame
		if head.Into(&ef) != nil {
			return
		}
		e.handleHubError(ef.Message)
	}
}

func (e *Engine) handleCallOffer(of wire.CallOffer) {
	e.mu.Lock()
	e.calls[of.CallID] = &callMirror{id: of.CallID, peer: of.From, role: roleCallee, phase: callRinging}
	e.lastCall = of.CallID
	e.mu.Unlock()

	payload, ok := e.openCallPayload(of.From, of.Offer)
	if !ok {
		e.mu.Lock()
		delete(e.calls, of.CallID)
		e.mu.Unlock()
		return
	}
	e.log.Info().Str("call", of.CallID).Str("from", of.From).Msg("[Client] Incoming call")
	e.bus.publish(Event{Kind: EventCallOffer, Call: &CallEvent{CallID: of.CallID, PeerID: of.From, Payload: payload}})
}

// handleInbound processes one relayed message: decrypt-and-verify for
// envelopes, signature check for plaintext fallback. Anything that fails
// verification disappears without a trace in history.
func (e *Engine) handleInbound(msg wire.Message) {
	own := e.UserID()
	peerID := msg.SenderID
	if msg.SenderID == own {
		peerID = msg.ReceiverID
	}
	ts := parseWhen(msg.Timestamp)

	if wire.IsEnvelope(msg.Content) {
		if msg.SenderID == own {
			// Sealed for the receiver, not for us.
			e.log.Debug().Msg("[Client] Discarding undecryptable self echo")
			return
		}
		env, err := wire.ParseEnvelope(msg.Content)
		if err != nil {
			return
		}
		peer, ok := e.peerKeys(msg.SenderID)
		if !ok {
			e.log.Debug().Str("from", msg.SenderID).Msg("[Client] No keys for sender, message dropped")
			return
		}
		cred := e.credential()
		if cred == nil {
			return
		}
		plaintext, err := cryptoops.Open(cred, peer.AgreementKey, peer.SigningKey, env)
		if err != nil {
			e.log.Debug().Str("from", msg.SenderID).Msg("[Client] Message failed verification, dropped")
			return
		}
		rec := Message{
			ID:        msg.ID,
			PeerID:    peerID,
			SenderID:  msg.SenderID,
			Text:      string(plaintext),
			Type:      msg.MessageType,
			Timestamp: ts,
			Encrypted: true,
		}
		if e.store.append(rec) {
			e.bus.publish(Event{Kind: EventMessageReceived, Message: &rec})
		}
		return
	}

	if msg.Signature != "" {
		peer, ok := e.peerKeys(msg.SenderID)
		sig, err := base64.StdEncoding.DecodeString(msg.Signature)
		if !ok || err != nil || !cryptoops.VerifyDetached(peer.SigningKey, []byte(msg.Content), sig) {
			e.log.Debug().Str("from", msg.SenderID).Msg("[Client] Bad plaintext signature, message dropped")
			return
		}
	}
	rec := Message{
		ID:        msg.ID,
		PeerID:    peerID,
		SenderID:  msg.SenderID,
		Text:      msg.Content,
		Type:      msg.MessageType,
		Timestamp: ts,
		Outgoing:  msg.SenderID == own,
	}
	if e.store.append(rec) {
		e.bus.publish(Event{Kind: EventMessageReceived, Message: &rec})
	}
}

// handleHubError routes an unsolicited hub error. Error frames carry no
// correlation IDs, so call-shaped errors are attributed to the most recent
// open call.
func (e *Engine) handleHubError(msg string) {
	if callID, peer := e.failLastCall(msg); callID != "" {
		e.bus.publish(Event{Kind: EventCallEnd, Call: &CallEvent{CallID: callID, PeerID: peer, Reason: msg}})
		e.bus.publish(Event{Kind: EventError, Err: &CallError{CallID: callID, Code: msg}})
		return
	}
	e.bus.publish(Event{Kind: EventError, Err: &ProtocolError{Type: wire.TypeError, Err: errors.New(msg)}})
}

func (e *Engine) failLastCall(msg string) (string, string) {
	if !isCallErrorMessage(msg) {
		return "", ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.calls[e.lastCall]
	if !ok || m.phase == callDone {
		return "", ""
	}
	m.phase = callDone
	return m.id, m.peer
}

func isCallErrorMessage(msg string) bool {
	switch msg {
	case "Call not found", "Call already exists", "Call already ended",
		"Not a call participant", "Only the callee can accept this call",
		"Recipient is offline", "Call signaling error":
		return true
	}
	return false
}

// drainPeer flushes the peer's outbox in enqueue order. Entries keep their
// original queue time as the frame timestamp; on failure the remainder goes
// back to the head of the queue.
func (e *Engine) drainPeer(peerID string) {
	e.mu.Lock()
	if e.draining[peerID] {
		e.mu.Unlock()
		return
	}
	e.draining[peerID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.draining, peerID)
		e.mu.Unlock()
	}()

	entries := e.store.drain(peerID)
	if len(entries) == 0 {
		return
	}
	e.log.Debug().Str("peer", peerID).Int("queued", len(entries)).Msg("[Client] Draining outbox")
	for i, entry := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout())
		_, err := e.transmit(ctx, entry.LocalID, peerID, entry.Text, entry.Type, wire.Timestamp(entry.QueuedAt))
		cancel()
		if err != nil {
			e.store.requeueFront(peerID, entries[i:])
			e.log.Warn().Err(err).Str("peer", peerID).Int("requeued", len(entries)-i).
				Msg("[Client] Outbox drain interrupted")
			return
		}
	}
}

func (e *Engine) spawnDrain(peerID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainPeer(peerID)
	}()
}

func (e *Engine) drainAllOnline() {
	for _, p := range e.dir.list() {
		if p.Online && e.store.outboxLen(p.ID) > 0 {
			e.spawnDrain(p.ID)
		}
	}
}

func (e *Engine) currentConn() *ConnManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Engine) credential() *cryptoops.Credential {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cred
}

func (e *Engine) requestTimeout() time.Duration {
	if e.cfg.RequestTimeout > 0 {
		return e.cfg.RequestTimeout
	}
	return defaultRequestTimeout
}

func (e *Engine) detachGrace() time.Duration {
	if e.cfg.DetachGrace > 0 {
		return e.cfg.DetachGrace
	}
	return defaultDetachGrace
}

func parseWhen(s string) time.Time {
	if t, err := wire.ParseTimestamp(s); err == nil {
		return t
	}
	return time.Now()
}
