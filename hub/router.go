package hub

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/whisperlink/core/cryptoops"
	"github.com/gosuda/whisperlink/wire"
)

// dispatch routes one inbound frame. Malformed JSON earns an error frame but
// keeps the connection; unknown types are logged and dropped.
func (s *Server) dispatch(sess *session, data []byte) {
	head, err := wire.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("session", sess.id).Msg("[Hub] Malformed frame")
		sess.sendError("Invalid message format")
		return
	}
	s.metrics.framesIn.WithLabelValues(head.Type).Inc()

	switch head.Type {
	case wire.TypeRegister, wire.TypeAuth, wire.TypePing:
		// allowed in any state
	default:
		if sess.currentState() != connAuthenticated {
			sess.sendError("Not authenticated")
			return
		}
	}

	switch head.Type {
	case wire.TypeRegister:
		s.handleRegister(sess, head)
	case wire.TypeAuth:
		s.handleAuth(sess, head)
	case wire.TypePing:
		sess.send(wire.TypePong, nil)
	case wire.TypeSendMessage:
		s.handleSendMessage(sess, head)
	case wire.TypeGetHistory:
		s.handleGetHistory(sess, head)
	case wire.TypeMarkRead:
		s.handleMarkRead(sess, head)
	case wire.TypeGetUsers:
		s.handleGetUsers(sess)
	case wire.TypeAddToChat:
		s.handleAddToChat(sess, head)
	case wire.TypeCallInitiate:
		s.handleCallInitiate(sess, head)
	case wire.TypeCallAccept:
		s.handleCallAccept(sess, head)
	case wire.TypeCallCandidate:
		s.handleCallCandidate(sess, head)
	case wire.TypeCallEnd:
		s.handleCallEnd(sess, head)
	case wire.TypeCallRestart:
		s.handleCallRestart(sess, head)
	case wire.TypeCallRestartAnswer:
		s.handleCallRestartAnswer(sess, head)
	default:
		log.Warn().Str("type", head.Type).Str("session", sess.id).Msg("[Hub] Unknown frame type")
	}
}

func (s *Server) handleRegister(sess *session, head wire.Head) {
	var req wire.Register
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	signingKey, agreementKey, err := validateRegisterKeys(req.PublicSigningKey, req.PublicEncryptionKey)
	if err != nil {
		log.Debug().Err(err).Str("session", sess.id).Msg("[Hub] Register with bad keys")
		sess.sendError("Invalid public key")
		return
	}

	userID := cryptoops.DeriveUserID(signingKey)
	user, err := s.users.upsert(userID, signingKey, agreementKey, req.Nickname)
	if err != nil {
		sess.sendError("User ID already registered with a different key")
		return
	}
	s.metrics.usersRegistered.Set(float64(s.users.count()))

	if sess.currentState() == connNew {
		sess.setState(connRegistered)
	}

	log.Info().
		Str("user", userID).
		Str("nickname", user.Nickname).
		Str("session", sess.id).
		Msg("[Hub] User registered")

	sess.send(wire.TypeRegisterSuccess, wire.RegisterSuccess{
		UserID: userID,
		User:   user.info(),
	})
}

func (s *Server) handleAuth(sess *session, head wire.Head) {
	var req wire.Auth
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	if !cryptoops.ValidUserID(req.UserID) {
		s.metrics.authFailures.Inc()
		sess.sendError("User not found")
		return
	}
	user, ok := s.users.get(req.UserID)
	if !ok {
		s.metrics.authFailures.Inc()
		sess.sendError("User not found")
		return
	}

	if err := verifyAuthProof(user.SigningKey, req.Signature, req.Timestamp, s.cfg.AuthWindow, time.Now()); err != nil {
		s.metrics.authFailures.Inc()
		log.Debug().Err(err).Str("user", req.UserID).Msg("[Hub] Auth rejected")
		switch {
		case errors.Is(err, errAuthBadTimestamp):
			sess.sendError("Invalid auth timestamp")
		case errors.Is(err, errAuthStale):
			sess.sendError("Auth timestamp expired")
		case errors.Is(err, errAuthFuture):
			sess.sendError("Auth timestamp in the future")
		default:
			sess.sendError("Invalid signature")
		}
		return
	}

	sess.bindUser(req.UserID)
	s.bindSession(req.UserID, sess)
	sess.setState(connAuthenticated)

	token, err := s.tokens.mint(req.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", req.UserID).Msg("[Hub] Token mint failed")
	} else {
		s.users.setToken(req.UserID, token)
	}

	if s.users.setOnline(req.UserID, true) {
		s.broadcast(wire.TypeUserStatusUpdate, wire.UserStatusUpdate{
			UserID:   req.UserID,
			IsOnline: true,
		}, req.UserID)
	}
	s.metrics.usersOnline.Set(float64(s.users.onlineCount()))

	log.Info().Str("user", req.UserID).Str("session", sess.id).Msg("[Hub] User authenticated")

	sess.send(wire.TypeAuthSuccess, wire.AuthSuccess{
		UserID:       req.UserID,
		Success:      true,
		SessionToken: token,
	})
}

func (s *Server) handleSendMessage(sess *session, head wire.Head) {
	var req wire.SendMessage
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	sender := sess.user()
	if _, ok := s.users.get(req.ReceiverID); !ok {
		sess.sendError("Recipient not found")
		return
	}

	msg := wire.Message{
		ID:          uuid.NewString(),
		SenderID:    sender,
		ReceiverID:  req.ReceiverID,
		Content:     req.EncryptedContent,
		MessageType: req.MessageType,
		Timestamp:   wire.Now(),
		Signature:   req.Signature,
		Encrypted:   wire.IsEnvelope(req.EncryptedContent),
	}
	if msg.MessageType == "" {
		msg.MessageType = wire.MessageTypeText
	}
	// Drained outbox messages keep the timestamp of their first send attempt.
	if req.Timestamp != "" {
		if _, err := wire.ParseTimestamp(req.Timestamp); err == nil {
			msg.Timestamp = req.Timestamp
		}
	}

	delivered := s.sendToUser(req.ReceiverID, wire.TypeNewMessage, wire.NewMessage{Message: msg})
	s.metrics.messagesRelayed.WithLabelValues(strconv.FormatBool(delivered)).Inc()

	log.Debug().
		Str("from", sender).
		Str("to", req.ReceiverID).
		Str("message", msg.ID).
		Bool("encrypted", msg.Encrypted).
		Bool("delivered", delivered).
		Msg("[Hub] Message relayed")

	// The sender always gets the ack; the hub keeps no copy either way.
	sess.send(wire.TypeMessageSent, wire.MessageSent{Message: msg})
}

func (s *Server) handleGetHistory(sess *session, head wire.Head) {
	var req wire.GetHistory
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}
	// Nothing is stored hub-side. The reply keeps the shape so clients can
	// reconcile against their local stores.
	sess.send(wire.TypeMessageHistory, wire.MessageHistory{
		Messages:    []wire.Message{},
		OtherUserID: req.OtherUserID,
	})
}

func (s *Server) handleMarkRead(sess *session, head wire.Head) {
	var req wire.MarkRead
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}
	sess.send(wire.TypeMessageMarkedRead, wire.MessageMarkedRead{
		MessageID: req.MessageID,
		Success:   true,
	})
}

func (s *Server) handleGetUsers(sess *session) {
	sess.send(wire.TypeUsersList, wire.UsersList{
		Users: s.users.list(sess.user()),
	})
}

func (s *Server) handleAddToChat(sess *session, head wire.Head) {
	var req wire.AddToChat
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	if req.TargetUserID == sess.user() {
		sess.sendError("Cannot add yourself")
		return
	}
	target, ok := s.users.get(req.TargetUserID)
	if !ok {
		sess.sendError("User not found")
		return
	}
	me, _ := s.users.get(sess.user())

	sess.send(wire.TypeAddToChatSuccess, wire.AddToChatSuccess{
		TargetUser: target.info(),
	})
	s.sendToUser(target.ID, wire.TypeChatAdded, wire.ChatAdded{
		UserID:   me.ID,
		Nickname: me.Nickname,
	})
}

func (s *Server) handleCallInitiate(sess *session, head wire.Head) {
	var req wire.CallInitiate
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	caller := sess.user()
	if _, ok := s.users.get(req.To); !ok {
		sess.sendError("Recipient not found")
		return
	}
	if !s.userOnline(req.To) {
		sess.sendError("Recipient is offline")
		return
	}

	if _, err := s.calls.create(req.CallID, caller, req.To); err != nil {
		sess.sendError(callErrorMessage(err))
		return
	}
	s.metrics.callsActive.Set(float64(s.calls.activeCount()))

	log.Info().
		Str("call", req.CallID).
		Str("caller", caller).
		Str("callee", req.To).
		Msg("[Hub] Call initiated")

	if !s.sendToUser(req.To, wire.TypeCallOffer, wire.CallOffer{
		From:      caller,
		Offer:     req.Offer,
		CallID:    req.CallID,
		Timestamp: wire.Now(),
	}) {
		sess.sendError("Recipient is offline")
	}
}

func (s *Server) handleCallAccept(sess *session, head wire.Head) {
	var req wire.CallAccept
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	call, err := s.calls.accept(req.CallID, sess.user())
	if err != nil {
		sess.sendError(callErrorMessage(err))
		return
	}

	log.Info().Str("call", call.ID).Str("callee", call.CalleeID).Msg("[Hub] Call accepted")

	if !s.sendToUser(call.CallerID, wire.TypeCallAnswer, wire.CallAnswer{
		From:      call.CalleeID,
		Answer:    req.Answer,
		CallID:    call.ID,
		Timestamp: wire.Now(),
	}) {
		sess.sendError("Recipient is offline")
	}
}

func (s *Server) handleCallCandidate(sess *session, head wire.Head) {
	var req wire.CallCandidate
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	peer, err := s.calls.relayCheck(req.CallID, sess.user())
	if err != nil {
		sess.sendError(callErrorMessage(err))
		return
	}
	if !s.sendToUser(peer, wire.TypeCallCandidate, wire.CallCandidate{
		From:      sess.user(),
		Candidate: req.Candidate,
		CallID:    req.CallID,
		Timestamp: wire.Now(),
	}) {
		sess.sendError("Recipient is offline")
	}
}

func (s *Server) handleCallEnd(sess *session, head wire.Head) {
	var req wire.CallEnd
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "hangup"
	}
	peer, err := s.calls.end(req.CallID, sess.user(), reason)
	if err != nil {
		sess.sendError(callErrorMessage(err))
		return
	}
	s.metrics.callsActive.Set(float64(s.calls.activeCount()))

	log.Info().Str("call", req.CallID).Str("by", sess.user()).Str("reason", reason).Msg("[Hub] Call ended")

	if !s.sendToUser(peer, wire.TypeCallEnd, wire.CallEnd{
		From:      sess.user(),
		CallID:    req.CallID,
		Reason:    reason,
		Timestamp: wire.Now(),
	}) {
		sess.sendError("Recipient is offline")
	}
}

func (s *Server) handleCallRestart(sess *session, head wire.Head) {
	var req wire.CallRestart
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	peer, err := s.calls.relayCheck(req.CallID, sess.user())
	if err != nil {
		sess.sendError(callErrorMessage(err))
		return
	}
	if !s.sendToUser(peer, wire.TypeCallRestart, wire.CallRestart{
		From:      sess.user(),
		Offer:     req.Offer,
		CallID:    req.CallID,
		Timestamp: wire.Now(),
	}) {
		sess.sendError("Recipient is offline")
	}
}

func (s *Server) handleCallRestartAnswer(sess *session, head wire.Head) {
	var req wire.CallRestartAnswer
	if err := head.Into(&req); err != nil {
		sess.sendError("Invalid message format")
		return
	}

	peer, err := s.calls.relayCheck(req.CallID, sess.user())
	if err != nil {
		sess.sendError(callErrorMessage(err))
		return
	}
	if !s.sendToUser(peer, wire.TypeCallRestartAnswer, wire.CallRestartAnswer{
		From:      sess.user(),
		Answer:    req.Answer,
		CallID:    req.CallID,
		Timestamp: wire.Now(),
	}) {
		sess.sendError("Recipient is offline")
	}
}

// userOnline reports whether the user has a live authenticated channel.
func (s *Server) userOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUser[userID] != nil
}

func callErrorMessage(err error) string {
	switch {
	case errors.Is(err, errCallNotFound):
		return "Call not found"
	case errors.Is(err, errNotParticipant):
		return "Not a call participant"
	case errors.Is(err, errNotCallee):
		return "Only the callee can accept this call"
	case errors.Is(err, errCallEnded):
		return "Call already ended"
	case errors.Is(err, errCallExists):
		return "Call already exists"
	default:
		return "Call signaling error"
	}
}
