package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/whisperlink/wire"
)

// connState tracks how far a connection has come through the handshake.
// Only register, auth and ping are allowed before connAuthenticated.
type connState int

const (
	connNew connState = iota
	connRegistered
	connAuthenticated
	connClosed
)

func (s connState) String() string {
	switch s {
	case connNew:
		return "new"
	case connRegistered:
		return "registered"
	case connAuthenticated:
		return "authenticated"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboundQueueSize bounds the per-session backlog. A client that cannot
// drain this many frames is cut off rather than allowed to stall the hub.
const outboundQueueSize = 64

// session is one WebSocket connection to the hub. Reads happen on the
// handler goroutine, writes on a dedicated pump so handlers never block on
// a slow client.
type session struct {
	id   string
	hub  *Server
	conn *websocket.Conn

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  connState
	userID string
}

func newSession(hub *Server, conn *websocket.Conn) *session {
	return &session{
		id:       uuid.NewString(),
		hub:      hub,
		conn:     conn,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
	}
}

// run services the connection until it drops. It blocks until the read side
// finishes, so the HTTP handler keeps the request goroutine alive.
func (s *session) run() {
	go s.writePump()
	s.readPump()
}

func (s *session) readPump() {
	defer s.close()

	pongWait := s.hub.cfg.PongWait
	s.conn.SetReadLimit(wire.MaxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session", s.id).Msg("[Hub] Read error")
			}
			return
		}
		s.hub.dispatch(s, data)
	}
}

func (s *session) writePump() {
	pingPeriod := s.hub.cfg.PongWait * 9 / 10
	writeWait := s.hub.cfg.WriteTimeout
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// send encodes a frame and queues it for the write pump.
func (s *session) send(typ string, body any) {
	data, err := wire.Encode(typ, body)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("[Hub] Frame encode failed")
		return
	}
	s.enqueue(data)
}

// sendRaw queues an already-encoded frame. Broadcasts encode once and share
// the bytes across sessions.
func (s *session) sendRaw(data []byte) {
	s.enqueue(data)
}

func (s *session) sendError(msg string) {
	s.send(wire.TypeError, wire.ErrorFrame{Message: msg})
}

func (s *session) enqueue(data []byte) {
	select {
	case s.outbound <- data:
	case <-s.done:
	default:
		log.Warn().Str("session", s.id).Str("user", s.user()).Msg("[Hub] Outbound queue full, dropping session")
		s.close()
	}
}

// close tears the connection down exactly once and tells the hub about it.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(connClosed)
		close(s.done)
		_ = s.conn.Close()
		s.hub.handleDisconnect(s)
	})
}

func (s *session) setState(st connState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != connClosed {
		s.state = st
	}
}

func (s *session) currentState() connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// bindUser attaches the authenticated (or registered) user ID to this session.
func (s *session) bindUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}
