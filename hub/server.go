package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/whisperlink/utils"
	"github.com/gosuda/whisperlink/wire"
)

// Server is one hub instance. It owns the user directory, live sessions and
// call records; nothing survives a restart.
type Server struct {
	cfg     Config
	users   *userTable
	calls   *callTable
	tokens  *tokenIssuer
	metrics *metrics

	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[string]*session

	httpSrv   *http.Server
	listener  net.Listener
	startedAt time.Time
	stopOnce  sync.Once
}

// NewServer builds a hub from cfg. Zero-valued fields take defaults.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tokens, err := newTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("hub: token issuer: %w", err)
	}
	return &Server{
		cfg:       cfg,
		users:     newUserTable(),
		calls:     newCallTable(cfg.CallPurgeDelay),
		tokens:    tokens,
		metrics:   newMetrics(),
		sessions:  make(map[string]*session),
		byUser:    make(map[string]*session),
		startedAt: time.Now(),
	}, nil
}

// Handler returns the hub's HTTP surface: the WebSocket endpoint, healthz
// and prometheus metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get(s.cfg.WSPath, s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.handler())
	return r
}

// Start binds the listen address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("hub: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = utils.NewTCPNoDelayListener(ln)
	s.startedAt = time.Now()
	s.calls.start()
	s.httpSrv = &http.Server{Handler: s.Handler()}

	go func() {
		log.Info().Str("addr", s.listener.Addr().String()).Str("path", s.cfg.WSPath).Msg("[Hub] Listening")
		if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("[Hub] HTTP serve error")
		}
	}()
	return nil
}

// Addr reports the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the purge worker, drops every session and closes the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info().Msg("[Hub] Shutting down")
		s.calls.stop()

		s.mu.Lock()
		open := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			open = append(open, sess)
		}
		s.mu.Unlock()
		for _, sess := range open {
			sess.close()
		}

		if s.httpSrv != nil {
			err = s.httpSrv.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := utils.UpgradeWebSocket(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[Hub] WebSocket upgrade failed")
		return
	}

	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.connections.Set(float64(n))

	log.Debug().Str("session", sess.id).Str("remote", r.RemoteAddr).Msg("[Hub] Connection opened")
	sess.run()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.Stats())
}

// Stats is the healthz snapshot.
type Stats struct {
	Status        string `json:"status"`
	Users         int    `json:"users"`
	Online        int    `json:"online"`
	Sessions      int    `json:"sessions"`
	ActiveCalls   int    `json:"activeCalls"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	open := len(s.sessions)
	s.mu.RUnlock()
	return Stats{
		Status:        "ok",
		Users:         s.users.count(),
		Online:        s.users.onlineCount(),
		Sessions:      open,
		ActiveCalls:   s.calls.activeCount(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
}

// bindSession makes sess the authenticated channel for userID. A previously
// bound session is kicked; the newest login wins.
func (s *Server) bindSession(userID string, sess *session) {
	s.mu.Lock()
	stale := s.byUser[userID]
	if stale == sess {
		s.mu.Unlock()
		return
	}
	s.byUser[userID] = sess
	s.mu.Unlock()

	if stale != nil {
		log.Warn().Str("user", userID).Str("session", stale.id).Msg("[Hub] Kicking stale session")
		stale.sendError("Session replaced by a newer login")
		stale.close()
	}
}

// handleDisconnect runs exactly once per session, from session.close. It
// flips presence and force-ends the user's calls only when the dropped
// session was the one bound to the user.
func (s *Server) handleDisconnect(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	userID := sess.user()
	bound := userID != "" && s.byUser[userID] == sess
	if bound {
		delete(s.byUser, userID)
	}
	s.mu.Unlock()
	s.metrics.connections.Set(float64(n))

	if !bound {
		log.Debug().Str("session", sess.id).Msg("[Hub] Connection closed")
		return
	}

	log.Info().Str("session", sess.id).Str("user", userID).Msg("[Hub] User disconnected")

	if s.users.setOnline(userID, false) {
		s.broadcast(wire.TypeUserStatusUpdate, wire.UserStatusUpdate{UserID: userID, IsOnline: false}, userID)
	}
	s.metrics.usersOnline.Set(float64(s.users.onlineCount()))

	for _, ec := range s.calls.endAllFor(userID, "peer_disconnected") {
		s.sendToUser(ec.peerID, wire.TypeCallEnd, wire.CallEnd{
			From:      userID,
			CallID:    ec.callID,
			Reason:    "peer_disconnected",
			Timestamp: wire.Now(),
		})
	}
	s.metrics.callsActive.Set(float64(s.calls.activeCount()))
}

// sendToUser delivers one frame to a user's authenticated session. Reports
// whether a live channel existed.
func (s *Server) sendToUser(userID, typ string, body any) bool {
	s.mu.RLock()
	sess := s.byUser[userID]
	s.mu.RUnlock()
	if sess == nil {
		return false
	}
	sess.send(typ, body)
	return true
}

// broadcast fans one frame out to every authenticated session except
// excludeUserID. The frame is encoded once and the bytes shared.
func (s *Server) broadcast(typ string, body any, excludeUserID string) {
	data, err := wire.Encode(typ, body)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("[Hub] Broadcast encode failed")
		return
	}

	s.mu.RLock()
	targets := make([]*session, 0, len(s.byUser))
	for uid, sess := range s.byUser {
		if uid == excludeUserID {
			continue
		}
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		sess.sendRaw(data)
	}
}
