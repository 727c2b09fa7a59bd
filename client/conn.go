package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/whisperlink/utils"
	"github.com/gosuda/whisperlink/wire"
)

// ConnState describes the transport's lifecycle phase.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultHeartbeatEvery = 25 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultMaxReconnects  = 5
	defaultBackoffMin     = 2 * time.Second
	defaultBackoffMax     = 30 * time.Second
	dialTimeout           = 10 * time.Second

	outboundQueueSize = 64
	stateQueueSize    = 8
)

type dialConfig struct {
	requestTimeout time.Duration
	heartbeatEvery time.Duration
	pongTimeout    time.Duration
	writeWait      time.Duration
	maxReconnects  int
	backoffMin     time.Duration
	backoffMax     time.Duration
}

func defaultDialConfig() dialConfig {
	return dialConfig{
		requestTimeout: defaultRequestTimeout,
		heartbeatEvery: defaultHeartbeatEvery,
		pongTimeout:    defaultPongTimeout,
		writeWait:      defaultWriteWait,
		maxReconnects:  defaultMaxReconnects,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
	}
}

// DialOption configures a ConnManager.
type DialOption func(*dialConfig)

// WithRequestTimeout sets the default Request deadline used when the caller's
// context carries none.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithHeartbeat sets the ping interval and the pong wait after each ping.
func WithHeartbeat(every, pongTimeout time.Duration) DialOption {
	return func(c *dialConfig) {
		if every > 0 {
			c.heartbeatEvery = every
		}
		if pongTimeout > 0 {
			c.pongTimeout = pongTimeout
		}
	}
}

// WithMaxReconnects caps automatic reconnection attempts. Zero means retry
// forever.
func WithMaxReconnects(n int) DialOption {
	return func(c *dialConfig) {
		if n >= 0 {
			c.maxReconnects = n
		}
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) DialOption {
	return func(c *dialConfig) {
		if min > 0 {
			c.backoffMin = min
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// Subscription delivers inbound frames accepted by its filter in arrival
// order. The channel is closed when the ConnManager shuts down for good;
// Cancel only detaches.
type Subscription struct {
	C <-chan wire.Head

	ch     chan wire.Head
	filter func(wire.Head) bool
	detach func()
	once   sync.Once
}

// Cancel detaches the subscription. Frames already buffered remain readable.
func (s *Subscription) Cancel() {
	s.once.Do(s.detach)
}

// ConnManager is the framed websocket transport under the engine: it owns the
// socket, fans inbound frames out to subscribers, correlates request/reply
// pairs, heartbeats, and transparently reconnects with backoff. Frames queued
// while reconnecting are flushed, in order, once the socket is back.
type ConnManager struct {
	endpoint string
	cfg      dialConfig

	outbound chan []byte
	states   chan ConnState
	pongs    chan struct{}

	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnState
	subs  map[*Subscription]struct{}
	disc  chan struct{} // closed when the current socket breaks
	epoch chan struct{} // closed to stop the current socket's pumps

	closed    bool
	stopCh    chan struct{}
	closeOnce sync.Once
	finalOnce sync.Once
	wg        sync.WaitGroup
}

// Dial normalizes endpoint, establishes the websocket and starts the pumps.
// The first connection failure is returned to the caller; reconnection only
// guards established connections.
func Dial(ctx context.Context, endpoint string, opts ...DialOption) (*ConnManager, error) {
	normalized, err := utils.NormalizeHubURL(endpoint)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	cfg := defaultDialConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &ConnManager{
		endpoint: normalized,
		cfg:      cfg,
		outbound: make(chan []byte, outboundQueueSize),
		states:   make(chan ConnState, stateQueueSize),
		pongs:    make(chan struct{}, 1),
		subs:     make(map[*Subscription]struct{}),
		state:    StateConnecting,
		stopCh:   make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// Endpoint returns the normalized hub URL.
func (c *ConnManager) Endpoint() string {
	return c.endpoint
}

// State returns the current lifecycle phase.
func (c *ConnManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States exposes lifecycle transitions after the initial dial. The channel is
// closed when the manager shuts down.
func (c *ConnManager) States() <-chan ConnState {
	return c.states
}

// Subscribe registers a frame filter. A nil filter accepts everything.
func (c *ConnManager) Subscribe(filter func(wire.Head) bool, buf int) *Subscription {
	if filter == nil {
		filter = func(wire.Head) bool { return true }
	}
	if buf <= 0 {
		buf = 16
	}
	sub := &Subscription{ch: make(chan wire.Head, buf), filter: filter}
	sub.C = sub.ch

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(sub.ch)
		sub.detach = func() {}
		return sub
	}
	c.subs[sub] = struct{}{}
	sub.detach = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, sub)
	}
	return sub
}

// Send encodes and enqueues one frame. Submission order is preserved through
// reconnects; a saturated queue fails fast instead of blocking.
func (c *ConnManager) Send(typ string, body any) error {
	data, err := wire.Encode(typ, body)
	if err != nil {
		return &ProtocolError{Type: typ, Err: err}
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Request sends a frame and returns the first inbound frame matching accept.
// The config's request timeout applies unless ctx carries its own deadline.
// A connection drop while waiting yields ErrDisconnected.
func (c *ConnManager) Request(ctx context.Context, typ string, body any, accept func(wire.Head) bool) (wire.Head, error) {
	sub := c.Subscribe(accept, 4)
	defer sub.Cancel()

	c.mu.Lock()
	disc := c.disc
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return wire.Head{}, ErrClosed
	}

	if err := c.Send(typ, body); err != nil {
		return wire.Head{}, err
	}

	var timeoutC <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timer := time.NewTimer(c.cfg.requestTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case head, ok := <-sub.C:
		if !ok {
			return wire.Head{}, ErrClosed
		}
		return head, nil
	case <-timeoutC:
		return wire.Head{}, ErrTimeout
	case <-disc:
		return wire.Head{}, ErrDisconnected
	case <-c.stopCh:
		return wire.Head{}, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wire.Head{}, ErrTimeout
		}
		return wire.Head{}, ctx.Err()
	}
}

// Close shuts the transport down for good: pending requests resolve, the
// reconnect loop stops and all subscription channels close. Idempotent.
func (c *ConnManager) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		close(c.stopCh)
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
		c.wg.Wait()
		c.finalize()
	})
	return nil
}

// finalize closes subscriber and state channels once no pump can touch them.
func (c *ConnManager) finalize() {
	c.finalOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = StateDisconnected
		for sub := range c.subs {
			close(sub.ch)
			delete(c.subs, sub)
		}
		c.mu.Unlock()
		close(c.states)
	})
}

func (c *ConnManager) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	conn.SetReadLimit(wire.MaxFrameSize)
	conn.SetPongHandler(func(string) error {
		c.signalPong()
		return nil
	})

	epoch := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.disc = make(chan struct{})
	c.epoch = epoch
	c.state = StateConnected
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writePump(conn, epoch)
	go c.heartbeat(conn, epoch)
	return nil
}

// run owns the socket lifecycle: read until failure, then reconnect with
// backoff until it works or attempts run out.
func (c *ConnManager) run() {
	defer c.wg.Done()
	// 2, 4, 8, 16 then capped at 30 seconds per attempt.
	b := &backoff.Backoff{
		Min:    c.cfg.backoffMin,
		Max:    c.cfg.backoffMax,
		Factor: 2,
	}

	for {
		c.readLoop()
		c.teardown()
		if c.isClosed() {
			return
		}

		c.setState(StateReconnecting, true)
		log.Info().Str("endpoint", c.endpoint).Msg("[Client] Connection lost, reconnecting")
		b.Reset()

		reconnected := false
		for attempt := 1; c.cfg.maxReconnects == 0 || attempt <= c.cfg.maxReconnects; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(b.Duration()):
			}
			err := c.connect(context.Background())
			if err == nil {
				reconnected = true
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("[Client] Reconnect failed")
		}
		if !reconnected {
			log.Warn().Int("attempts", c.cfg.maxReconnects).Msg("[Client] Reconnect attempts exhausted")
			c.setState(StateDisconnected, true)
			c.finalize()
			return
		}
		c.setState(StateConnected, true)
		log.Info().Str("endpoint", c.endpoint).Msg("[Client] Reconnected")
	}
}

func (c *ConnManager) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Debug().Err(err).Msg("[Client] Read failed")
			}
			return
		}
		head, err := wire.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("[Client] Dropping malformed frame")
			continue
		}
		if head.Type == wire.TypePong {
			c.signalPong()
		}
		c.deliver(head)
	}
}

func (c *ConnManager) deliver(head wire.Head) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter(head) {
			continue
		}
		select {
		case sub.ch <- head:
		default:
			log.Debug().Str("type", head.Type).Msg("[Client] Subscriber buffer full, frame dropped")
		}
	}
}

func (c *ConnManager) writePump(conn *websocket.Conn, epoch <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-epoch:
			return
		case <-c.stopCh:
			return
		case data := <-c.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("[Client] Write failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// heartbeat sends both an application ping frame and a websocket ping control
// every interval; either pong form counts. A missed pong drops the socket so
// the read loop enters the reconnect path.
func (c *ConnManager) heartbeat(conn *websocket.Conn, epoch <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-epoch:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drainPong()
			if err := c.Send(wire.TypePing, nil); err != nil {
				log.Debug().Err(err).Msg("[Client] Heartbeat enqueue failed")
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.writeWait))

			select {
			case <-c.pongs:
			case <-epoch:
				return
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.pongTimeout):
				log.Warn().Msg("[Client] Pong missed, dropping connection")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *ConnManager) signalPong() {
	select {
	case c.pongs <- struct{}{}:
	default:
	}
}

func (c *ConnManager) drainPong() {
	select {
	case <-c.pongs:
	default:
	}
}

// teardown retires the current socket: pending requests resolve with
// ErrDisconnected and both pumps stop.
func (c *ConnManager) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.epoch != nil {
		close(c.epoch)
		c.epoch = nil
	}
	if c.disc != nil {
		close(c.disc)
		c.disc = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *ConnManager) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ConnManager) setState(st ConnState, notify bool) {
	c.mu.Lock()
	c.state = st
	closed := c.closed
	c.mu.Unlock()
	if !notify || closed {
		return
	}
	for {
		select {
		case c.states <- st:
			return
		default:
		}
		select {
		case <-c.states:
		default:
		}
	}
}
