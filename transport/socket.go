// Package transport owns the single reconnecting websocket connection to the
// Koppelia console.
//
// A Socket serializes every event it produces (connection opened, frame
// received, request timed out) onto one goroutine, so handlers and reply
// callbacks never run concurrently with each other.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/message"
)

const (
	DefaultTimeout        = 4000 * time.Millisecond
	DefaultReconnectDelay = 1000 * time.Millisecond

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 30 * time.Second
	readLimit       = 1 << 20
	eventBufferSize = 256
)

var (
	ErrNotConnected = errors.New("transport: socket not connected")
	ErrTimeout      = errors.New("transport: request timed out")
	ErrClosed       = errors.New("transport: socket closed")
)

// Callback receives an inbound envelope.
type Callback func(*message.Envelope)

type pending struct {
	env       *message.Envelope
	callback  Callback
	onTimeout func()
	timer     *time.Timer
	resolved  bool
}

type link struct {
	conn *websocket.Conn
	stop chan struct{}
}

// Socket is a reconnecting console connection.
type Socket struct {
	url            string
	dialer         *websocket.Dialer
	timeout        time.Duration
	reconnectDelay time.Duration
	logger         zerolog.Logger

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	mu       sync.Mutex
	current  *link
	pending  map[string]*pending
	receive  []Callback
	open     []func()
	timeouts []func(*message.Envelope)

	wmu sync.Mutex // guards writes on the current conn
}

// Option configures a Socket.
type Option func(*Socket)

// WithTimeout sets how long a request waits for its reply.
func WithTimeout(d time.Duration) Option {
	return func(s *Socket) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Socket) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Socket) { s.logger = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Socket) {
		if d != nil {
			s.dialer = d
		}
	}
}

// Connect creates a Socket for url and starts connecting in the background.
// Failed or closed connections are retried forever after a fixed delay.
func Connect(url string, opts ...Option) *Socket {
	s := &Socket{
		url:            url,
		dialer:         websocket.DefaultDialer,
		timeout:        DefaultTimeout,
		reconnectDelay: DefaultReconnectDelay,
		logger:         log.With().Str("component", "transport").Logger(),
		events:         make(chan func(), eventBufferSize),
		done:           make(chan struct{}),
		pending:        make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	go s.dial()
	return s
}

// URL returns the console endpoint.
func (s *Socket) URL() string { return s.url }

// Connected reports whether a connection is currently open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Pending returns the number of requests waiting for a reply.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnReceive registers a handler for inbound envelopes that are not replies to
// a pending request. Handlers run in registration order.
func (s *Socket) OnReceive(h Callback) {
	s.mu.Lock()
	s.receive = append(s.receive, h)
	s.mu.Unlock()
}

// OnOpen registers a handler run each time a connection opens. A handler
// registered while a connection is already open runs once for it.
func (s *Socket) OnOpen(h func()) {
	s.mu.Lock()
	s.open = append(s.open, h)
	connected := s.current != nil
	s.mu.Unlock()
	if connected {
		go s.post(h)
	}
}

// OnTimeout registers a handler run when a request expires without reply.
// The request's own reply callback is never invoked in that case.
func (s *Socket) OnTimeout(h func(*message.Envelope)) {
	s.mu.Lock()
	s.timeouts = append(s.timeouts, h)
	s.mu.Unlock()
}

// Send transmits env and tracks it until a reply with the same id arrives or
// the timeout elapses. The envelope gets a fresh correlation id unless it
// already carries one that is not pending.
//
// When no connection is open the envelope is dropped and ErrNotConnected is
// returned; callers following fire-and-forget semantics may ignore it.
func (s *Socket) Send(env *message.Envelope, cb Callback) error {
	_, err := s.send(env, cb, nil)
	return err
}

// Request sends env and blocks until its reply arrives, the request times out
// or ctx is done. It must not be called from a handler running on the
// socket's event goroutine, since the reply is delivered there.
func (s *Socket) Request(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	replies := make(chan *message.Envelope, 1)
	expired := make(chan struct{})
	id, err := s.send(env, func(r *message.Envelope) { replies <- r }, func() { close(expired) })
	if err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-expired:
		return nil, fmt.Errorf("%s %s: %w", env.Request.Exec, id, ErrTimeout)
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// Close stops reconnecting, closes the connection and drops pending requests.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.mu.Lock()
		cur := s.current
		s.current = nil
		for id, p := range s.pending {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.resolved = true
			delete(s.pending, id)
		}
		s.mu.Unlock()
		if cur != nil {
			close(cur.stop)
			s.wmu.Lock()
			_ = cur.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cur.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.wmu.Unlock()
			_ = cur.conn.Close()
		}
	})
	return nil
}

func (s *Socket) send(env *message.Envelope, cb Callback, onTimeout func()) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	s.mu.Lock()
	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		s.logger.Warn().Str("exec", env.Request.Exec).Str("type", string(env.Header.Type)).Msg("send before connection is open, dropping")
		return "", ErrNotConnected
	}
	if env.Header.ID == "" || s.pending[env.Header.ID] != nil {
		env.GenerateID()
		for s.pending[env.Header.ID] != nil {
			env.GenerateID()
		}
	}
	id := env.Header.ID
	p := &pending{env: env, callback: cb, onTimeout: onTimeout}
	p.timer = time.AfterFunc(s.timeout, func() {
		s.post(func() { s.expire(id) })
	})
	s.pending[id] = p
	s.mu.Unlock()

	payload, err := env.Marshal()
	if err != nil {
		s.forget(id)
		return id, fmt.Errorf("encode envelope: %w", err)
	}
	s.logger.Debug().Str("id", id).Str("exec", env.Request.Exec).Msg("send")
	if err := s.write(cur.conn, websocket.TextMessage, payload); err != nil {
		s.forget(id)
		s.logger.Warn().Err(err).Str("id", id).Msg("write envelope")
		return id, fmt.Errorf("write envelope: %w", err)
	}
	return id, nil
}

func (s *Socket) write(conn *websocket.Conn, kind int, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(kind, payload)
}

// post queues fn on the event goroutine. It reports false once the socket is closed.
func (s *Socket) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Socket) loop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Socket) dial() {
	if s.closed.Load() {
		return
	}
	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", s.url).Dur("retry", s.reconnectDelay).Msg("connect console")
		s.scheduleReconnect()
		return
	}
	if !s.post(func() { s.opened(conn) }) {
		_ = conn.Close()
	}
}

func (s *Socket) scheduleReconnect() {
	if s.closed.Load() {
		return
	}
	time.AfterFunc(s.reconnectDelay, s.dial)
}

func (s *Socket) opened(conn *websocket.Conn) {
	if s.closed.Load() {
		_ = conn.Close()
		return
	}
	l := &link{conn: conn, stop: make(chan struct{})}
	s.mu.Lock()
	s.current = l
	handlers := append([]func(){}, s.open...)
	s.mu.Unlock()

	s.logger.Info().Str("url", s.url).Msg("console connection open")
	go s.readLoop(l)
	go s.pingLoop(l)
	for _, h := range handlers {
		h()
	}
}

func (s *Socket) lost(l *link, err error) {
	s.mu.Lock()
	if s.current != l {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()
	close(l.stop)
	_ = l.conn.Close()
	if s.closed.Load() {
		return
	}
	s.logger.Info().Err(err).Dur("retry", s.reconnectDelay).Msg("console connection closed, reconnecting")
	s.scheduleReconnect()
}

func (s *Socket) readLoop(l *link) {
	l.conn.SetReadLimit(readLimit)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := l.conn.ReadMessage()
		if err != nil {
			s.post(func() { s.lost(l, err) })
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !s.post(func() { s.handleFrame(payload) }) {
			return
		}
	}
}

func (s *Socket) pingLoop(l *link) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(l.conn, websocket.PingMessage, nil); err != nil {
				s.logger.Debug().Err(err).Msg("ping")
				return
			}
		case <-l.stop:
			return
		}
	}
}

func (s *Socket) handleFrame(payload []byte) {
	env, err := message.Parse(payload)
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("drop malformed envelope")
		return
	}
	if id := env.Header.ID; id != "" {
		if p := s.resolve(id); p != nil {
			if p.callback != nil {
				p.callback(env)
			}
			return
		}
	}
	s.mu.Lock()
	handlers := append([]Callback(nil), s.receive...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// resolve claims the pending record for id. Only the first of reply, timeout
// or cancellation gets it.
func (s *Socket) resolve(id string) *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	if p == nil || p.resolved {
		return nil
	}
	p.resolved = true
	delete(s.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (s *Socket) expire(id string) {
	p := s.resolve(id)
	if p == nil {
		return
	}
	s.logger.Debug().Str("id", id).Str("exec", p.env.Request.Exec).Dur("timeout", s.timeout).Msg("request timed out")
	if p.onTimeout != nil {
		p.onTimeout()
	}
	s.mu.Lock()
	handlers := append([]func(*message.Envelope){}, s.timeouts...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(p.env)
	}
}

func (s *Socket) forget(id string) {
	s.resolve(id)
}
