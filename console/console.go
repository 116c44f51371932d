// Package console is the dispatch hub between the console socket and the
// game components. It stamps outbound envelopes with the local role, gates
// work on connection readiness and fans inbound envelopes out to handler
// sets by type.
package console

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/message"
	"github.com/gosuda/koppelia/transport"
)

// Transport is the channel the Console sends through. *transport.Socket
// satisfies it.
type Transport interface {
	Send(env *message.Envelope, cb transport.Callback) error
	Request(ctx context.Context, env *message.Envelope) (*message.Envelope, error)
	OnReceive(h transport.Callback)
	OnOpen(h func())
}

// RoleFunc yields the role of the current page. Only PeerController and
// PeerMonitor are stamped; anything else is sent as PeerNone.
type RoleFunc func() message.Peer

type (
	StateHandler       func(from message.Peer, state map[string]any, update bool)
	StageHandler       func(from message.Peer, stage string)
	DataHandler        func(from message.Peer, data message.Data)
	DeviceEventHandler func(device, fromAddr, event string)
	DeviceDataHandler  func(fromAddr string, data message.Data)
	RequestHandler     func(req Request)
)

// Request is an inbound request that is neither a state nor a stage change.
// Payload is the typed view of Params.
type Request struct {
	Exec     string
	Params   message.Params
	Payload  message.Payload
	From     message.Peer
	FromAddr string
}

type handlerSet struct {
	state       []StateHandler
	stage       []StageHandler
	data        []DataHandler
	deviceEvent []DeviceEventHandler
	deviceData  []DeviceDataHandler
	request     []RequestHandler
}

type Console struct {
	t      Transport
	role   RoleFunc
	logger zerolog.Logger

	mu         sync.Mutex
	ready      bool
	readyQueue []func()
	onConnect  []func()
	core       handlerSet
	page       handlerSet
}

type Option func(*Console)

func WithRole(fn RoleFunc) Option {
	return func(c *Console) {
		if fn != nil {
			c.role = fn
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Console) { c.logger = l }
}

// New wires a Console onto t.
func New(t Transport, opts ...Option) *Console {
	c := &Console{
		t:      t,
		role:   func() message.Peer { return message.PeerNone },
		logger: log.With().Str("component", "console").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	t.OnOpen(c.opened)
	t.OnReceive(c.dispatch)
	return c
}

// Ready reports whether the console connection has opened at least once.
func (c *Console) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Role returns the role outbound envelopes are stamped with.
func (c *Console) Role() message.Peer {
	switch r := c.role(); r {
	case message.PeerController, message.PeerMonitor:
		return r
	}
	return message.PeerNone
}

// OnReady runs fn once the connection is open. If it already is, fn runs
// immediately on the calling goroutine.
func (c *Console) OnReady(fn func()) {
	c.mu.Lock()
	if !c.ready {
		c.readyQueue = append(c.readyQueue, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// OnConnect runs fn on every connection open, reconnects included. It is
// not cleared by DestroyEvents.
func (c *Console) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Console) opened() {
	c.mu.Lock()
	c.ready = true
	queue := c.readyQueue
	c.readyQueue = nil
	connect := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	for _, fn := range connect {
		fn()
	}
	for _, fn := range queue {
		fn()
	}
}

// SendMessage stamps env with the local role and sends it. cb fires at most
// once with the correlated reply.
func (c *Console) SendMessage(env *message.Envelope, cb transport.Callback) error {
	env.SetSource(c.Role(), "")
	return c.t.Send(env, cb)
}

// Request stamps env and blocks until the reply, a timeout or ctx is done.
func (c *Console) Request(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	env.SetSource(c.Role(), "")
	return c.t.Request(ctx, env)
}

// Identify announces the page role to the console.
func (c *Console) Identify(role message.Peer) error {
	env := message.New()
	env.SetIdentification(role)
	return c.t.Send(env, nil)
}

// SendDataTo sends a data exchange to every peer of the given role.
func (c *Console) SendDataTo(to message.Peer, data message.Data) error {
	env := message.New()
	env.SetType(message.TypeDataExchange)
	env.SetData(data)
	env.SetDestination(to, "")
	return c.SendMessage(env, nil)
}

// Page handlers. They are cleared by DestroyEvents.

func (c *Console) OnStateChange(h StateHandler)       { c.Page().OnStateChange(h) }
func (c *Console) OnStageChange(h StageHandler)       { c.Page().OnStageChange(h) }
func (c *Console) OnDataExchange(h DataHandler)       { c.Page().OnDataExchange(h) }
func (c *Console) OnDeviceEvent(h DeviceEventHandler) { c.Page().OnDeviceEvent(h) }
func (c *Console) OnDeviceData(h DeviceDataHandler)   { c.Page().OnDeviceData(h) }
func (c *Console) OnRequest(h RequestHandler)         { c.Page().OnRequest(h) }

// DestroyEvents drops every page handler at once. Core handlers survive.
func (c *Console) DestroyEvents() {
	c.mu.Lock()
	c.page = handlerSet{}
	c.mu.Unlock()
	c.logger.Debug().Msg("page handlers cleared")
}

// Core returns the registrar for long-lived components such as state sync
// or the option registry. Core handlers run before page handlers.
func (c *Console) Core() Registrar { return Registrar{c: c, core: true} }

// Page returns the registrar for page handlers.
func (c *Console) Page() Registrar { return Registrar{c: c} }

// Registrar adds handlers to one of the Console's handler sets.
type Registrar struct {
	c    *Console
	core bool
}

func (r Registrar) with(fn func(s *handlerSet)) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.core {
		fn(&r.c.core)
		return
	}
	fn(&r.c.page)
}

func (r Registrar) OnStateChange(h StateHandler) {
	r.with(func(s *handlerSet) { s.state = append(s.state, h) })
}

func (r Registrar) OnStageChange(h StageHandler) {
	r.with(func(s *handlerSet) { s.stage = append(s.stage, h) })
}

func (r Registrar) OnDataExchange(h DataHandler) {
	r.with(func(s *handlerSet) { s.data = append(s.data, h) })
}

func (r Registrar) OnDeviceEvent(h DeviceEventHandler) {
	r.with(func(s *handlerSet) { s.deviceEvent = append(s.deviceEvent, h) })
}

func (r Registrar) OnDeviceData(h DeviceDataHandler) {
	r.with(func(s *handlerSet) { s.deviceData = append(s.deviceData, h) })
}

func (r Registrar) OnRequest(h RequestHandler) {
	r.with(func(s *handlerSet) { s.request = append(s.request, h) })
}

// snapshot copies the handlers so they may register more while running.
func (c *Console) snapshot() handlerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return handlerSet{
		state:       append(append([]StateHandler{}, c.core.state...), c.page.state...),
		stage:       append(append([]StageHandler{}, c.core.stage...), c.page.stage...),
		data:        append(append([]DataHandler{}, c.core.data...), c.page.data...),
		deviceEvent: append(append([]DeviceEventHandler{}, c.core.deviceEvent...), c.page.deviceEvent...),
		deviceData:  append(append([]DeviceDataHandler{}, c.core.deviceData...), c.page.deviceData...),
		request:     append(append([]RequestHandler{}, c.core.request...), c.page.request...),
	}
}

func (c *Console) dispatch(env *message.Envelope) {
	h := env.Header
	switch h.Type {
	case message.TypeRequest:
		p, err := env.Payload()
		if err != nil {
			c.logger.Warn().Err(err).Str("exec", env.Request.Exec).Msg("drop request")
			return
		}
		set := c.snapshot()
		switch v := p.(type) {
		case message.ChangeState:
			for _, fn := range set.state {
				fn(h.From, v.State, v.Update)
			}
		case message.ChangeStage:
			for _, fn := range set.stage {
				fn(h.From, v.Stage)
			}
		default:
			req := Request{
				Exec:     env.Request.Exec,
				Params:   env.Request.Params,
				Payload:  p,
				From:     h.From,
				FromAddr: h.FromAddr,
			}
			for _, fn := range set.request {
				fn(req)
			}
		}
	case message.TypeDataExchange:
		for _, fn := range c.snapshot().data {
			fn(h.From, env.Data)
		}
	case message.TypeDeviceEvent:
		for _, fn := range c.snapshot().deviceEvent {
			fn(h.Device, h.FromAddr, env.Event)
		}
	case message.TypeDeviceData:
		for _, fn := range c.snapshot().deviceData {
			fn(h.FromAddr, env.Data)
		}
	default:
		c.logger.Debug().Str("type", string(h.Type)).Str("id", h.ID).Msg("drop envelope")
	}
}
