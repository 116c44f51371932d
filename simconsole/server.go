// Package simconsole is an in-process Koppelia console. It speaks the same
// websocket protocol as the real console: it holds the authoritative state
// document, the stage list and the game options, relays data exchanges and
// answers requests from controller and monitor pages.
package simconsole

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/message"
)

const commandBufferSize = 256

// Play record keys read by the listing.
const (
	playNameKey = "playName"
	playDateKey = "playCreationDate"
)

// Server owns all console data on a single loop goroutine; peers and HTTP
// handlers reach it through enqueued commands.
type Server struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	store    *Store

	commands  chan func()
	closing   chan struct{}
	closeOnce sync.Once

	// owned by loop
	nextPeer int
	peers    map[*peer]struct{}
	state    map[string]any
	options  map[string]map[string]any
	stages   []string
	stage    string
	devices  []map[string]any
	plays    map[string]map[string]any

	// static content, fixed after New
	gameID   string
	playsDir string
	mediaDir string
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStore persists state, options and stages in st and reloads them on start.
func WithStore(st *Store) Option {
	return func(s *Server) { s.store = st }
}

// WithStages declares the stage list up front.
func WithStages(stages ...string) Option {
	return func(s *Server) { s.stages = append([]string{}, stages...) }
}

// WithDevices sets the records answered to getDevices.
func WithDevices(devices ...map[string]any) Option {
	return func(s *Server) { s.devices = append(s.devices, devices...) }
}

// WithPlays sets the raw play records keyed by play id.
func WithPlays(plays map[string]map[string]any) Option {
	return func(s *Server) {
		for id, p := range plays {
			s.plays[id] = p
		}
	}
}

// WithGameID sets the id answered on /game/api/gameid.
func WithGameID(id string) Option {
	return func(s *Server) { s.gameID = id }
}

// WithPlaysDir serves downloaded play files laid out as <dir>/<playId>/<file>.
func WithPlaysDir(dir string) Option {
	return func(s *Server) { s.playsDir = dir }
}

// WithMediaDir serves dir under /media/.
func WithMediaDir(dir string) Option {
	return func(s *Server) { s.mediaDir = dir }
}

// WithOption seeds a game option.
func WithOption(name string, value any, kind string, config map[string]any) Option {
	return func(s *Server) { s.options[name] = optionRecord(value, kind, config) }
}

func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger: log.With().Str("component", "simconsole").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		commands: make(chan func(), commandBufferSize),
		closing:  make(chan struct{}),
		peers:    make(map[*peer]struct{}),
		state:    map[string]any{},
		options:  map[string]map[string]any{},
		stage:    "home",
		plays:    map[string]map[string]any{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.loop()
	return s, nil
}

func (s *Server) load() error {
	if _, err := s.store.get(keyState, &s.state); err != nil {
		return err
	}
	if _, err := s.store.get(keyOptions, &s.options); err != nil {
		return err
	}
	if _, err := s.store.get(keyStages, &s.stages); err != nil {
		return err
	}
	if _, err := s.store.get(keyStage, &s.stage); err != nil {
		return err
	}
	if s.state == nil {
		s.state = map[string]any{}
	}
	if s.options == nil {
		s.options = map[string]map[string]any{}
	}
	return nil
}

func (s *Server) loop() {
	for {
		select {
		case fn := <-s.commands:
			fn()
		case <-s.closing:
			for p := range s.peers {
				p.close()
			}
			return
		}
	}
}

func (s *Server) enqueue(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.closing:
	}
}

// do runs fn on the loop and waits for it.
func (s *Server) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(done) }:
	case <-s.closing:
		return false
	}
	select {
	case <-done:
		return true
	case <-s.closing:
		return false
	}
}

// Close disconnects every peer and stops the loop. The store is not closed.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// ServeWS upgrades r and attaches the connection as a peer.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("upgrade websocket")
		return
	}
	p := &peer{addr: r.RemoteAddr, conn: conn, srv: s, send: make(chan []byte, sendBufferSize), role: message.PeerNone}
	if !s.do(func() {
		s.nextPeer++
		p.id = s.nextPeer
		s.peers[p] = struct{}{}
	}) {
		_ = conn.Close()
		return
	}
	s.logger.Info().Int("peer", p.id).Str("remote", p.addr).Msg("peer attached")
	go p.writeLoop()
	p.readLoop()
}

func (s *Server) detach(p *peer) {
	s.enqueue(func() {
		if _, ok := s.peers[p]; !ok {
			return
		}
		delete(s.peers, p)
		p.close()
		s.logger.Info().Int("peer", p.id).Str("role", string(p.role)).Msg("peer detached")
	})
}

// Snapshot is the debug view of the console data.
type Snapshot struct {
	State   map[string]any            `json:"state"`
	Stage   string                    `json:"stage"`
	Stages  []string                  `json:"stages"`
	Options map[string]map[string]any `json:"options"`
	Peers   map[string]int            `json:"peers"`
}

// Snapshot copies the console data.
func (s *Server) Snapshot() Snapshot {
	var snap Snapshot
	s.do(func() {
		snap = Snapshot{
			State:   cloneMap(s.state),
			Stage:   s.stage,
			Stages:  append([]string{}, s.stages...),
			Options: make(map[string]map[string]any, len(s.options)),
			Peers:   map[string]int{},
		}
		for name, rec := range s.options {
			snap.Options[name] = cloneMap(rec)
		}
		for p := range s.peers {
			snap.Peers[string(p.role)]++
		}
	})
	return snap
}

// EmitDeviceEvent sends a device event to every page, as if the device at
// addr had fired it.
func (s *Server) EmitDeviceEvent(device, addr, event string) {
	s.enqueue(func() {
		env := message.New()
		env.SetType(message.TypeDeviceEvent)
		env.SetSource(message.PeerDevice, addr)
		env.Header.Device = device
		env.Event = event
		s.broadcast(env, nil)
	})
}

// EmitDeviceData sends a data frame from the device at addr to every page.
func (s *Server) EmitDeviceData(addr string, data message.Data) {
	s.enqueue(func() {
		env := message.New()
		env.SetType(message.TypeDeviceData)
		env.SetSource(message.PeerDevice, addr)
		env.SetData(data)
		s.broadcast(env, nil)
	})
}

// broadcast pushes env to every peer except skip.
func (s *Server) broadcast(env *message.Envelope, skip *peer) {
	for p := range s.peers {
		if p == skip {
			continue
		}
		p.push(env)
	}
}

func (s *Server) handle(p *peer, env *message.Envelope) {
	switch env.Header.Type {
	case message.TypeIdentification:
		p.role = env.Header.From
		s.logger.Info().Int("peer", p.id).Str("role", string(p.role)).Msg("peer identified")
	case message.TypeDataExchange:
		s.relay(p, env)
	case message.TypeRequest:
		s.request(p, env)
	default:
		s.logger.Debug().Str("type", string(env.Header.Type)).Int("peer", p.id).Msg("ignore envelope")
	}
}

// relay forwards a data exchange to the peers of the addressed role, or to
// every other peer when no role is addressed.
func (s *Server) relay(from *peer, env *message.Envelope) {
	out := env.Clone()
	out.Header.ID = ""
	if out.Header.From == message.PeerNone {
		out.Header.From = from.role
	}
	to := env.Header.To
	for p := range s.peers {
		if p == from {
			continue
		}
		if to != message.PeerNone && to != "" && p.role != to {
			continue
		}
		p.push(out)
	}
}

func (s *Server) request(p *peer, env *message.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		p.push(errorReply(env, err.Error()))
		return
	}
	reply := env.Reply()
	reply.SetSource(message.PeerKoppelia, "")

	switch v := payload.(type) {
	case message.ChangeState:
		if v.Update {
			for k, val := range v.State {
				s.state[k] = val
			}
		} else {
			s.state = cloneMap(v.State)
		}
		s.persist(keyState, s.state)
		s.broadcast(notify(env.Header.From, message.ExecChangeState, message.Params{
			"state":  cloneMap(v.State),
			"update": v.Update,
		}), p)

	case message.InitStages:
		s.stages = append([]string{}, v.Stages...)
		s.persist(keyStages, s.stages)

	case message.ChangeStage:
		if !s.knownStage(v.Stage) {
			p.push(errorReply(env, fmt.Sprintf("unknown stage %q", v.Stage)))
			return
		}
		s.stage = v.Stage
		s.persist(keyStage, s.stage)
		s.broadcast(notify(env.Header.From, message.ExecChangeStage, message.Params{"stage": v.Stage}), nil)

	default:
		if !s.generic(p, env, reply) {
			return
		}
	}
	p.push(reply)
}

// generic answers the requests without a typed payload. It reports whether
// reply should be sent.
func (s *Server) generic(p *peer, env *message.Envelope, reply *message.Envelope) bool {
	switch env.Request.Exec {
	case message.ExecGetState:
		reply.AddParam("state", cloneMap(s.state))
		reply.AddParam("stage", s.stage)

	case message.ExecGetGameOptions:
		all := make(map[string]any, len(s.options))
		for name, rec := range s.options {
			all[name] = cloneMap(rec)
		}
		reply.AddParam("gameOptions", all)

	case message.ExecSetGameOption:
		name, _ := env.Param("name", "").(string)
		if name == "" {
			p.push(errorReply(env, "option name required"))
			return false
		}
		kind, _ := env.Param("type", "").(string)
		config, _ := env.Param("config", nil).(map[string]any)
		rec := optionRecord(env.Param("value", nil), kind, config)
		s.options[name] = rec
		s.persist(keyOptions, s.options)
		s.broadcast(notify(message.PeerMaster, message.ExecGameOptionNotification, message.Params{
			"name":  name,
			"value": cloneMap(rec),
		}), nil)

	case message.ExecGetDevices:
		list := make([]any, 0, len(s.devices))
		for _, d := range s.devices {
			list = append(list, cloneMap(d))
		}
		reply.AddParam("devices", list)

	case message.ExecGetPlaysList:
		reply.AddParam("plays", s.playsPage(env))

	case message.ExecGetPlayRaw:
		id, _ := env.Param("playId", "").(string)
		rec, ok := s.plays[id]
		if !ok {
			p.push(errorReply(env, fmt.Sprintf("unknown play %q", id)))
			return false
		}
		reply.AddParam("play", cloneMap(rec))

	case message.ExecSetColor, message.ExecVibrate, message.ExecEnableModule, message.ExecAttachEvent:
		s.logger.Info().Str("exec", env.Request.Exec).Str("device", env.Header.ToAddr).Interface("params", env.Request.Params).Msg("device command")

	default:
		p.push(errorReply(env, fmt.Sprintf("unknown exec %q", env.Request.Exec)))
		return false
	}
	return true
}

// playsPage lists one page of plays without their heavy raw fields.
// orderBy "name" sorts on playName; anything else sorts newest first on
// playCreationDate, with undated plays last. Ties keep id order.
func (s *Server) playsPage(env *message.Envelope) map[string]any {
	ids := make([]string, 0, len(s.plays))
	for id := range s.plays {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	field := func(id, key string) string {
		v, _ := s.plays[id][key].(string)
		return v
	}
	if orderBy, _ := env.Param("orderBy", "date").(string); orderBy == "name" {
		sort.SliceStable(ids, func(i, j int) bool {
			return field(ids[i], playNameKey) < field(ids[j], playNameKey)
		})
	} else {
		sort.SliceStable(ids, func(i, j int) bool {
			di, dj := field(ids[i], playDateKey), field(ids[j], playDateKey)
			if di == "" || dj == "" {
				return di != "" && dj == ""
			}
			return di > dj
		})
	}

	index := intParam(env, "index", 0)
	count := intParam(env, "count", 10)
	if index < 0 {
		index = 0
	}
	if index > len(ids) {
		index = len(ids)
	}
	end := index + count
	if count <= 0 || end > len(ids) || end < index {
		end = len(ids)
	}
	out := make(map[string]any, end-index)
	for _, id := range ids[index:end] {
		rec := map[string]any{}
		for k, v := range s.plays[id] {
			if !strings.HasPrefix(k, "_") {
				rec[k] = v
			}
		}
		out[id] = rec
	}
	return out
}

func (s *Server) knownStage(stage string) bool {
	for _, known := range s.stages {
		if known == stage {
			return true
		}
	}
	return false
}

func (s *Server) persist(key string, v any) {
	if err := s.store.put(key, v); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("persist")
	}
}

func notify(from message.Peer, exec string, params message.Params) *message.Envelope {
	env := message.NewRequest(exec)
	env.SetSource(from, "")
	for k, v := range params {
		env.AddParam(k, v)
	}
	return env
}

func errorReply(req *message.Envelope, reason string) *message.Envelope {
	r := req.Reply()
	r.SetType(message.TypeError)
	r.SetSource(message.PeerKoppelia, "")
	r.AddParam("error", reason)
	return r
}

func optionRecord(value any, kind string, config map[string]any) map[string]any {
	var t any
	if kind != "" {
		t = kind
	}
	if config == nil {
		config = map[string]any{}
	}
	return map[string]any{"value": value, "type": t, "config": config}
}

func intParam(env *message.Envelope, key string, def int) int {
	switch v := env.Param(key, def).(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return message.Params(m).Clone()
}
