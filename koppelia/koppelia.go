// Package koppelia assembles a game page: one console connection with the
// state document, stage navigator, option registry and custom callbacks
// bound to it.
package koppelia

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/config"
	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/content"
	"github.com/gosuda/koppelia/customcb"
	"github.com/gosuda/koppelia/device"
	"github.com/gosuda/koppelia/message"
	"github.com/gosuda/koppelia/option"
	"github.com/gosuda/koppelia/stage"
	"github.com/gosuda/koppelia/state"
	"github.com/gosuda/koppelia/transport"
)

type App struct {
	cfg    *config.Config
	role   message.Peer
	logger zerolog.Logger
	media  content.MediaLinker

	socket    *transport.Socket
	console   *console.Console
	state     *state.Sync
	stage     *stage.Navigator
	options   *option.Registry
	callbacks *customcb.Registry
}

type settings struct {
	navigate stage.NavigateFunc
	logger   zerolog.Logger
	role     string
	dial     []transport.Option
}

type Option func(*settings)

// WithNavigate sets the function called with the page path on every stage change.
func WithNavigate(fn stage.NavigateFunc) Option {
	return func(s *settings) { s.navigate = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRole overrides the role from the configuration.
func WithRole(role message.Peer) Option {
	return func(s *settings) { s.role = string(role) }
}

// WithTransportOptions passes extra options to the socket.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(s *settings) { s.dial = append(s.dial, opts...) }
}

// New connects to the console named by cfg. The connection is made in the
// background; components queue their work until it is ready.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	st := settings{
		logger: log.With().Str("component", "koppelia").Logger(),
		role:   cfg.Role,
	}
	for _, opt := range opts {
		opt(&st)
	}

	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("resolve console endpoint: %w", err)
	}

	a := &App{
		cfg:    cfg,
		role:   message.ParsePeer(st.role),
		logger: st.logger,
		media:  content.BaseURL(cfg.MediaBase()),
	}
	topts := append([]transport.Option{
		transport.WithTimeout(cfg.Timeout()),
		transport.WithReconnectDelay(cfg.Backoff()),
	}, st.dial...)
	a.socket = transport.Connect(endpoint, topts...)
	a.console = console.New(a.socket, console.WithRole(func() message.Peer { return a.role }))
	a.console.OnConnect(a.identify)
	a.state = state.New(a.console, nil)
	a.stage = stage.New(a.console, st.navigate)
	a.options = option.New(a.console)
	a.callbacks = customcb.New(a.console)

	a.logger.Info().Str("endpoint", endpoint).Str("role", string(a.role)).Msg("koppelia app started")
	return a, nil
}

func (a *App) identify() {
	switch a.role {
	case message.PeerController, message.PeerMonitor:
		if err := a.console.Identify(a.role); err != nil {
			a.logger.Warn().Err(err).Msg("identify")
			return
		}
		a.logger.Debug().Str("role", string(a.role)).Msg("identified")
	default:
		a.logger.Warn().Str("role", string(a.role)).Msg("cannot identify role")
	}
}

// Init seeds the game once the console is ready. Only a controller writes:
// it replaces the console state with defaultState and declares stages.
func (a *App) Init(defaultState map[string]any, stages []string) {
	a.console.OnReady(func() {
		if a.role != message.PeerController {
			return
		}
		a.state.SetState(defaultState, true)
		if err := a.stage.InitStages(stages); err != nil {
			a.logger.Warn().Err(err).Msg("init stages")
		}
	})
}

func (a *App) Role() message.Peer            { return a.role }
func (a *App) Ready() bool                   { return a.console.Ready() }
func (a *App) OnReady(fn func())             { a.console.OnReady(fn) }
func (a *App) Console() *console.Console     { return a.console }
func (a *App) State() *state.Sync            { return a.state }
func (a *App) Stage() *stage.Navigator       { return a.stage }
func (a *App) Options() *option.Registry     { return a.options }
func (a *App) Callbacks() *customcb.Registry { return a.callbacks }

// GameID is the configured game id sent with play queries.
func (a *App) GameID() string { return a.cfg.GameID }

// MediaLink resolves a media path against the configured media server.
func (a *App) MediaLink(path string) string { return a.media.MediaLink(path) }

// SetState replaces the shared state.
func (a *App) SetState(st map[string]any) { a.state.SetState(st, false) }

// UpdateState merges partial into the shared state.
func (a *App) UpdateState(partial map[string]any) { a.state.UpdateState(partial) }

// Goto asks the console to move every page to stageName. The console
// rejects stages missing from the declared list.
func (a *App) Goto(stageName string) error { return a.stage.Goto(stageName) }

// Devices lists the devices known to the console. Their event subscriptions
// survive stage changes.
func (a *App) Devices(ctx context.Context) ([]*device.Device, error) {
	req := message.NewRequest(message.ExecGetDevices)
	req.SetDestination(message.PeerMaster, "")
	resp, err := a.console.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get devices: %w", err)
	}
	raw, _ := resp.Param("devices", nil).([]any)
	devices := make([]*device.Device, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			a.logger.Warn().Interface("device", item).Msg("skip malformed device record")
			continue
		}
		d, err := device.FromObject(a.console, obj, device.WithRegistrar(a.console.Core()))
		if err != nil {
			a.logger.Warn().Err(err).Msg("skip malformed device record")
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Plays lists count plays of this game from index, ordered by "date" or "name".
func (a *App) Plays(ctx context.Context, count, index int, orderBy string) ([]*content.Play, error) {
	if orderBy == "" {
		orderBy = "date"
	}
	return content.ListPlays(ctx, a.console, a.GameID(), count, index, orderBy)
}

// Close drops the console connection.
func (a *App) Close() error {
	return a.socket.Close()
}
