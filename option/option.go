// Package option keeps the game options published by the console.
package option

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/message"
)

// Kind tags the control used to edit an option.
type Kind string

const (
	KindSlider  Kind = "slider"
	KindSwitch  Kind = "switch"
	KindChoices Kind = "choices"
	KindNone    Kind = "none"
)

// Valid reports whether k is empty or one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case "", KindSlider, KindSwitch, KindChoices, KindNone:
		return true
	}
	return false
}

var ErrRejected = errors.New("option change rejected")

// Option is one named game parameter. Config holds kind specific metadata
// such as min, max, step, label or choices.
type Option struct {
	Name   string
	Value  any
	Kind   Kind
	Config map[string]any
}

// ChangedFunc receives the option record sent by the console; the new value
// is under "value".
type ChangedFunc func(value map[string]any)

type Registry struct {
	c      *console.Console
	logger zerolog.Logger

	mu        sync.Mutex
	options   map[string]Option
	callbacks map[string]ChangedFunc
}

type RegistryOption func(*Registry)

func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// New binds a registry to c. The option set is fetched once the console is
// ready; that first seed does not run callbacks.
func New(c *console.Console, opts ...RegistryOption) *Registry {
	r := &Registry{
		c:         c,
		logger:    log.With().Str("component", "option").Logger(),
		options:   make(map[string]Option),
		callbacks: make(map[string]ChangedFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	c.Core().OnRequest(r.request)
	c.OnReady(func() {
		if err := r.UpdateFromServer(); err != nil {
			r.logger.Warn().Err(err).Msg("fetch game options")
		}
	})
	return r
}

// Get returns the value of name.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.options[name]
	return o.Value, ok
}

// Lookup returns the full record of name.
func (r *Registry) Lookup(name string) (Option, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.options[name]
	return o, ok
}

// Values returns a copy of every option value by name.
func (r *Registry) Values() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.options))
	for name, o := range r.options {
		out[name] = o.Value
	}
	return out
}

// SetOption asks the master to create or change an option. The local
// registry only changes when the console notifies the new value.
func (r *Registry) SetOption(name string, value any, kind Kind, config map[string]any) error {
	return r.c.SendMessage(setRequest(name, value, kind, config), nil)
}

// SetOptionContext is SetOption waiting for the console's answer.
func (r *Registry) SetOptionContext(ctx context.Context, name string, value any, kind Kind, config map[string]any) error {
	resp, err := r.c.Request(ctx, setRequest(name, value, kind, config))
	if err != nil {
		return fmt.Errorf("set option %q: %w", name, err)
	}
	if resp.Header.Type == message.TypeError {
		return fmt.Errorf("set option %q: %w", name, ErrRejected)
	}
	return nil
}

func setRequest(name string, value any, kind Kind, config map[string]any) *message.Envelope {
	if config == nil {
		config = map[string]any{}
	}
	req := message.NewRequest(message.ExecSetGameOption)
	req.SetDestination(message.PeerMaster, "")
	req.AddParam("name", name)
	req.AddParam("value", value)
	if kind == "" {
		req.AddParam("type", nil)
	} else {
		req.AddParam("type", string(kind))
	}
	req.AddParam("config", config)
	return req
}

// OnOptionChanged sets the callback for name, replacing any earlier one.
func (r *Registry) OnOptionChanged(name string, fn ChangedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.callbacks, name)
		return
	}
	r.callbacks[name] = fn
}

// UpdateFromServer reseeds the registry from getGameOptions without
// running callbacks.
func (r *Registry) UpdateFromServer() error {
	req := message.NewRequest(message.ExecGetGameOptions)
	return r.c.SendMessage(req, func(resp *message.Envelope) {
		all, ok := resp.Param("gameOptions", nil).(map[string]any)
		if !ok {
			return
		}
		for name, raw := range all {
			record, ok := raw.(map[string]any)
			if !ok {
				r.logger.Warn().Str("option", name).Msg("ignore malformed option record")
				continue
			}
			r.store(name, record)
		}
		r.logger.Debug().Int("options", len(all)).Msg("options seeded")
	})
}

func (r *Registry) request(req console.Request) {
	n, ok := req.Payload.(message.OptionNotification)
	if !ok {
		return
	}
	r.store(n.Name, n.Value)

	r.mu.Lock()
	fn := r.callbacks[n.Name]
	r.mu.Unlock()
	if fn != nil {
		fn(n.Value)
	}
}

// store records the value of name. Kind and config are kept from the earlier
// record when the new one omits them.
func (r *Registry) store(name string, record map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.options[name]
	if !ok {
		o = Option{Name: name, Kind: KindNone}
	}
	o.Value = record["value"]
	if k, ok := record["type"].(string); ok && k != "" {
		o.Kind = Kind(k)
	}
	if cfg, ok := record["config"].(map[string]any); ok {
		o.Config = cfg
	}
	r.options[name] = o
}
