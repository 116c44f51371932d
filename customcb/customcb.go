// Package customcb runs named callbacks on other pages through data
// exchanges.
package customcb

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/message"
)

// Data keys on the wire. The name key keeps the spelling peers already use.
const (
	NameKey = "custumCallbackName"
	ArgsKey = "customCallbackArgs"
)

type Func func(args map[string]any)

type Registry struct {
	c      *console.Console
	logger zerolog.Logger

	mu  sync.Mutex
	fns map[string]Func
}

func New(c *console.Console) *Registry {
	r := &Registry{
		c:      c,
		logger: log.With().Str("component", "customcb").Logger(),
		fns:    make(map[string]Func),
	}
	c.Core().OnDataExchange(r.received)
	return r
}

// Run asks every peer to run the callback registered under name.
func (r *Registry) Run(name string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode callback args: %w", err)
	}
	env := message.New()
	env.SetType(message.TypeDataExchange)
	env.AddData(NameKey, name)
	env.AddData(ArgsKey, string(b))
	env.SetDestination(message.PeerNone, "")
	return r.c.SendMessage(env, nil)
}

// Register sets the callback for name, replacing any earlier one.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.fns[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.fns, name)
	r.mu.Unlock()
}

func (r *Registry) received(from message.Peer, data message.Data) {
	name, ok := data[NameKey]
	if !ok {
		return
	}
	rawArgs, ok := data[ArgsKey]
	if !ok {
		return
	}
	r.mu.Lock()
	fn := r.fns[name]
	r.mu.Unlock()
	if fn == nil {
		return
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		r.logger.Warn().Err(err).Str("callback", name).Str("from", string(from)).Msg("drop callback with bad args")
		return
	}
	fn(args)
}
