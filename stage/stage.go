// Package stage follows the stage declared by the console and drives page
// navigation from it.
package stage

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

// Home is the stage every navigator starts on.
const Home = "home"

// ErrRejected is returned when the console answers a stage change with an
// error envelope.
var ErrRejected = errors.New("stage change rejected")

// NavigateFunc performs the page navigation for path.
type NavigateFunc func(path string)

type Navigator struct {
	c        *console.Console
	navigate NavigateFunc
	logger   zerolog.Logger

	mu      sync.Mutex
	current string
	stages  []string
}

type Option func(*Navigator)

func WithLogger(l zerolog.Logger) Option {
	return func(n *Navigator) { n.logger = l }
}

func New(c *console.Console, navigate NavigateFunc, opts ...Option) *Navigator {
	if navigate == nil {
		navigate = func(string) {}
	}
	n := &Navigator{
		c:        c,
		navigate: navigate,
		logger:   log.With().Str("component", "stage").Logger(),
		current:  Home,
		stages:   []string{Home},
	}
	for _, opt := range opts {
		opt(n)
	}
	c.Core().OnStageChange(n.changed)
	return n
}

// Current returns the last stage received from the console.
func (n *Navigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Stages returns the stages declared through InitStages.
func (n *Navigator) Stages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.stages...)
}

// InitStages declares the reachable stages to the console.
func (n *Navigator) InitStages(stages []string) error {
	n.mu.Lock()
	n.stages = append([]string{}, stages...)
	n.mu.Unlock()

	req := message.NewRequest(message.ExecInitStages)
	req.AddParam("stages", append([]string{}, stages...))
	return n.c.SendMessage(req, nil)
}

// Goto asks the console to move every peer to stage. The name is not checked
// against the declared stages; the console decides. A rejection is logged.
func (n *Navigator) Goto(stage string) error {
	return n.c.SendMessage(gotoRequest(stage), func(resp *message.Envelope) {
		if resp.Header.Type == message.TypeError {
			n.logger.Warn().Str("stage", stage).Msg("stage change rejected")
		}
	})
}

// GotoContext is Goto waiting for the console's answer.
func (n *Navigator) GotoContext(ctx context.Context, stage string) error {
	resp, err := n.c.Request(ctx, gotoRequest(stage))
	if err != nil {
		return fmt.Errorf("goto %q: %w", stage, err)
	}
	if resp.Header.Type == message.TypeError {
		return fmt.Errorf("goto %q: %w", stage, ErrRejected)
	}
	return nil
}

// Path is the page path for stage under the console's role.
func (n *Navigator) Path(stage string) string {
	return "/game/" + string(n.c.Role()) + "/" + stage
}

func gotoRequest(stage string) *message.Envelope {
	req := message.NewRequest(message.ExecChangeStage)
	req.AddParam("stage", stage)
	return req
}

func (n *Navigator) changed(from message.Peer, stage string) {
	// clear before navigating: handlers added by the next page must survive
	n.c.DestroyEvents()

	n.mu.Lock()
	n.current = stage
	n.mu.Unlock()

	path := n.Path(stage)
	n.logger.Info().Str("from", string(from)).Str("stage", stage).Str("path", path).Msg("stage changed")
	n.navigate(path)
}
