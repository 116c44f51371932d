// Package consoletest provides an in-memory Transport for driving a Console
// synchronously in tests.
package consoletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gosuda/koppelia/message"
	"github.com/gosuda/koppelia/transport"
)

// Fake records outbound envelopes and lets a test play the remote side.
// Inbound envelopes are dispatched on the caller's goroutine.
type Fake struct {
	mu        sync.Mutex
	open      bool
	nextID    int
	sent      []*message.Envelope
	callbacks map[string]transport.Callback
	receive   []transport.Callback
	onOpen    []func()
}

func New() *Fake {
	return &Fake{callbacks: make(map[string]transport.Callback)}
}

func (f *Fake) Send(env *message.Envelope, cb transport.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transport.ErrNotConnected
	}
	if env.Header.ID == "" {
		f.nextID++
		env.Header.ID = fmt.Sprintf("fake-%d", f.nextID)
	}
	if cb != nil {
		f.callbacks[env.Header.ID] = cb
	}
	f.sent = append(f.sent, env.Clone())
	return nil
}

func (f *Fake) Request(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	replies := make(chan *message.Envelope, 1)
	if err := f.Send(env, func(r *message.Envelope) { replies <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.callbacks, env.Header.ID)
		f.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (f *Fake) OnReceive(h transport.Callback) {
	f.mu.Lock()
	f.receive = append(f.receive, h)
	f.mu.Unlock()
}

func (f *Fake) OnOpen(h func()) {
	f.mu.Lock()
	f.onOpen = append(f.onOpen, h)
	f.mu.Unlock()
}

// Open marks the transport connected and runs the open handlers.
func (f *Fake) Open() {
	f.mu.Lock()
	f.open = true
	handlers := append([]func(){}, f.onOpen...)
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// Deliver hands env to the pending callback with the same id, or to every
// receive handler when nothing is pending.
func (f *Fake) Deliver(env *message.Envelope) {
	f.mu.Lock()
	cb, ok := f.callbacks[env.Header.ID]
	if ok {
		delete(f.callbacks, env.Header.ID)
	}
	handlers := append([]transport.Callback{}, f.receive...)
	f.mu.Unlock()
	if ok {
		cb(env)
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

// Reply answers req with a response carrying params.
func (f *Fake) Reply(req *message.Envelope, params message.Params) {
	r := req.Reply()
	for k, v := range params {
		r.AddParam(k, v)
	}
	f.Deliver(r)
}

// Push delivers a request from the remote side.
func (f *Fake) Push(from message.Peer, exec string, params message.Params) {
	env := message.NewRequest(exec)
	env.SetSource(from, "")
	for k, v := range params {
		env.AddParam(k, v)
	}
	f.Deliver(env)
}

// Sent returns copies of every envelope sent so far.
func (f *Fake) Sent() []*message.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Envelope{}, f.sent...)
}

// SentExec returns the sent requests for exec.
func (f *Fake) SentExec(exec string) []*message.Envelope {
	var out []*message.Envelope
	for _, env := range f.Sent() {
		if env.Request.Exec == exec {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent request for exec, or nil.
func (f *Fake) Last(exec string) *message.Envelope {
	all := f.SentExec(exec)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// Reset forgets the sent envelopes.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}
