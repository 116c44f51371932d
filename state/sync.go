// Package state keeps the shared game state document in step with the
// console. Local writes go out as changeState diffs against the last
// acknowledged snapshot; remote writes are applied without echoing back.
package state

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/message"
)

type Sync struct {
	doc    *Document
	c      *console.Console
	logger zerolog.Logger

	mu       sync.Mutex
	snapshot map[string]any
	// writes counts local emissions; a state reply older than the last
	// local write is stale.
	writes uint64
	// unsent holds local writes waiting for the connection, in send order.
	unsent []*pendingWrite
}

type pendingWrite struct {
	state map[string]any
	force bool
}

type Option func(*Sync)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sync) { s.logger = l }
}

// New creates the state document seeded with defaultState and binds it to c.
// The full state is fetched from the console once the connection is ready.
func New(c *console.Console, defaultState map[string]any, opts ...Option) *Sync {
	s := &Sync{
		doc:      NewDocument(defaultState),
		c:        c,
		logger:   log.With().Str("component", "state").Logger(),
		snapshot: map[string]any{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.doc.watch(s.emitted)
	c.Core().OnStateChange(s.received)
	c.OnReady(func() {
		if err := s.UpdateFromServer(); err != nil {
			s.logger.Warn().Err(err).Msg("fetch state")
		}
	})
	return s
}

// State returns the observable document.
func (s *Sync) State() *Document { return s.doc }

// Get returns a copy of the current document.
func (s *Sync) Get() map[string]any { return s.doc.Get() }

// SetState replaces the document. With force the console replaces its copy
// wholesale instead of merging the diff.
func (s *Sync) SetState(newState map[string]any, force bool) {
	s.doc.publish(func(map[string]any) map[string]any { return newState }, OriginLocal, force)
}

// UpdateState overwrites the keys of partial and keeps the others.
func (s *Sync) UpdateState(partial map[string]any) {
	s.doc.publish(func(cur map[string]any) map[string]any {
		for k, v := range partial {
			cur[k] = v
		}
		return cur
	}, OriginLocal, false)
}

// UpdateFromServer asks the console for the full state and replaces the
// local document with the reply. The reply is dropped if a local write
// happened while it was in flight. Writes still waiting to be sent when the
// request goes out reach the console after it, so they are applied over
// the reply.
func (s *Sync) UpdateFromServer() error {
	s.mu.Lock()
	writes := s.writes
	queued := append([]*pendingWrite(nil), s.unsent...)
	s.mu.Unlock()

	req := message.NewRequest(message.ExecGetState)
	return s.c.SendMessage(req, func(resp *message.Envelope) {
		s.mu.Lock()
		stale := s.writes != writes
		s.mu.Unlock()
		if stale {
			s.logger.Debug().Str("id", resp.Header.ID).Msg("drop state reply older than local write")
			return
		}
		st, ok := resp.Param("state", nil).(map[string]any)
		if !ok {
			st = map[string]any{}
		}
		for _, w := range queued {
			st = w.applyTo(st)
		}
		s.received(resp.Header.From, st, false)
	})
}

// applyTo returns st as the console holds it after w.
func (w *pendingWrite) applyTo(st map[string]any) map[string]any {
	if w.force {
		out, _ := deepClone(w.state).(map[string]any)
		if out == nil {
			out = map[string]any{}
		}
		return out
	}
	out := make(map[string]any, len(st)+len(w.state))
	for k, v := range st {
		out[k] = v
	}
	for k, v := range w.state {
		out[k] = deepClone(v)
	}
	return out
}

func (s *Sync) received(from message.Peer, st map[string]any, update bool) {
	s.mu.Lock()
	if update {
		for k, v := range st {
			s.snapshot[k] = deepClone(v)
		}
	} else {
		s.snapshot = deepClone(st).(map[string]any)
	}
	s.mu.Unlock()

	s.logger.Debug().Str("from", string(from)).Bool("update", update).Int("keys", len(st)).Msg("apply remote state")
	if update {
		s.doc.publish(func(cur map[string]any) map[string]any {
			for k, v := range st {
				cur[k] = v
			}
			return cur
		}, OriginRemote, false)
		return
	}
	s.doc.publish(func(map[string]any) map[string]any { return st }, OriginRemote, false)
}

func (s *Sync) emitted(e Emission) {
	if e.Origin != OriginLocal {
		return
	}
	s.mu.Lock()
	s.writes++
	diff := Diff(s.snapshot, e.Value)
	s.snapshot = deepClone(e.Value).(map[string]any)
	s.mu.Unlock()

	payload := diff
	if e.Force {
		payload = e.Value
	} else if len(diff) == 0 {
		return
	}
	w := &pendingWrite{force: e.Force}
	w.state, _ = deepClone(payload).(map[string]any)
	s.mu.Lock()
	s.unsent = append(s.unsent, w)
	s.mu.Unlock()

	s.c.OnReady(func() {
		s.mu.Lock()
		for i, other := range s.unsent {
			if other == w {
				s.unsent = append(s.unsent[:i:i], s.unsent[i+1:]...)
				break
			}
		}
		s.mu.Unlock()

		req := message.NewRequest(message.ExecChangeState)
		req.AddParam("state", payload)
		req.AddParam("update", !e.Force)
		if err := s.c.SendMessage(req, nil); err != nil {
			s.logger.Warn().Err(err).Msg("send state change")
		}
	})
}

// Diff returns the entries of next that differ from prev.
//
// Numbers compare by value and slices by their JSON text. Maps always
// count as changed, so nested objects are resent whole rather than
// compared in depth. Other values compare with ==.
func Diff(prev, next map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range next {
		old, ok := prev[k]
		if !ok || changed(old, v) {
			out[k] = v
		}
	}
	return out
}

func changed(old, v any) bool {
	if old == nil || v == nil {
		return old != v
	}
	ov, nv := reflect.ValueOf(old), reflect.ValueOf(v)
	switch nv.Kind() {
	case reflect.Slice, reflect.Array:
		a, errA := json.Marshal(old)
		b, errB := json.Marshal(v)
		return errA != nil || errB != nil || string(a) != string(b)
	case reflect.Map:
		return true
	}
	if x, ok := number(ov); ok {
		if y, ok := number(nv); ok {
			return x != y
		}
		return true
	}
	if ov.Type() != nv.Type() || !nv.Type().Comparable() {
		return true
	}
	return old != v
}

func number(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// deepClone copies maps and slices so the snapshot does not alias values
// owned by callers.
func deepClone(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepClone(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepClone(item)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && !rv.IsNil() {
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	}
	return v
}
