package state

import (
	"reflect"
	"testing"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/console/consoletest"
	"github.com/gosuda/koppelia/message"
)

func newSync(t *testing.T, initial map[string]any) (*Sync, *consoletest.Fake) {
	t.Helper()
	f := consoletest.New()
	c := console.New(f, console.WithRole(func() message.Peer { return message.PeerController }))
	s := New(c, initial)
	f.Open()
	// the console already holds the initial document
	if req := f.Last(message.ExecGetState); req != nil {
		f.Reply(req, message.Params{"state": copyMap(initial)})
	}
	f.Reset()
	return s, f
}

func TestDocumentSubscribeDeliversCurrentValue(t *testing.T) {
	d := NewDocument(map[string]any{"a": 1})
	var got []map[string]any
	stop := d.Subscribe(func(v map[string]any) { got = append(got, v) })
	d.Set(map[string]any{"a": 2})
	stop()
	d.Set(map[string]any{"a": 3})
	if len(got) != 2 || got[0]["a"] != 1 || got[1]["a"] != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestDocumentQueuesNestedSets(t *testing.T) {
	d := NewDocument(nil)
	var first, second []any
	d.Subscribe(func(v map[string]any) {
		first = append(first, v["n"])
		if v["n"] == 1 {
			d.Set(map[string]any{"n": 2})
		}
	})
	d.Subscribe(func(v map[string]any) { second = append(second, v["n"]) })
	d.Set(map[string]any{"n": 1})

	want := []any{nil, 1, 2}
	if !reflect.DeepEqual(first, want) || !reflect.DeepEqual(second, want) {
		t.Fatalf("first=%v second=%v", first, second)
	}
}

func TestDiff(t *testing.T) {
	prev := map[string]any{
		"same":   1,
		"num":    float64(3),
		"list":   []any{float64(1), float64(2)},
		"str":    "x",
		"nested": map[string]any{"a": 1},
	}
	next := map[string]any{
		"same":   1,
		"num":    3,
		"list":   []int{1, 2},
		"str":    "y",
		"nested": map[string]any{"a": 1},
		"new":    true,
	}
	got := Diff(prev, next)
	want := map[string]any{"str": "y", "nested": map[string]any{"a": 1}, "new": true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("diff = %v, want %v", got, want)
	}
}

func TestSetThenUpdateRoundTrip(t *testing.T) {
	s, f := newSync(t, nil)
	s.SetState(map[string]any{"a": 1, "b": "x", "c": []any{"p"}}, false)
	s.UpdateState(map[string]any{"b": "y"})

	want := map[string]any{"a": 1, "b": "y", "c": []any{"p"}}
	if got := s.Get(); !reflect.DeepEqual(got, want) {
		t.Fatalf("state = %v, want %v", got, want)
	}

	sent := f.SentExec(message.ExecChangeState)
	if len(sent) != 2 {
		t.Fatalf("sent %d changeState requests", len(sent))
	}
	last := sent[1]
	if !reflect.DeepEqual(last.Request.Params["state"], map[string]any{"b": "y"}) {
		t.Fatalf("diff sent = %v", last.Request.Params["state"])
	}
	if last.Request.Params["update"] != true {
		t.Fatal("incremental write must be sent as an update")
	}
}

func TestForcedSetSendsFullReplace(t *testing.T) {
	s, f := newSync(t, nil)
	s.SetState(map[string]any{"a": 1}, false)
	s.SetState(map[string]any{"a": 1, "b": 2}, true)

	last := f.Last(message.ExecChangeState)
	if last.Request.Params["update"] != false {
		t.Fatal("forced write must disable merging")
	}
	if !reflect.DeepEqual(last.Request.Params["state"], map[string]any{"a": 1, "b": 2}) {
		t.Fatalf("forced payload = %v", last.Request.Params["state"])
	}

	// the force flag does not leak into the next write
	s.UpdateState(map[string]any{"c": 3})
	if f.Last(message.ExecChangeState).Request.Params["update"] != true {
		t.Fatal("force flag leaked")
	}
}

func TestEmptyDiffIsNotSent(t *testing.T) {
	s, f := newSync(t, nil)
	s.SetState(map[string]any{"a": 1}, false)
	s.UpdateState(map[string]any{"a": 1})
	if n := len(f.SentExec(message.ExecChangeState)); n != 1 {
		t.Fatalf("sent %d changeState requests, want 1", n)
	}
}

func TestRemoteChangeDoesNotEcho(t *testing.T) {
	s, f := newSync(t, map[string]any{"keep": "me"})
	var seen []map[string]any
	s.State().Subscribe(func(v map[string]any) { seen = append(seen, v) })

	f.Push(message.PeerMaster, message.ExecChangeState, message.Params{
		"state":  map[string]any{"score": float64(5)},
		"update": true,
	})
	if n := len(f.SentExec(message.ExecChangeState)); n != 0 {
		t.Fatalf("remote change echoed %d times", n)
	}
	if got := s.Get(); got["score"] != float64(5) || got["keep"] != "me" {
		t.Fatalf("state = %v", got)
	}
	if len(seen) != 2 {
		t.Fatalf("observer saw %d values", len(seen))
	}

	// the received value is now acknowledged, so writing it back is a no-op
	s.UpdateState(map[string]any{"score": 5})
	if n := len(f.SentExec(message.ExecChangeState)); n != 0 {
		t.Fatalf("acknowledged value resent %d times", n)
	}
}

func TestRemoteUpdateIsIdempotent(t *testing.T) {
	s, f := newSync(t, map[string]any{"a": "x"})
	push := func() {
		f.Push(message.PeerMaster, message.ExecChangeState, message.Params{
			"state":  map[string]any{"b": "y"},
			"update": true,
		})
	}
	push()
	after := s.Get()
	push()
	if !reflect.DeepEqual(after, s.Get()) {
		t.Fatalf("second application changed the document: %v -> %v", after, s.Get())
	}
	if n := len(f.SentExec(message.ExecChangeState)); n != 0 {
		t.Fatalf("sent %d changeState requests", n)
	}
}

func TestRemoteReplace(t *testing.T) {
	s, f := newSync(t, map[string]any{"old": 1})
	f.Push(message.PeerMaster, message.ExecChangeState, message.Params{
		"state": map[string]any{"fresh": "yes"},
	})
	if got := s.Get(); !reflect.DeepEqual(got, map[string]any{"fresh": "yes"}) {
		t.Fatalf("state = %v", got)
	}
}

func TestUpdateFromServerAtReady(t *testing.T) {
	f := consoletest.New()
	c := console.New(f)
	s := New(c, map[string]any{"default": true})
	if len(f.Sent()) != 0 {
		t.Fatal("nothing should be sent before ready")
	}
	f.Open()
	req := f.Last(message.ExecGetState)
	if req == nil {
		t.Fatal("getState not requested at ready")
	}
	f.Reply(req, message.Params{"state": map[string]any{"remote": "v"}})
	if got := s.Get(); !reflect.DeepEqual(got, map[string]any{"remote": "v"}) {
		t.Fatalf("state = %v", got)
	}
	if n := len(f.SentExec(message.ExecChangeState)); n != 0 {
		t.Fatalf("state reply echoed %d times", n)
	}
}

func TestStaleStateReplyIsDropped(t *testing.T) {
	f := consoletest.New()
	c := console.New(f)
	s := New(c, nil)
	f.Open()
	req := f.Last(message.ExecGetState)
	s.SetState(map[string]any{"mine": 1}, true)
	f.Reply(req, message.Params{"state": map[string]any{"theirs": 1}})
	if got := s.Get(); !reflect.DeepEqual(got, map[string]any{"mine": 1}) {
		t.Fatalf("state = %v", got)
	}
}

func TestLocalWritesWaitForReady(t *testing.T) {
	f := consoletest.New()
	c := console.New(f)
	s := New(c, nil)
	s.UpdateState(map[string]any{"early": 1})
	if len(f.Sent()) != 0 {
		t.Fatal("sent before ready")
	}
	f.Open()
	last := f.Last(message.ExecChangeState)
	if last == nil || !reflect.DeepEqual(last.Request.Params["state"], map[string]any{"early": 1}) {
		t.Fatalf("queued write = %+v", last)
	}
	// getState went out before the queued write, so the reply lacks it
	req := f.Last(message.ExecGetState)
	if req == nil {
		t.Fatal("getState not requested at ready")
	}
	f.Reply(req, message.Params{"state": map[string]any{"remote": 1}})
	if got, want := s.Get(), map[string]any{"remote": 1, "early": 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("state = %v, want %v", got, want)
	}
	if n := len(f.SentExec(message.ExecChangeState)); n != 1 {
		t.Fatalf("changeState sent %d times, want 1", n)
	}
}

func TestQueuedForcedWriteReplacesReply(t *testing.T) {
	f := consoletest.New()
	c := console.New(f)
	s := New(c, nil)
	s.SetState(map[string]any{"mine": 1}, true)
	f.Open()
	f.Reply(f.Last(message.ExecGetState), message.Params{"state": map[string]any{"theirs": 1}})
	if got, want := s.Get(), map[string]any{"mine": 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("state = %v, want %v", got, want)
	}
}
