package simconsole

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gosuda/koppelia/message"
	"github.com/gosuda/koppelia/transport"
)

func startServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		hs.Close()
		s.Close()
	})
	return s, hs
}

type client struct {
	*transport.Socket
	inbox chan *message.Envelope
}

func dial(t *testing.T, hs *httptest.Server, role message.Peer) *client {
	t.Helper()
	sock := transport.Connect("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", transport.WithTimeout(2*time.Second))
	t.Cleanup(func() { _ = sock.Close() })
	c := &client{Socket: sock, inbox: make(chan *message.Envelope, 32)}
	sock.OnReceive(func(env *message.Envelope) { c.inbox <- env })

	deadline := time.Now().Add(3 * time.Second)
	for !sock.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if role != message.PeerNone {
		id := message.New()
		id.SetIdentification(role)
		if err := sock.Send(id, nil); err != nil {
			t.Fatalf("identify: %v", err)
		}
	}
	return c
}

func (c *client) call(t *testing.T, exec string, params message.Params) *message.Envelope {
	t.Helper()
	req := message.NewRequest(exec)
	for k, v := range params {
		req.AddParam(k, v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := c.Request(ctx, req)
	if err != nil {
		t.Fatalf("%s: %v", exec, err)
	}
	return resp
}

func (c *client) next(t *testing.T, exec string) *message.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-c.inbox:
			if env.Request.Exec == exec {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s received", exec)
			return nil
		}
	}
}

func (c *client) quiet(t *testing.T, exec string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case env := <-c.inbox:
			if env.Request.Exec == exec {
				t.Fatalf("unexpected %s: %+v", exec, env.Request.Params)
			}
		case <-timeout:
			return
		}
	}
}

func TestStateMergeAndBroadcast(t *testing.T) {
	_, hs := startServer(t)
	ctrl := dial(t, hs, message.PeerController)
	mon := dial(t, hs, message.PeerMonitor)

	ctrl.call(t, message.ExecChangeState, message.Params{"state": map[string]any{"a": 1, "b": "x"}, "update": false})
	got := mon.next(t, message.ExecChangeState)
	if got.Request.Params["update"] != false {
		t.Fatalf("broadcast update flag = %v", got.Request.Params["update"])
	}

	ctrl.call(t, message.ExecChangeState, message.Params{"state": map[string]any{"b": "y"}, "update": true})
	got = mon.next(t, message.ExecChangeState)
	if got.Request.Params["update"] != true || got.Request.Params["state"].(map[string]any)["b"] != "y" {
		t.Fatalf("broadcast = %v", got.Request.Params)
	}
	ctrl.quiet(t, message.ExecChangeState, 50*time.Millisecond)

	st := mon.call(t, message.ExecGetState, nil).Request.Params["state"].(map[string]any)
	if st["a"] != float64(1) || st["b"] != "y" {
		t.Fatalf("state = %v", st)
	}
}

func TestChangeStage(t *testing.T) {
	_, hs := startServer(t)
	ctrl := dial(t, hs, message.PeerController)
	mon := dial(t, hs, message.PeerMonitor)

	if r := ctrl.call(t, message.ExecChangeStage, message.Params{"stage": "quiz"}); r.Header.Type != message.TypeError {
		t.Fatalf("undeclared stage answered %s", r.Header.Type)
	}

	ctrl.call(t, message.ExecInitStages, message.Params{"stages": []string{"home", "quiz"}})
	if r := ctrl.call(t, message.ExecChangeStage, message.Params{"stage": "quiz"}); r.Header.Type != message.TypeResponse {
		t.Fatalf("declared stage answered %s", r.Header.Type)
	}
	for _, c := range []*client{ctrl, mon} {
		if got := c.next(t, message.ExecChangeStage); got.Request.Params["stage"] != "quiz" {
			t.Fatalf("stage broadcast = %v", got.Request.Params)
		}
	}
}

func TestGameOptions(t *testing.T) {
	_, hs := startServer(t, WithOption("volume", 50, "slider", map[string]any{"max": 100}))
	ctrl := dial(t, hs, message.PeerController)
	mon := dial(t, hs, message.PeerMonitor)

	all := mon.call(t, message.ExecGetGameOptions, nil).Request.Params["gameOptions"].(map[string]any)
	if all["volume"].(map[string]any)["value"] != float64(50) {
		t.Fatalf("options = %v", all)
	}

	ctrl.call(t, message.ExecSetGameOption, message.Params{"name": "volume", "value": 80, "type": "slider", "config": map[string]any{}})
	n := mon.next(t, message.ExecGameOptionNotification)
	if n.Request.Params["name"] != "volume" || n.Request.Params["value"].(map[string]any)["value"] != float64(80) {
		t.Fatalf("notification = %v", n.Request.Params)
	}
}

func TestDataExchangeRelaysByRole(t *testing.T) {
	_, hs := startServer(t)
	ctrl := dial(t, hs, message.PeerController)
	mon := dial(t, hs, message.PeerMonitor)
	other := dial(t, hs, message.PeerController)
	// identification is processed in order with the frames that follow it
	ctrl.call(t, message.ExecGetState, nil)
	mon.call(t, message.ExecGetState, nil)
	other.call(t, message.ExecGetState, nil)

	env := message.New()
	env.SetType(message.TypeDataExchange)
	env.SetSource(message.PeerController, "")
	env.SetDestination(message.PeerMonitor, "")
	env.AddData("k", "v")
	if err := ctrl.Send(env, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-mon.inbox:
		if got.Header.Type != message.TypeDataExchange || got.Data["k"] != "v" || got.Header.From != message.PeerController {
			t.Fatalf("relayed = %+v %v", got.Header, got.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not get the data exchange")
	}
	select {
	case got := <-other.inbox:
		t.Fatalf("controller got a monitor-only exchange: %+v", got.Header)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDevicesAndEvents(t *testing.T) {
	s, hs := startServer(t, WithDevices(map[string]any{"address": "aa:bb", "name": "buzzer"}))
	mon := dial(t, hs, message.PeerMonitor)

	list := mon.call(t, message.ExecGetDevices, nil).Request.Params["devices"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["address"] != "aa:bb" {
		t.Fatalf("devices = %v", list)
	}

	s.EmitDeviceEvent("buzzer", "aa:bb", "pressed")
	select {
	case got := <-mon.inbox:
		if got.Header.Type != message.TypeDeviceEvent || got.Event != "pressed" || got.Header.FromAddr != "aa:bb" {
			t.Fatalf("device event = %+v %q", got.Header, got.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("device event not delivered")
	}
}

func TestPlays(t *testing.T) {
	_, hs := startServer(t, WithPlays(map[string]map[string]any{
		"b": {"playName": "Beta", "_play_data_json": map[string]any{"n": 2}},
		"a": {"playName": "Alpha", "_play_data_json": map[string]any{"n": 1}},
	}))
	c := dial(t, hs, message.PeerController)

	plays := c.call(t, message.ExecGetPlaysList, message.Params{"count": 1, "index": 0, "orderBy": "name"}).Request.Params["plays"].(map[string]any)
	rec, ok := plays["a"].(map[string]any)
	if len(plays) != 1 || !ok || rec["playName"] != "Alpha" {
		t.Fatalf("plays = %v", plays)
	}
	if _, heavy := rec["_play_data_json"]; heavy {
		t.Fatal("list must not carry raw play data")
	}

	raw := c.call(t, message.ExecGetPlayRaw, message.Params{"playId": "b"}).Request.Params["play"].(map[string]any)
	if raw["_play_data_json"].(map[string]any)["n"] != float64(2) {
		t.Fatalf("raw play = %v", raw)
	}
	if r := c.call(t, message.ExecGetPlayRaw, message.Params{"playId": "zz"}); r.Header.Type != message.TypeError {
		t.Fatal("unknown play must be an error")
	}
}

func TestUnknownExecIsAnError(t *testing.T) {
	_, hs := startServer(t)
	c := dial(t, hs, message.PeerNone)
	r := c.call(t, "unknownOp", nil)
	if r.Header.Type != message.TypeError || r.Request.Params["error"] == nil {
		t.Fatalf("reply = %+v %v", r.Header, r.Request.Params)
	}
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(s.Router())
	c := dial(t, hs, message.PeerController)
	c.call(t, message.ExecChangeState, message.Params{"state": map[string]any{"score": 7}, "update": false})
	c.call(t, message.ExecInitStages, message.Params{"stages": []string{"home", "end"}})
	c.call(t, message.ExecChangeStage, message.Params{"stage": "end"})
	_ = c.Close()
	hs.Close()
	s.Close()
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, err = New(WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	snap := s.Snapshot()
	if snap.State["score"] != float64(7) || snap.Stage != "end" || len(snap.Stages) != 2 {
		t.Fatalf("snapshot after restart = %+v", snap)
	}
}

func TestDebugEndpoints(t *testing.T) {
	_, hs := startServer(t, WithStages("home"), WithOption("lives", 3, "", nil))

	resp, err := http.Get(hs.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(hs.URL + "/debug/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Stage  string   `json:"stage"`
		Stages []string `json:"stages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Stage != "home" || len(body.Stages) != 1 {
		t.Fatalf("debug state = %+v", body)
	}

	resp2, err := http.Get(hs.URL + "/debug/options")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var opts map[string]map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&opts); err != nil {
		t.Fatal(err)
	}
	if opts["lives"]["value"] != float64(3) {
		t.Fatalf("debug options = %v", opts)
	}
}

func TestGameContentRoutes(t *testing.T) {
	plays := t.TempDir()
	if err := os.MkdirAll(filepath.Join(plays, "p1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(plays, "p1", "data.json"), []byte(`{"q":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, hs := startServer(t, WithGameID("g-7"), WithPlaysDir(plays))

	resp, err := http.Get(hs.URL + "/game/api/gameid")
	if err != nil {
		t.Fatal(err)
	}
	var id struct {
		GameID string `json:"gameId"`
	}
	err = json.NewDecoder(resp.Body).Decode(&id)
	resp.Body.Close()
	if err != nil || id.GameID != "g-7" {
		t.Fatalf("game id = %+v (%v)", id, err)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/game/api/playdata/p1/data.json", http.StatusOK},
		{"/game/api/playdata/p1/missing.json", http.StatusNotFound},
		{"/game/api/playdata/p2/data.json", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(hs.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.code {
			t.Errorf("%s: status %d, want %d", tt.path, resp.StatusCode, tt.code)
		}
		if tt.code == http.StatusOK && string(body) != `{"q":1}` {
			t.Errorf("%s: body %q", tt.path, body)
		}
	}
}

func TestPlaysPageBounds(t *testing.T) {
	s, _ := startServer(t, WithPlays(map[string]map[string]any{
		"a": {"playName": "Alpha"},
		"b": {"playName": "Beta"},
		"c": {"playName": "Gamma"},
	}))
	tests := []struct {
		name         string
		index, count any
		want         []string
	}{
		{"first page", 0, 2, []string{"a", "b"}},
		{"negative index", -1, 2, []string{"a", "b"}},
		{"index past end", 5, 2, nil},
		{"no count limit", 1, 0, []string{"b", "c"}},
		{"huge count", 1, math.MaxInt, []string{"b", "c"}},
		{"json numbers", float64(2), float64(1), []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := message.NewRequest(message.ExecGetPlaysList)
			req.AddParam("orderBy", "name")
			req.AddParam("index", tt.index)
			req.AddParam("count", tt.count)
			var page map[string]any
			if !s.do(func() { page = s.playsPage(req) }) {
				t.Fatal("server closed")
			}
			got := make([]string, 0, len(page))
			for id := range page {
				got = append(got, id)
			}
			sort.Strings(got)
			if len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Fatalf("page = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlaysOrderByDate(t *testing.T) {
	s, _ := startServer(t, WithPlays(map[string]map[string]any{
		"old":     {"playName": "A", "playCreationDate": "2024-01-02T10:00:00Z"},
		"new":     {"playName": "B", "playCreationDate": "2025-06-01T09:00:00Z"},
		"undated": {"playName": "C"},
	}))
	want := [][]string{{"new"}, {"old"}, {"undated"}}
	for i, w := range want {
		req := message.NewRequest(message.ExecGetPlaysList)
		req.AddParam("orderBy", "date")
		req.AddParam("index", i)
		req.AddParam("count", 1)
		var page map[string]any
		s.do(func() { page = s.playsPage(req) })
		if _, ok := page[w[0]]; !ok || len(page) != 1 {
			t.Fatalf("position %d = %v, want %s", i, page, w[0])
		}
	}
}
