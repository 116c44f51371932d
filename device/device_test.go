package device

import (
	"reflect"
	"testing"
	"time"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/console/consoletest"
	"github.com/gosuda/koppelia/message"
)

func setup(t *testing.T) (*console.Console, *consoletest.Fake) {
	t.Helper()
	f := consoletest.New()
	c := console.New(f, console.WithRole(func() message.Peer { return message.PeerController }))
	f.Open()
	return c, f
}

func TestFromObjectRoundTrip(t *testing.T) {
	c, _ := setup(t)
	obj := map[string]any{"address": "aa:bb", "name": "buzzer", "color": map[string]any{"r": 255, "g": 0, "b": 10}}
	d, err := FromObject(c, obj)
	if err != nil {
		t.Fatal(err)
	}
	if d.Address() != "aa:bb" || d.Name() != "buzzer" || d.Color() != (Color{255, 0, 10}) {
		t.Fatalf("device = %+v", d)
	}
	if !reflect.DeepEqual(d.ToObject(), obj) {
		t.Fatalf("ToObject = %v", d.ToObject())
	}
}

func TestCommandsAddressTheDevice(t *testing.T) {
	c, f := setup(t)
	d := New(c, "aa:bb")
	if err := d.SetColor(Color{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := d.Vibrate(250 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := d.EnableModule("imu", true); err != nil {
		t.Fatal(err)
	}
	for _, exec := range []string{message.ExecSetColor, message.ExecVibrate, message.ExecEnableModule} {
		req := f.Last(exec)
		if req == nil {
			t.Fatalf("%s not sent", exec)
		}
		if req.Header.To != message.PeerDevice || req.Header.ToAddr != "aa:bb" {
			t.Fatalf("%s routed to %+v", exec, req.Header)
		}
	}
	if got := f.Last(message.ExecVibrate).Request.Params["duration"]; got != int64(250) {
		t.Fatalf("duration = %v", got)
	}
	if d.Color() != (Color{1, 2, 3}) {
		t.Fatal("color not kept")
	}
}

func TestAttachEventFiltersByAddressAndName(t *testing.T) {
	c, f := setup(t)
	d := New(c, "aa:bb")
	fired := 0
	if err := d.AttachEvent("pressed", func() { fired++ }); err != nil {
		t.Fatal(err)
	}
	if f.Last(message.ExecAttachEvent).Request.Params["event"] != "pressed" {
		t.Fatal("attachEvent not sent")
	}

	deliver := func(addr, event string) {
		env := message.New()
		env.SetType(message.TypeDeviceEvent)
		env.Header.FromAddr = addr
		env.Event = event
		f.Deliver(env)
	}
	deliver("aa:bb", "pressed")
	deliver("cc:dd", "pressed")
	deliver("aa:bb", "released")
	if fired != 1 {
		t.Fatalf("fired %d times", fired)
	}
}

func TestOnDataAndStageReset(t *testing.T) {
	c, f := setup(t)
	page := New(c, "aa:bb")
	kept := New(c, "aa:bb", WithRegistrar(c.Core()))
	var pageData, keptData int
	page.OnData(func(message.Data) { pageData++ })
	kept.OnData(func(message.Data) { keptData++ })

	send := func() {
		env := message.New()
		env.SetType(message.TypeDeviceData)
		env.Header.FromAddr = "aa:bb"
		env.AddData("x", "1")
		f.Deliver(env)
	}
	send()
	c.DestroyEvents()
	send()
	if pageData != 1 || keptData != 2 {
		t.Fatalf("page=%d kept=%d", pageData, keptData)
	}
}
