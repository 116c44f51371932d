// Package device is a proxy for a peripheral reached through the console.
package device

import (
	"fmt"
	"time"

	"github.com/gosuda/koppelia/console"
	"github.com/gosuda/koppelia/message"
)

type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type Device struct {
	c     *console.Console
	reg   console.Registrar
	addr  string
	name  string
	color Color
}

type Option func(*Device)

// WithRegistrar chooses the handler set event subscriptions go to. The
// default is the page set, cleared on every stage change.
func WithRegistrar(r console.Registrar) Option {
	return func(d *Device) { d.reg = r }
}

func New(c *console.Console, address string, opts ...Option) *Device {
	d := &Device{c: c, reg: c.Page(), addr: address}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FromObject builds a device from the record returned by getDevices.
func FromObject(c *console.Console, obj map[string]any, opts ...Option) (*Device, error) {
	var raw struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Color   *Color `json:"color"`
	}
	if err := message.DecodeParam(obj, &raw); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	d := New(c, raw.Address, opts...)
	d.name = raw.Name
	if raw.Color != nil {
		d.color = *raw.Color
	}
	return d, nil
}

func (d *Device) Address() string { return d.addr }
func (d *Device) Name() string    { return d.name }
func (d *Device) Color() Color    { return d.color }

// ToObject is the inverse of FromObject.
func (d *Device) ToObject() map[string]any {
	return map[string]any{
		"address": d.addr,
		"name":    d.name,
		"color":   map[string]any{"r": d.color.R, "g": d.color.G, "b": d.color.B},
	}
}

func (d *Device) request(exec string) *message.Envelope {
	req := message.NewRequest(exec)
	req.SetDestination(message.PeerDevice, d.addr)
	req.Header.Device = d.name
	return req
}

// SetColor changes the device light and remembers the color locally.
func (d *Device) SetColor(col Color) error {
	d.color = col
	req := d.request(message.ExecSetColor)
	req.AddParam("color", map[string]any{"r": col.R, "g": col.G, "b": col.B})
	return d.c.SendMessage(req, nil)
}

func (d *Device) Vibrate(dur time.Duration) error {
	req := d.request(message.ExecVibrate)
	req.AddParam("duration", dur.Milliseconds())
	return d.c.SendMessage(req, nil)
}

// EnableModule switches an on-board module, such as the IMU, on or off.
func (d *Device) EnableModule(module string, enable bool) error {
	req := d.request(message.ExecEnableModule)
	req.AddParam("module", module)
	req.AddParam("enable", enable)
	return d.c.SendMessage(req, nil)
}

// AttachEvent subscribes to event from this device and calls fn each time
// it fires.
func (d *Device) AttachEvent(event string, fn func()) error {
	d.reg.OnDeviceEvent(func(_, fromAddr, name string) {
		if fromAddr == d.addr && name == event {
			fn()
		}
	})
	req := d.request(message.ExecAttachEvent)
	req.AddParam("event", event)
	return d.c.SendMessage(req, nil)
}

// OnData calls fn with every data frame this device sends.
func (d *Device) OnData(fn func(message.Data)) {
	d.reg.OnDeviceData(func(fromAddr string, data message.Data) {
		if fromAddr == d.addr {
			fn(data)
		}
	})
}
