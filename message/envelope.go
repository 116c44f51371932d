// Package message defines the Koppelia wire envelope exchanged with the console.
//
// An Envelope carries a header plus one meaningful payload selected by the
// header type: a request (exec name and params), a data map for ad-hoc
// exchanges, or an event name for device events.
package message

import (
	"github.com/google/uuid"
)

// Type is the header type declaring which payload of an envelope is meaningful.
type Type string

const (
	TypeEmpty          Type = "empty"
	TypeRequest        Type = "request"
	TypeResponse       Type = "response"
	TypeDataExchange   Type = "data_exchange"
	TypeDeviceEvent    Type = "device_event"
	TypeDeviceData     Type = "device_data"
	TypeIdentification Type = "identification"
	TypeModuleEnable   Type = "module_enable"
	TypeError          Type = "error"
)

// Known reports whether t is one of the protocol header types.
func (t Type) Known() bool {
	switch t {
	case TypeEmpty, TypeRequest, TypeResponse, TypeDataExchange, TypeDeviceEvent,
		TypeDeviceData, TypeIdentification, TypeModuleEnable, TypeError:
		return true
	}
	return false
}

// Peer is a participant role tag used for routing.
type Peer string

const (
	PeerMonitor    Peer = "monitor"
	PeerMaster     Peer = "master"
	PeerController Peer = "controller"
	PeerDevice     Peer = "device"
	PeerSpectacle  Peer = "spectacle"
	PeerKoppelia   Peer = "koppelia"
	PeerNone       Peer = "none"
)

// ParsePeer maps a free-form role string onto a Peer. Unknown values map to PeerNone.
func ParsePeer(s string) Peer {
	switch p := Peer(s); p {
	case PeerMonitor, PeerMaster, PeerController, PeerDevice, PeerSpectacle, PeerKoppelia:
		return p
	case "spectakle":
		// older consoles spell it this way
		return PeerSpectacle
	}
	return PeerNone
}

// Reserved exec names produced or consumed by the client core.
const (
	ExecChangeState            = "changeState"
	ExecChangeStage            = "changeStage"
	ExecGetState               = "getState"
	ExecInitStages             = "initStages"
	ExecGetGameOptions         = "getGameOptions"
	ExecSetGameOption          = "setGameOption"
	ExecGameOptionNotification = "gameOptionNotification"
	ExecGetDevices             = "getDevices"
	ExecAttachEvent            = "attachEvent"
	ExecEnableModule           = "enableModule"
	ExecSetColor               = "setColor"
	ExecVibrate                = "vibrate"
	ExecGetPlaysList           = "getPlaysList"
	ExecGetPlayRaw             = "getPlayRaw"
)

// Header routes an envelope and correlates requests with replies.
type Header struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	From     Peer   `json:"from"`
	To       Peer   `json:"to"`
	FromAddr string `json:"from_addr"`
	ToAddr   string `json:"to_addr"`
	Device   string `json:"device"`
}

// Params holds request arguments keyed by name.
type Params map[string]any

// Clone deep copies nested maps and slices of p.
func (p Params) Clone() Params {
	return Params(cloneMap(p))
}

// Request names a remote operation and its arguments.
type Request struct {
	Exec   string `json:"exec"`
	Params Params `json:"params"`
}

// Envelope is the unit of exchange on the console socket.
type Envelope struct {
	Header  Header  `json:"header"`
	Request Request `json:"request"`
	Data    Data    `json:"data"`
	Event   string  `json:"event"`
}

// New returns an empty envelope with the protocol defaults filled in.
func New() *Envelope {
	return &Envelope{
		Header: Header{
			Type: TypeEmpty,
			From: PeerNone,
			To:   PeerNone,
		},
		Request: Request{Params: Params{}},
		Data:    Data{},
	}
}

// NewRequest returns a request envelope for exec.
func NewRequest(exec string) *Envelope {
	e := New()
	e.SetRequest(exec)
	return e
}

// SetRequest turns the envelope into a request for exec.
func (e *Envelope) SetRequest(exec string) {
	e.Header.Type = TypeRequest
	e.Request.Exec = exec
}

// SetSource stamps the sending role and address.
func (e *Envelope) SetSource(p Peer, addr string) {
	e.Header.From = p
	e.Header.FromAddr = addr
}

// SetDestination sets the receiving role and address.
func (e *Envelope) SetDestination(p Peer, addr string) {
	e.Header.To = p
	e.Header.ToAddr = addr
}

func (e *Envelope) SetType(t Type) {
	e.Header.Type = t
}

// SetEvent marks the envelope as a named event.
func (e *Envelope) SetEvent(name string) {
	e.Header.Type = TypeRequest
	e.Event = name
}

// SetIdentification turns the envelope into an identification of role p.
func (e *Envelope) SetIdentification(p Peer) {
	e.Header.Type = TypeIdentification
	e.Header.From = p
}

// AddParam sets one request parameter.
func (e *Envelope) AddParam(key string, value any) {
	if e.Request.Params == nil {
		e.Request.Params = Params{}
	}
	e.Request.Params[key] = value
}

// Param returns the named parameter or def when absent.
func (e *Envelope) Param(key string, def any) any {
	if v, ok := e.Request.Params[key]; ok {
		return v
	}
	return def
}

// AddData sets one data entry.
func (e *Envelope) AddData(key, value string) {
	if e.Data == nil {
		e.Data = Data{}
	}
	e.Data[key] = value
}

func (e *Envelope) SetData(d Data) {
	e.Data = d
}

// GenerateID assigns a fresh correlation id.
func (e *Envelope) GenerateID() string {
	e.Header.ID = uuid.NewString()
	return e.Header.ID
}

// Reply builds a response envelope correlated with e.
func (e *Envelope) Reply() *Envelope {
	r := New()
	r.Header.ID = e.Header.ID
	r.Header.Type = TypeResponse
	r.Header.To = e.Header.From
	r.Header.ToAddr = e.Header.FromAddr
	r.Request.Exec = e.Request.Exec
	return r
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Request.Params = Params(cloneMap(e.Request.Params))
	c.Data = make(Data, len(e.Data))
	for k, v := range e.Data {
		c.Data[k] = v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Params:
		return Params(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
