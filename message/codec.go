package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

// Data is the string map carried by data exchanges and device data.
//
// Peers do not always respect the string-only contract, so decoding keeps
// non-string values as their raw JSON text instead of rejecting the envelope.
type Data map[string]string

func (d *Data) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = Data{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Data, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	*d = out
	return nil
}

// wireEnvelope mirrors Envelope with every section optional, so that partial
// payloads keep the protocol defaults set by New.
type wireEnvelope struct {
	Header *struct {
		ID       *string `json:"id"`
		Type     *Type   `json:"type"`
		From     *string `json:"from"`
		To       *string `json:"to"`
		FromAddr *string `json:"from_addr"`
		ToAddr   *string `json:"to_addr"`
		Device   *string `json:"device"`
	} `json:"header"`
	Request *struct {
		Exec   *string `json:"exec"`
		Params Params  `json:"params"`
	} `json:"request"`
	Data  *Data           `json:"data"`
	Event json.RawMessage `json:"event"`
}

// Parse decodes one wire frame into an Envelope.
//
// Missing sections keep their defaults. A non-string event is ignored. The
// header type is not required to be known; callers decide what to do with
// unknown types.
func Parse(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	e := New()
	if h := w.Header; h != nil {
		setString(&e.Header.ID, h.ID)
		if h.Type != nil {
			e.Header.Type = *h.Type
		}
		if h.From != nil {
			e.Header.From = Peer(*h.From)
		}
		if h.To != nil {
			e.Header.To = Peer(*h.To)
		}
		setString(&e.Header.FromAddr, h.FromAddr)
		setString(&e.Header.ToAddr, h.ToAddr)
		setString(&e.Header.Device, h.Device)
	}
	if r := w.Request; r != nil {
		setString(&e.Request.Exec, r.Exec)
		if r.Params != nil {
			e.Request.Params = r.Params
		}
	}
	if w.Data != nil {
		e.Data = *w.Data
	}
	if len(w.Event) > 0 {
		var ev string
		if err := json.Unmarshal(w.Event, &ev); err == nil {
			e.Event = ev
		}
	}
	return e, nil
}

// Validate checks that the header type is one of the protocol types.
func (e *Envelope) Validate() error {
	if !e.Header.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Header.Type)
	}
	return nil
}

// Marshal encodes the envelope in wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	out := *e
	if out.Request.Params == nil {
		out.Request.Params = Params{}
	}
	if out.Data == nil {
		out.Data = Data{}
	}
	return json.Marshal(&out)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
