package message

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed view of a request's params, selected by exec name.
type Payload interface {
	exec() string
}

// ChangeState carries a full or partial state document.
type ChangeState struct {
	State  map[string]any
	Update bool
}

// ChangeStage names the stage to navigate to.
type ChangeStage struct {
	Stage string
}

// InitStages declares the reachable stages.
type InitStages struct {
	Stages []string
}

// OptionNotification reports a changed game option. Value is the option
// record as sent by the console, with the option value under "value".
type OptionNotification struct {
	Name  string
	Value map[string]any
}

// Unknown is the fallback for exec names without a typed variant.
type Unknown struct {
	Exec   string
	Params Params
}

func (ChangeState) exec() string        { return ExecChangeState }
func (ChangeStage) exec() string        { return ExecChangeStage }
func (InitStages) exec() string         { return ExecInitStages }
func (OptionNotification) exec() string { return ExecGameOptionNotification }
func (u Unknown) exec() string          { return u.Exec }

// Payload decodes the request params into the variant matching the exec name.
// Missing fields take their zero value; fields of the wrong shape are an error.
func (e *Envelope) Payload() (Payload, error) {
	p := e.Request.Params
	switch e.Request.Exec {
	case ExecChangeState:
		var out ChangeState
		state, err := mapParam(p, "state")
		if err != nil {
			return nil, err
		}
		out.State = state
		if raw, ok := p["update"]; ok && raw != nil {
			b, ok := raw.(bool)
			if !ok {
				return nil, shapeError("update", "bool", raw)
			}
			out.Update = b
		}
		return out, nil
	case ExecChangeStage:
		s, err := stringParam(p, "stage")
		if err != nil {
			return nil, err
		}
		return ChangeStage{Stage: s}, nil
	case ExecInitStages:
		var out InitStages
		raw, ok := p["stages"]
		if !ok || raw == nil {
			return out, nil
		}
		switch v := raw.(type) {
		case []string:
			out.Stages = append(out.Stages, v...)
		case []any:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, shapeError("stages", "[]string", raw)
				}
				out.Stages = append(out.Stages, s)
			}
		default:
			return nil, shapeError("stages", "[]string", raw)
		}
		return out, nil
	case ExecGameOptionNotification:
		name, err := stringParam(p, "name")
		if err != nil {
			return nil, err
		}
		value, err := mapParam(p, "value")
		if err != nil {
			return nil, err
		}
		return OptionNotification{Name: name, Value: value}, nil
	default:
		return Unknown{Exec: e.Request.Exec, Params: p}, nil
	}
}

func mapParam(p Params, key string) (map[string]any, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case Params:
		return map[string]any(v), nil
	}
	return nil, shapeError(key, "object", raw)
}

func stringParam(p Params, key string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", shapeError(key, "string", raw)
	}
	return s, nil
}

func shapeError(key, want string, got any) error {
	return fmt.Errorf("%w: param %q is %T, want %s", ErrMalformed, key, got, want)
}

// DecodeParam re-decodes a loosely typed param value into out through JSON.
// It is meant for records such as devices or plays whose shape is owned by
// the console.
func DecodeParam(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode param: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
