package content

import (
	"context"
	"fmt"
	"sort"

	"github.com/gosuda/koppelia/message"
)

// Raw play record keys, as stored by the console.
const (
	playDataKey   = "_play_data_json"
	playMediasKey = "_play_medias_raw"
	playImageKey  = "_play_image_raw"
	playNameKey   = "playName"
	playMediaList = "playMedias"
)

// Play is a saved game session with its data and base64 media.
type Play struct {
	r Requester

	id        string
	name      string
	medias    []string
	data      map[string]any
	rawMedias map[string]string
	image     string
	refreshed bool
}

// NewPlay builds a play from a raw record. Records from the plays list are
// usually partial; Refresh fetches the rest.
func NewPlay(r Requester, id string, raw map[string]any) *Play {
	p := &Play{r: r, id: id, data: map[string]any{}, rawMedias: map[string]string{}}
	if name, ok := raw[playNameKey].(string); ok {
		p.name = name
	}
	if list, ok := raw[playMediaList].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				p.medias = append(p.medias, s)
			}
		}
	}
	p.apply(raw)
	return p
}

func (p *Play) apply(raw map[string]any) {
	if data, ok := raw[playDataKey].(map[string]any); ok {
		p.data = data
		p.refreshed = true
	}
	if medias, ok := raw[playMediasKey].(map[string]any); ok {
		p.rawMedias = make(map[string]string, len(medias))
		for name, v := range medias {
			if s, ok := v.(string); ok {
				p.rawMedias[name] = s
			}
		}
	}
	if img, ok := raw[playImageKey].(string); ok {
		p.image = img
	}
}

// Refresh fetches the full play record from the master.
func (p *Play) Refresh(ctx context.Context) error {
	req := message.NewRequest(message.ExecGetPlayRaw)
	req.SetDestination(message.PeerMaster, "")
	req.AddParam("playId", p.id)
	resp, err := p.r.Request(ctx, req)
	if err != nil {
		return fmt.Errorf("refresh play %s: %w", p.id, err)
	}
	raw, _ := resp.Param("play", nil).(map[string]any)
	p.apply(raw)
	return nil
}

func (p *Play) ID() string           { return p.id }
func (p *Play) Name() string         { return p.name }
func (p *Play) Data() map[string]any { return p.data }
func (p *Play) Image() string        { return p.image }
func (p *Play) Refreshed() bool      { return p.refreshed }

// DeclaredMedias lists the media names announced in the plays list.
func (p *Play) DeclaredMedias() []string { return append([]string{}, p.medias...) }

// Medias lists the names of the loaded media files.
func (p *Play) Medias() []string {
	out := make([]string, 0, len(p.rawMedias))
	for name := range p.rawMedias {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Media returns a loaded media file as base64.
func (p *Play) Media(name string) (string, bool) {
	m, ok := p.rawMedias[name]
	return m, ok
}

// ListPlays fetches count plays of game starting at index, ordered by
// orderBy ("date" or "name"). Plays come back sorted by id.
func ListPlays(ctx context.Context, r Requester, gameID string, count, index int, orderBy string) ([]*Play, error) {
	req := message.NewRequest(message.ExecGetPlaysList)
	req.SetDestination(message.PeerMaster, "")
	req.AddParam("gameId", gameID)
	req.AddParam("count", count)
	req.AddParam("index", index)
	req.AddParam("orderBy", orderBy)
	resp, err := r.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list plays: %w", err)
	}
	raw, _ := resp.Param("plays", nil).(map[string]any)
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	plays := make([]*Play, 0, len(ids))
	for _, id := range ids {
		rec, _ := raw[id].(map[string]any)
		plays = append(plays, NewPlay(r, id, rec))
	}
	return plays, nil
}
