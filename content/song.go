package content

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gosuda/koppelia/message"
)

// maxLyricsSize bounds a downloaded lyrics file.
const maxLyricsSize = 1 << 20

type Song struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Album            string  `json:"album"`
	Artist           string  `json:"artist"`
	Country          string  `json:"country"`
	Style            string  `json:"style"`
	Year             int     `json:"year"`
	Length           float64 `json:"length"`
	SongFile         string  `json:"song_file"`
	LyricsFile       string  `json:"lyrics_file"`
	CoverFile        string  `json:"cover_file"`
	BackingTrackFile string  `json:"backing_track_file"`
	LyricsTrackFile  string  `json:"lyrics_track_file"`

	linker MediaLinker
}

// DecodeSong reads a song record and binds it to linker for media URLs. A
// nil linker yields origin relative URLs.
func DecodeSong(obj map[string]any, linker MediaLinker) (*Song, error) {
	if linker == nil {
		linker = BaseURL("")
	}
	s := &Song{linker: linker}
	if err := message.DecodeParam(obj, s); err != nil {
		return nil, fmt.Errorf("decode song: %w", err)
	}
	return s, nil
}

// Folder is the media path holding the song files.
func (s *Song) Folder() string { return "/media/song/" + s.ID }

func (s *Song) MediaURL(file string) string {
	return s.linker.MediaLink(s.Folder() + "/" + file)
}

func (s *Song) SongURL() string         { return s.MediaURL(s.SongFile) }
func (s *Song) CoverURL() string        { return s.MediaURL(s.CoverFile) }
func (s *Song) LyricsURL() string       { return s.MediaURL(s.LyricsFile) }
func (s *Song) BackingTrackURL() string { return s.MediaURL(s.BackingTrackFile) }
func (s *Song) LyricsTrackURL() string  { return s.MediaURL(s.LyricsTrackFile) }

// Lyrics downloads the lyrics file. A nil client means http.DefaultClient.
func (s *Song) Lyrics(ctx context.Context, client *http.Client) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.LyricsURL(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch lyrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch lyrics: %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxLyricsSize+1))
	if err != nil {
		return "", fmt.Errorf("read lyrics: %w", err)
	}
	if len(b) > maxLyricsSize {
		return "", fmt.Errorf("read lyrics: larger than %d bytes", maxLyricsSize)
	}
	return string(b), nil
}

type Resident struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	ResidenceID string `json:"residence_id"`

	linker MediaLinker
}

// DecodeResident reads a resident record. A nil linker yields origin
// relative URLs.
func DecodeResident(obj map[string]any, linker MediaLinker) (*Resident, error) {
	if linker == nil {
		linker = BaseURL("")
	}
	r := &Resident{linker: linker}
	if err := message.DecodeParam(obj, r); err != nil {
		return nil, fmt.Errorf("decode resident: %w", err)
	}
	return r, nil
}

func (r *Resident) ImageURL() string {
	return r.linker.MediaLink("/media/residence/" + r.ResidenceID + "/resident/" + r.ID + "/" + r.Image)
}
