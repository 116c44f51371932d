package simconsole

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// Store keys.
const (
	keyState   = "state"
	keyOptions = "options"
	keyStages  = "stages"
	keyStage   = "stage"
)

// Store persists the console's game data as JSON values in Pebble.
// A nil *Store is valid and stores nothing.
type Store struct {
	db *pebble.DB
}

// OpenStore opens the store under dir. An empty dir returns a nil store.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(filepath.Clean(dir), "koppelia"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) put(key string, v any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Set([]byte(key), b, pebble.Sync)
}

// get decodes key into out and reports whether it was present.
func (s *Store) get(key string, out any) (bool, error) {
	if s == nil {
		return false, nil
	}
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
