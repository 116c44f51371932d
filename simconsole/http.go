package simconsole

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router exposes the websocket endpoint, the game content API and the
// health and debug routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/", s.ServeWS)
	r.Get("/ws", s.ServeWS)

	r.Route("/game/api", func(r chi.Router) {
		r.Get("/gameid", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"gameId": s.gameID})
		})
		r.Get("/playdata/{playID}/{playFile}", s.servePlayFile)
	})
	if s.mediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}

	r.Get("/debug/state", func(w http.ResponseWriter, _ *http.Request) {
		snap := s.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{"state": snap.State, "stage": snap.Stage, "stages": snap.Stages, "peers": snap.Peers})
	})
	r.Get("/debug/options", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Snapshot().Options)
	})
	return r
}

func (s *Server) servePlayFile(w http.ResponseWriter, r *http.Request) {
	playID := chi.URLParam(r, "playID")
	playFile := chi.URLParam(r, "playFile")
	if s.playsDir == "" || !clean(playID) || !clean(playFile) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "play not found"})
		return
	}
	dir := filepath.Join(s.playsDir, playID)
	if _, err := os.Stat(dir); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "the play is not downloaded"})
		return
	}
	path := filepath.Join(dir, playFile)
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cannot find " + playFile + " in play " + playID})
		return
	}
	http.ServeFile(w, r, path)
}

// clean rejects path elements that would leave the plays directory.
func clean(elem string) bool {
	return elem != "" && elem != "." && elem != ".." && filepath.Base(elem) == elem
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}
