package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/relay/pkg/types"
)

// PresenceResponse is the body of GET /presence/{entity}
type PresenceResponse struct {
	Entity    string   `json:"entity"`
	Threshold string   `json:"threshold"`
	UserIDs   []string `json:"user_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handlePresence answers who is active on an entity. The optional threshold
// query parameter overrides the configured window; 0 disables filtering.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	entity, err := types.ParseEntity(r.PathValue("entity"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	threshold := s.gw.DefaultThreshold()
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		threshold, err = time.ParseDuration(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid threshold: " + err.Error()})
			return
		}
	}

	users, err := s.gw.PresentUsers(r.Context(), entity, threshold)
	if err != nil {
		s.logger.Error().Err(err).Str("entity", entity.String()).Msg("Presence query failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "presence store unavailable"})
		return
	}
	if users == nil {
		users = []string{}
	}

	writeJSON(w, http.StatusOK, PresenceResponse{
		Entity:    entity.String(),
		Threshold: threshold.String(),
		UserIDs:   users,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
