package gateway

import (
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/race"
	"github.com/runnermp/runner-mp/go/internal/track"
)

// TrackSummary is one entry of GET /api/tracks.
type TrackSummary struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	WorldW    float64 `json:"worldW"`
	WorldH    float64 `json:"worldH"`
	TrackW    float64 `json:"trackW"`
	Segments  int     `json:"segments"`
	SpeedTest bool    `json:"speedTest,omitempty"`
}

// StateHandler serves read-only views of tracks and live sessions.
type StateHandler struct {
	registry   *race.Registry
	geometries *track.Geometries
	clock      clockwork.Clock
}

func NewStateHandler(registry *race.Registry, geometries *track.Geometries, clock clockwork.Clock) *StateHandler {
	return &StateHandler{
		registry:   registry,
		geometries: geometries,
		clock:      clock,
	}
}

func (h *StateHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleListTracks handles GET /api/tracks
func (h *StateHandler) HandleListTracks(w http.ResponseWriter, r *http.Request) {
	defs := h.geometries.Catalog().List()
	out := make([]TrackSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, TrackSummary{
			ID:        def.ID,
			Name:      def.Name,
			WorldW:    def.WorldW,
			WorldH:    def.WorldH,
			TrackW:    def.TrackW,
			Segments:  len(def.Segments),
			SpeedTest: def.SpeedTest,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetTrack handles GET /api/tracks/{id}
func (h *StateHandler) HandleGetTrack(w http.ResponseWriter, r *http.Request) {
	def, ok := h.geometries.Catalog().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_track")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// HandleGetGeometry handles GET /api/tracks/{id}/geometry
func (h *StateHandler) HandleGetGeometry(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("id")
	geo, err := h.geometries.Get(trackID)
	if err != nil {
		if track.IsUnknownTrack(err) {
			writeError(w, http.StatusNotFound, "unknown_track")
			return
		}
		log.Error().Err(err).Str("track_id", trackID).Msg("failed to build track geometry")
		writeError(w, http.StatusInternalServerError, "invalid_track")
		return
	}
	writeJSON(w, http.StatusOK, geo)
}

// HandleGetState handles GET /api/tracks/{id}/state. Tracks without a live
// session report an empty lobby; the lookup never creates a session.
func (h *StateHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("id")
	if s, ok := h.registry.Lookup(trackID); ok {
		writeJSON(w, http.StatusOK, s.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, &protocol.Snapshot{
		Type:        protocol.TypeSnapshot,
		Track:       trackID,
		ServerNowMs: h.clock.Now().UnixMilli(),
		Phase:       protocol.PhaseLobby,
		Players:     []protocol.PlayerSnapshot{},
	})
}

// HandleGetPresence handles GET /api/presence
func (h *StateHandler) HandleGetPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.NewPresence(h.registry.Presence(), h.clock.Now().UnixMilli()))
}

func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/tracks", h.HandleListTracks)
	mux.HandleFunc("GET /api/tracks/{id}", h.HandleGetTrack)
	mux.HandleFunc("GET /api/tracks/{id}/geometry", h.HandleGetGeometry)
	mux.HandleFunc("GET /api/tracks/{id}/state", h.HandleGetState)
	mux.HandleFunc("GET /api/presence", h.HandleGetPresence)
}
