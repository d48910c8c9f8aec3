package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/race"
)

// maxBodyBytes caps REST request bodies.
const maxBodyBytes = 64 << 10

type errorResponse struct {
	OK  bool   `json:"ok"`
	Err string `json:"err"`
}

type statusResponse struct {
	OK             bool   `json:"ok"`
	StartAtEpochMs *int64 `json:"startAtEpochMs"`
	PlayersCount   int    `json:"playersCount"`
}

type finishResponse struct {
	OK                bool    `json:"ok"`
	WinnerCid         *string `json:"winnerCid"`
	FinishedAtEpochMs *int64  `json:"finishedAtEpochMs"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// RESTHandler serves the request/response variant of the protocol used by
// SSE clients.
type RESTHandler struct {
	registry *race.Registry
}

func NewRESTHandler(registry *race.Registry) *RESTHandler {
	return &RESTHandler{registry: registry}
}

// readRequest decodes a REST body. Unlike a WebSocket hello both track and
// cid are required.
func (h *RESTHandler) readRequest(w http.ResponseWriter, r *http.Request) (protocol.ClientMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return protocol.ClientMessage{}, false
		}
		writeError(w, http.StatusBadRequest, "missing_track_or_cid")
		return protocol.ClientMessage{}, false
	}

	msg, err := protocol.Decode(body)
	if err != nil || msg.Track == "" || msg.Cid == "" {
		writeError(w, http.StatusBadRequest, "missing_track_or_cid")
		return protocol.ClientMessage{}, false
	}
	return msg, true
}

func (h *RESTHandler) HandleTick(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	var status race.Status
	err := h.registry.Do(string(msg.Track), func(s *race.Session) error {
		var err error
		status, err = s.ApplyUpdate(string(msg.Cid), msg.X.Float(), msg.Y.Float(), msg.VX.Float(), msg.VY.Float())
		return err
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		OK:             true,
		StartAtEpochMs: status.StartAtEpochMs,
		PlayersCount:   status.PlayersCount,
	})
}

func (h *RESTHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	var ack *protocol.ReadyAck
	err := h.registry.Do(string(msg.Track), func(s *race.Session) error {
		var err error
		ack, err = s.SetReady(string(msg.Cid), bool(msg.Ready))
		return err
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		OK:             true,
		StartAtEpochMs: ack.StartAtEpochMs,
		PlayersCount:   ack.PlayersCount,
	})
}

// HandleFinish verifies the claim like the WebSocket path. A rejected claim
// still answers ok with the current winner.
func (h *RESTHandler) HandleFinish(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	var outcome race.FinishOutcome
	err := h.registry.Do(string(msg.Track), func(s *race.Session) error {
		var err error
		outcome, err = s.ClaimFinish(string(msg.Cid), msg.X.Float(), msg.Y.Float(), msg.RunMs.Float())
		return err
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, finishResponse{
		OK:                true,
		WinnerCid:         outcome.WinnerCid,
		FinishedAtEpochMs: outcome.FinishedAtEpochMs,
	})
}

func (h *RESTHandler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	if err := h.registry.Do(string(msg.Track), func(s *race.Session) error {
		return s.Leave(string(msg.Cid))
	}); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *RESTHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusServiceUnavailable, "unavailable")
}

func (h *RESTHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tick", h.HandleTick)
	mux.HandleFunc("POST /ready", h.HandleReady)
	mux.HandleFunc("POST /finish", h.HandleFinish)
	mux.HandleFunc("POST /leave", h.HandleLeave)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{OK: false, Err: code})
}
