package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/race"
)

// sseSubscriber queues preformatted event-stream frames for one /sse
// request.
type sseSubscriber struct {
	id        string
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSSESubscriber(buffer int) *sseSubscriber {
	return &sseSubscriber{
		id:     uuid.New().String(),
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *sseSubscriber) ID() string {
	return s.id
}

func (s *sseSubscriber) Send(msg any) error {
	frame, err := sseFrame(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case s.frames <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *sseSubscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// sseFrame formats msg as "event: <type>\ndata: <json>\n\n".
func sseFrame(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sse event: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", protocol.TypeOf(msg), data)), nil
}

// SSEHandler serves /sse, the push channel of REST clients.
type SSEHandler struct {
	registry   *race.Registry
	clock      clockwork.Clock
	keepAlive  time.Duration
	bufferSize int
}

func NewSSEHandler(registry *race.Registry, clock clockwork.Clock, keepAlive time.Duration, bufferSize int) *SSEHandler {
	return &SSEHandler{
		registry:   registry,
		clock:      clock,
		keepAlive:  keepAlive,
		bufferSize: bufferSize,
	}
}

func (h *SSEHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	cid := query.Get("cid")
	if cid == "" {
		writeError(w, http.StatusBadRequest, "missing_cid")
		return
	}
	trackID := query.Get("track")
	if trackID == "" {
		trackID = protocol.DefaultTrack
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// the server's write timeout would otherwise cut the stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := newSSESubscriber(h.bufferSize)
	if err := h.registry.Do(trackID, func(s *race.Session) error {
		return s.Join(cid, sub)
	}); err != nil {
		log.Error().Err(err).Str("track_id", trackID).Str("cid", cid).Msg("failed to join session")
		return
	}
	defer func() {
		_ = sub.Close()
		if s, ok := h.registry.Lookup(trackID); ok {
			_ = s.Detach(cid, sub)
		}
		log.Info().Str("track_id", trackID).Str("cid", cid).Msg("SSE stream closed")
	}()

	log.Info().Str("track_id", trackID).Str("cid", cid).Msg("SSE stream opened")

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case frame := <-sub.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.Chan():
			if err := h.registry.Do(trackID, func(s *race.Session) error {
				return s.Touch(cid)
			}); err != nil {
				log.Debug().Err(err).Str("track_id", trackID).Str("cid", cid).Msg("keep-alive touch failed")
			}
			frame, err := sseFrame(protocol.NewKeepAlive(h.clock.Now().UnixMilli()))
			if err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *SSEHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sse", h.HandleStream)
}
