package race

import (
	"time"

	"github.com/runnermp/runner-mp/go/internal/protocol"
)

// EventType identifies a domain event emitted by a session.
type EventType string

const (
	EventArmed  EventType = "armed"
	EventFinish EventType = "finish"
	EventReset  EventType = "reset"
)

// Event is a race lifecycle event handed to the results pipeline.
type Event struct {
	// ID is assigned once when the event is emitted and identifies it across
	// delivery retries.
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	TrackID string    `json:"trackId"`
	MatchID string    `json:"matchId,omitempty"`
	At      time.Time `json:"at"`

	// armed
	StartAtEpochMs int64 `json:"startAtEpochMs,omitempty"`
	Players        int   `json:"players,omitempty"`

	// finish
	Cid               string                   `json:"cid,omitempty"`
	WinnerCid         string                   `json:"winnerCid,omitempty"`
	FinishedAtEpochMs int64                    `json:"finishedAtEpochMs,omitempty"`
	Finish            *protocol.FinishSnapshot `json:"finish,omitempty"`
}

// EventSink receives session events. Publish is called with the session
// lock held and must not block.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
