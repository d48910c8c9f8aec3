package results

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/runnermp/runner-mp/go/internal/race"
)

// Record is one archived finish.
type Record struct {
	ID                string    `json:"id" msgpack:"id"`
	TrackID           string    `json:"trackId" msgpack:"track_id"`
	MatchID           string    `json:"matchId,omitempty" msgpack:"match_id"`
	Cid               string    `json:"cid" msgpack:"cid"`
	Winner            bool      `json:"winner" msgpack:"winner"`
	FinishedAtEpochMs int64     `json:"finishedAtEpochMs" msgpack:"finished_at"`
	RunMs             *float64  `json:"runMs" msgpack:"run_ms"`
	X                 float64   `json:"x" msgpack:"x"`
	Y                 float64   `json:"y" msgpack:"y"`
	RecordedAt        time.Time `json:"recordedAt" msgpack:"recorded_at"`
}

// Store archives finish records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	List(ctx context.Context, trackID string) ([]Record, error)
	Close() error
}

// RecordFromEvent converts a finish event into a Record keyed by the event
// id, so saving the same event twice stores one record. Other event types
// are not archived.
func RecordFromEvent(e race.Event) (Record, bool) {
	if e.Type != race.EventFinish || e.Finish == nil {
		return Record{}, false
	}
	id := e.ID
	if id == "" {
		id = ksuid.New().String()
	}
	return Record{
		ID:                id,
		TrackID:           e.TrackID,
		MatchID:           e.MatchID,
		Cid:               e.Cid,
		Winner:            e.Cid == e.WinnerCid,
		FinishedAtEpochMs: e.FinishedAtEpochMs,
		RunMs:             e.Finish.RunMs,
		X:                 e.Finish.X,
		Y:                 e.Finish.Y,
		RecordedAt:        e.At.UTC(),
	}, true
}
