package race

import (
	"math"
	"time"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/track"
)

// player is the server-side state of one client in a session. It is only
// touched with the owning session's lock held.
type player struct {
	cid      string
	pos      *track.Point // nil until the client reports a finite position
	vx, vy   float64
	lastSeen time.Time
	ready    bool

	finishedAt *int64 // epoch ms, server assigned
	finish     *protocol.FinishSnapshot
}

func newPlayer(cid string, now time.Time) *player {
	return &player{cid: cid, lastSeen: now}
}

// resetMatch clears everything that belongs to the current match cycle.
func (p *player) resetMatch() {
	p.ready = false
	p.finishedAt = nil
	p.finish = nil
}

func (p *player) finished() bool {
	return p.finishedAt != nil
}

func (p *player) snapshot() protocol.PlayerSnapshot {
	ps := protocol.PlayerSnapshot{
		Cid:               p.cid,
		VX:                p.vx,
		VY:                p.vy,
		LastSeen:          p.lastSeen.UnixMilli(),
		Ready:             p.ready,
		FinishedAtEpochMs: p.finishedAt,
		Finish:            p.finish,
	}
	if p.pos != nil {
		x, y := p.pos.X, p.pos.Y
		ps.X, ps.Y = &x, &y
	}
	return ps
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteOrZero(f float64) float64 {
	if !finite(f) {
		return 0
	}
	return f
}

func optionalFloat(f float64) *float64 {
	if !finite(f) {
		return nil
	}
	return &f
}
