package gateway

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/race"
)

// PresencePusher periodically sends the per-track presence aggregate to
// every WebSocket connection, joined or not.
type PresencePusher struct {
	registry    *race.Registry
	connections *ConnectionManager
	clock       clockwork.Clock
	interval    time.Duration
}

func NewPresencePusher(registry *race.Registry, connections *ConnectionManager, clock clockwork.Clock, interval time.Duration) *PresencePusher {
	return &PresencePusher{
		registry:    registry,
		connections: connections,
		clock:       clock,
		interval:    interval,
	}
}

// Run pushes presence every interval until ctx is cancelled.
func (p *PresencePusher) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Msg("presence pusher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("presence pusher stopped")
			return
		case <-ticker.Chan():
			p.Push()
		}
	}
}

// Push sends one presence message and returns how many connections it was
// queued for.
func (p *PresencePusher) Push() int {
	msg := protocol.NewPresence(p.registry.Presence(), p.clock.Now().UnixMilli())
	return p.connections.Broadcast(msg)
}
