package race

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/track"
)

// ErrSessionClosed is returned by every session operation once the session
// has been reaped. Callers resolve the track again through the Registry.
var ErrSessionClosed = errors.New("session closed")

// minPlayers is the quorum needed to arm a race.
const minPlayers = 2

// Subscriber is a non-owning push handle for one connected client. Send must
// not block and Close must be idempotent; neither may call back into the
// session synchronously.
type Subscriber interface {
	ID() string
	Send(msg any) error
	Close() error
}

// FinishVerifier checks a finish claim against a track's finish line.
type FinishVerifier interface {
	Verify(trackID string, x, y float64) (bool, float64)
}

// Config holds the timing parameters shared by every session.
type Config struct {
	PlayerTTL      time.Duration
	StartDelay     time.Duration
	SnapshotPeriod time.Duration
	SessionIdle    time.Duration
}

// Status is the compact session summary returned to REST callers.
type Status struct {
	StartAtEpochMs *int64
	PlayersCount   int
}

// FinishOutcome describes the result of a finish claim.
type FinishOutcome struct {
	Accepted          bool
	Distance          float64
	WinnerCid         *string
	FinishedAtEpochMs *int64
}

// Session is the state of one track instance. Every exported method holds
// the session lock for its whole duration.
type Session struct {
	trackID  string
	cfg      Config
	clock    clockwork.Clock
	verifier FinishVerifier
	sink     EventSink

	closed atomic.Bool

	mu          sync.Mutex
	players     map[string]*player
	order       []string
	subscribers map[string]Subscriber
	startAt     *int64
	winner      *string
	matchID     string
	lastActive  time.Time

	stopBroadcast context.CancelFunc
}

func newSession(trackID string, cfg Config, clock clockwork.Clock, verifier FinishVerifier, sink EventSink) *Session {
	if sink == nil {
		sink = nopSink{}
	}
	return &Session{
		trackID:     trackID,
		cfg:         cfg,
		clock:       clock,
		verifier:    verifier,
		sink:        sink,
		players:     make(map[string]*player),
		subscribers: make(map[string]Subscriber),
		lastActive:  clock.Now(),
	}
}

// TrackID returns the track this session belongs to.
func (s *Session) TrackID() string {
	return s.trackID
}

// Join registers sub as the push handle for cid, creating the player if
// needed, and sends it the current state. A previous subscriber for the
// same cid is replaced and closed.
func (s *Session) Join(cid string, sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}

	now := s.clock.Now()
	s.sweepLocked(now)
	s.lastActive = now

	if old, ok := s.subscribers[cid]; ok && old.ID() != sub.ID() {
		log.Debug().
			Str("track_id", s.trackID).
			Str("cid", cid).
			Str("replaced", old.ID()).
			Msg("subscriber replaced")
		_ = old.Close()
	}
	s.subscribers[cid] = sub
	s.touchLocked(cid, now)
	s.startBroadcasterLocked()

	s.sendLocked(sub, s.stateLocked(now))

	log.Info().
		Str("track_id", s.trackID).
		Str("cid", cid).
		Int("players", len(s.players)).
		Int("subscribers", len(s.subscribers)).
		Msg("client joined session")
	return nil
}

// Detach removes sub if it is still the registered subscriber for cid.
// A disconnect always ends the current match for everyone.
func (s *Session) Detach(cid string, sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}

	current, ok := s.subscribers[cid]
	if !ok || current.ID() != sub.ID() {
		return nil
	}
	delete(s.subscribers, cid)
	s.lastActive = s.clock.Now()

	log.Info().
		Str("track_id", s.trackID).
		Str("cid", cid).
		Int("subscribers", len(s.subscribers)).
		Msg("subscriber detached")

	s.resetLocked(true)
	if len(s.subscribers) == 0 {
		s.stopBroadcasterLocked()
	}
	return nil
}

// Touch refreshes cid's liveness, creating the player if it is unknown.
func (s *Session) Touch(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}

	now := s.clock.Now()
	s.sweepLocked(now)
	s.lastActive = now
	s.touchLocked(cid, now)
	return nil
}

// ApplyUpdate records a position report. Non-finite x or y leave the player
// untouched; non-finite velocities are stored as zero.
func (s *Session) ApplyUpdate(cid string, x, y, vx, vy float64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return Status{}, ErrSessionClosed
	}

	now := s.clock.Now()
	s.sweepLocked(now)
	s.lastActive = now

	p, ok := s.players[cid]
	if !ok {
		p = s.addPlayerLocked(cid, now)
	}
	if finite(x) && finite(y) {
		p.pos = &track.Point{X: x, Y: y}
		p.vx = finiteOrZero(vx)
		p.vy = finiteOrZero(vy)
		p.lastSeen = now
	}
	return s.statusLocked(), nil
}

// SetReady toggles cid's ready flag. Going un-ready resets the match for
// everyone; going ready arms the countdown once all players are ready.
func (s *Session) SetReady(cid string, ready bool) (*protocol.ReadyAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	now := s.clock.Now()
	s.sweepLocked(now)
	s.lastActive = now

	p := s.touchLocked(cid, now)
	p.ready = ready
	if ready {
		s.maybeArmLocked(now)
	} else {
		s.resetLocked(true)
	}

	return protocol.NewReadyAck(s.startAt, len(s.players), now.UnixMilli()), nil
}

// ClaimFinish verifies a client's finish claim. Rejected and repeated claims
// change nothing and are not reported to other clients.
func (s *Session) ClaimFinish(cid string, x, y, runMs float64) (FinishOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return FinishOutcome{}, ErrSessionClosed
	}

	now := s.clock.Now()
	s.sweepLocked(now)
	s.lastActive = now
	p := s.touchLocked(cid, now)

	accepted, distance := s.verifier.Verify(s.trackID, x, y)
	outcome := FinishOutcome{Accepted: accepted, Distance: distance}
	// below quorum there is no match to win
	if !accepted || p.finished() || len(s.players) < minPlayers {
		log.Debug().
			Str("track_id", s.trackID).
			Str("cid", cid).
			Bool("accepted", accepted).
			Bool("already_finished", p.finished()).
			Float64("distance", distance).
			Msg("finish claim ignored")
		outcome.Accepted = false
		outcome.WinnerCid = s.winner
		outcome.FinishedAtEpochMs = p.finishedAt
		return outcome, nil
	}

	nowMs := now.UnixMilli()
	finishedAt := nowMs
	p.finishedAt = &finishedAt
	p.finish = &protocol.FinishSnapshot{
		X:           x,
		Y:           y,
		RunMs:       optionalFloat(runMs),
		ServerNowMs: nowMs,
	}
	p.pos = &track.Point{X: x, Y: y}
	if s.winner == nil {
		winner := cid
		s.winner = &winner
	}

	msg := &protocol.Finish{
		Type:              protocol.TypeFinish,
		Cid:               cid,
		FinishedAtEpochMs: finishedAt,
		WinnerCid:         *s.winner,
		MatchID:           s.matchIDLocked(),
		ServerNowMs:       nowMs,
		Finish:            *p.finish,
	}
	s.broadcastLocked(msg)

	s.emitLocked(Event{
		Type:              EventFinish,
		TrackID:           s.trackID,
		MatchID:           s.matchID,
		At:                now,
		Cid:               cid,
		WinnerCid:         *s.winner,
		FinishedAtEpochMs: finishedAt,
		Finish:            p.finish,
		Players:           len(s.players),
	})

	log.Info().
		Str("track_id", s.trackID).
		Str("cid", cid).
		Str("winner_cid", *s.winner).
		Float64("distance", distance).
		Msg("finish accepted")

	outcome.WinnerCid = s.winner
	outcome.FinishedAtEpochMs = p.finishedAt
	return outcome, nil
}

// Leave removes cid and its subscriber. Leaving counts as a disconnect.
func (s *Session) Leave(cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}

	_, hadPlayer := s.players[cid]
	sub, hadSub := s.subscribers[cid]
	if !hadPlayer && !hadSub {
		return nil
	}

	s.removePlayerLocked(cid)
	if hadSub {
		delete(s.subscribers, cid)
		_ = sub.Close()
	}
	s.lastActive = s.clock.Now()

	log.Info().Str("track_id", s.trackID).Str("cid", cid).Msg("client left session")

	s.resetLocked(true)
	if len(s.subscribers) == 0 {
		s.stopBroadcasterLocked()
	}
	return nil
}

// Sweep prunes players that have been silent for longer than the TTL.
func (s *Session) Sweep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.sweepLocked(s.clock.Now())
	return nil
}

// Tick runs one broadcast cycle: sweep, then push a snapshot to every
// subscriber.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	now := s.clock.Now()
	s.sweepLocked(now)
	if len(s.subscribers) == 0 {
		return
	}
	s.broadcastLocked(s.snapshotLocked(now))
}

// Snapshot returns the full session state as broadcast to clients.
func (s *Session) Snapshot() *protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.clock.Now())
}

// State returns the join-time summary of the session.
func (s *Session) State() *protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(s.clock.Now())
}

// Phase reports LOBBY, COUNTDOWN or RACE at the current time.
func (s *Session) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked(s.clock.Now())
}

// Presence returns the session's contribution to the presence aggregate.
// Sessions without players do not contribute.
func (s *Session) Presence() (protocol.PresenceCount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.players)
	if n == 0 || s.closed.Load() {
		return protocol.PresenceCount{}, false
	}
	if s.phaseLocked(s.clock.Now()) == protocol.PhaseLobby {
		return protocol.PresenceCount{Lobby: n}, true
	}
	return protocol.PresenceCount{Race: n}, true
}

// SubscriberCount is the number of attached push handles.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// closeIfIdle marks the session closed when it has neither players nor
// subscribers and has been inactive for at least idle.
func (s *Session) closeIfIdle(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return true
	}
	if len(s.players) > 0 || len(s.subscribers) > 0 || now.Sub(s.lastActive) < idle {
		return false
	}
	s.closed.Store(true)
	s.stopBroadcasterLocked()
	return true
}

// close stops the broadcaster and rejects further operations.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
	s.stopBroadcasterLocked()
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}

func (s *Session) touchLocked(cid string, now time.Time) *player {
	p, ok := s.players[cid]
	if !ok {
		return s.addPlayerLocked(cid, now)
	}
	p.lastSeen = now
	return p
}

func (s *Session) addPlayerLocked(cid string, now time.Time) *player {
	p := newPlayer(cid, now)
	s.players[cid] = p
	s.order = append(s.order, cid)
	return p
}

func (s *Session) removePlayerLocked(cid string) {
	if _, ok := s.players[cid]; !ok {
		return
	}
	delete(s.players, cid)
	for i, id := range s.order {
		if id == cid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// sweepLocked removes expired players and closes their subscribers. Below
// quorum the match state is always cleared.
func (s *Session) sweepLocked(now time.Time) {
	var expired []string
	for _, cid := range s.order {
		if now.Sub(s.players[cid].lastSeen) > s.cfg.PlayerTTL {
			expired = append(expired, cid)
		}
	}

	for _, cid := range expired {
		s.removePlayerLocked(cid)
		if sub, ok := s.subscribers[cid]; ok {
			delete(s.subscribers, cid)
			_ = sub.Close()
		}
		log.Info().
			Str("track_id", s.trackID).
			Str("cid", cid).
			Dur("ttl", s.cfg.PlayerTTL).
			Msg("player expired")
	}

	if len(s.players) < minPlayers {
		// notify only when an armed countdown is being cancelled
		s.resetLocked(s.startAt != nil)
	}
	if len(expired) > 0 && len(s.subscribers) == 0 {
		s.stopBroadcasterLocked()
	}
}

// maybeArmLocked schedules the race start once at least two players are
// all ready. Arming twice is a no-op.
func (s *Session) maybeArmLocked(now time.Time) {
	if s.startAt != nil || len(s.players) < minPlayers {
		return
	}
	for _, p := range s.players {
		if !p.ready {
			return
		}
	}

	startAt := now.Add(s.cfg.StartDelay).UnixMilli()
	s.startAt = &startAt
	s.matchID = ksuid.New().String()

	s.broadcastLocked(protocol.NewStart(s.startAt, s.matchIDLocked(), now.UnixMilli()))
	s.emitLocked(Event{
		Type:           EventArmed,
		TrackID:        s.trackID,
		MatchID:        s.matchID,
		At:             now,
		StartAtEpochMs: startAt,
		Players:        len(s.players),
	})

	log.Info().
		Str("track_id", s.trackID).
		Str("match_id", s.matchID).
		Int("players", len(s.players)).
		Int64("start_at", startAt).
		Msg("race armed")
}

// resetLocked clears the countdown, the winner and every player's
// ready/finish state. When notify is set subscribers receive start:null.
func (s *Session) resetLocked(notify bool) {
	hadMatch := s.startAt != nil || s.winner != nil || s.matchID != ""
	matchID := s.matchID

	s.startAt = nil
	s.winner = nil
	s.matchID = ""
	for _, p := range s.players {
		p.resetMatch()
	}

	now := s.clock.Now()
	if notify {
		s.broadcastLocked(protocol.NewStart(nil, nil, now.UnixMilli()))
	}
	if hadMatch {
		s.emitLocked(Event{
			Type:    EventReset,
			TrackID: s.trackID,
			MatchID: matchID,
			At:      now,
			Players: len(s.players),
		})
		log.Info().
			Str("track_id", s.trackID).
			Str("match_id", matchID).
			Int("players", len(s.players)).
			Msg("match reset")
	}
}

// emitLocked stamps the event with a fresh id and hands it to the sink.
func (s *Session) emitLocked(e Event) {
	e.ID = ksuid.New().String()
	s.sink.Publish(e)
}

func (s *Session) phaseLocked(now time.Time) string {
	switch {
	case s.startAt == nil:
		return protocol.PhaseLobby
	case now.UnixMilli() < *s.startAt:
		return protocol.PhaseCountdown
	default:
		return protocol.PhaseRace
	}
}

func (s *Session) matchIDLocked() *string {
	if s.matchID == "" {
		return nil
	}
	id := s.matchID
	return &id
}

func (s *Session) statusLocked() Status {
	return Status{StartAtEpochMs: s.startAt, PlayersCount: len(s.players)}
}

func (s *Session) stateLocked(now time.Time) *protocol.State {
	return &protocol.State{
		Type:           protocol.TypeState,
		OK:             true,
		Track:          s.trackID,
		ServerNowMs:    now.UnixMilli(),
		StartAtEpochMs: s.startAt,
		WinnerCid:      s.winner,
		MatchID:        s.matchIDLocked(),
		PlayersCount:   len(s.players),
		Phase:          s.phaseLocked(now),
	}
}

func (s *Session) snapshotLocked(now time.Time) *protocol.Snapshot {
	snap := &protocol.Snapshot{
		Type:           protocol.TypeSnapshot,
		Track:          s.trackID,
		ServerNowMs:    now.UnixMilli(),
		StartAtEpochMs: s.startAt,
		WinnerCid:      s.winner,
		MatchID:        s.matchIDLocked(),
		Phase:          s.phaseLocked(now),
		Players:        make([]protocol.PlayerSnapshot, 0, len(s.order)),
		PlayersCount:   len(s.players),
	}
	for _, cid := range s.order {
		p := s.players[cid]
		if p.ready {
			snap.ReadyCount++
		}
		snap.Players = append(snap.Players, p.snapshot())
	}
	return snap
}

// broadcastLocked pushes msg to every subscriber. Delivery is best effort.
func (s *Session) broadcastLocked(msg any) {
	for _, sub := range s.subscribers {
		s.sendLocked(sub, msg)
	}
}

func (s *Session) sendLocked(sub Subscriber, msg any) {
	if err := sub.Send(msg); err != nil {
		log.Debug().
			Err(err).
			Str("track_id", s.trackID).
			Str("subscriber", sub.ID()).
			Str("type", protocol.TypeOf(msg)).
			Msg("send dropped")
	}
}

func (s *Session) startBroadcasterLocked() {
	if s.stopBroadcast != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopBroadcast = cancel

	ticker := s.clock.NewTicker(s.cfg.SnapshotPeriod)
	go s.runBroadcaster(ctx, ticker)

	log.Debug().
		Str("track_id", s.trackID).
		Dur("period", s.cfg.SnapshotPeriod).
		Msg("broadcaster started")
}

func (s *Session) stopBroadcasterLocked() {
	if s.stopBroadcast == nil {
		return
	}
	s.stopBroadcast()
	s.stopBroadcast = nil
	log.Debug().Str("track_id", s.trackID).Msg("broadcaster stopped")
}

func (s *Session) runBroadcaster(ctx context.Context, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			s.Tick()
		}
	}
}
