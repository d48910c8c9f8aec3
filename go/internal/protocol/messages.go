package protocol

// Inbound message types.
const (
	TypeHello       = "hello"
	TypeUpdate      = "update"
	TypeReady       = "ready"
	TypeFinish      = "finish"
	TypeFinishClaim = "finishClaim"
	TypePing        = "ping"
)

// Outbound message types. TypeFinish and TypePing are shared with inbound.
const (
	TypeState    = "state"
	TypeStart    = "start"
	TypeSnapshot = "snapshot"
	TypeReadyAck = "readyAck"
	TypePong     = "pong"
	TypePresence = "track_presence"
)

// DefaultTrack is used when a hello omits its track.
const DefaultTrack = "track-000"

// Phase names reported to clients.
const (
	PhaseLobby     = "lobby"
	PhaseCountdown = "countdown"
	PhaseRace      = "race"
)

// State is sent to a client right after it joins a session.
type State struct {
	Type           string  `json:"type"`
	OK             bool    `json:"ok"`
	Track          string  `json:"track"`
	ServerNowMs    int64   `json:"serverNowMs"`
	StartAtEpochMs *int64  `json:"startAtEpochMs"`
	WinnerCid      *string `json:"winnerCid"`
	MatchID        *string `json:"matchId"`
	PlayersCount   int     `json:"playersCount"`
	Phase          string  `json:"phase"`
}

// Start announces an armed countdown, or its cancellation when
// StartAtEpochMs is nil.
type Start struct {
	Type           string  `json:"type"`
	StartAtEpochMs *int64  `json:"startAtEpochMs"`
	MatchID        *string `json:"matchId"`
	ServerNowMs    int64   `json:"serverNowMs"`
}

// FinishSnapshot is the position a player crossed the line at, used by
// clients to snap the car onto the finish line.
type FinishSnapshot struct {
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	RunMs       *float64 `json:"runMs"`
	ServerNowMs int64    `json:"serverNowMs"`
}

// PlayerSnapshot is one player's entry in a Snapshot. X and Y are null
// until the player has reported a position.
type PlayerSnapshot struct {
	Cid               string          `json:"cid"`
	X                 *float64        `json:"x"`
	Y                 *float64        `json:"y"`
	VX                float64         `json:"vx"`
	VY                float64         `json:"vy"`
	LastSeen          int64           `json:"ts"`
	Ready             bool            `json:"ready"`
	FinishedAtEpochMs *int64          `json:"finishedAtEpochMs"`
	Finish            *FinishSnapshot `json:"finish"`
}

type Snapshot struct {
	Type           string           `json:"type"`
	Track          string           `json:"track"`
	ServerNowMs    int64            `json:"serverNowMs"`
	StartAtEpochMs *int64           `json:"startAtEpochMs"`
	WinnerCid      *string          `json:"winnerCid"`
	MatchID        *string          `json:"matchId"`
	Phase          string           `json:"phase"`
	Players        []PlayerSnapshot `json:"players"`
	PlayersCount   int              `json:"playersCount"`
	ReadyCount     int              `json:"readyCount"`
}

// Finish is broadcast once per accepted finish claim.
type Finish struct {
	Type              string         `json:"type"`
	Cid               string         `json:"cid"`
	FinishedAtEpochMs int64          `json:"finishedAtEpochMs"`
	WinnerCid         string         `json:"winnerCid"`
	MatchID           *string        `json:"matchId"`
	ServerNowMs       int64          `json:"serverNowMs"`
	Finish            FinishSnapshot `json:"finish"`
}

type ReadyAck struct {
	Type           string `json:"type"`
	ServerNowMs    int64  `json:"serverNowMs"`
	StartAtEpochMs *int64 `json:"startAtEpochMs"`
	PlayersCount   int    `json:"playersCount"`
}

type Pong struct {
	Type        string `json:"type"`
	ServerNowMs int64  `json:"serverNowMs"`
}

// PresenceCount is the number of active players of a track by phase.
type PresenceCount struct {
	Lobby int `json:"lobby"`
	Race  int `json:"race"`
}

type Presence struct {
	Type        string                   `json:"type"`
	ServerNowMs int64                    `json:"serverNowMs"`
	Tracks      map[string]PresenceCount `json:"tracks"`
}

func NewStart(startAt *int64, matchID *string, now int64) *Start {
	return &Start{Type: TypeStart, StartAtEpochMs: startAt, MatchID: matchID, ServerNowMs: now}
}

func NewReadyAck(startAt *int64, playersCount int, now int64) *ReadyAck {
	return &ReadyAck{Type: TypeReadyAck, StartAtEpochMs: startAt, PlayersCount: playersCount, ServerNowMs: now}
}

func NewPong(now int64) *Pong {
	return &Pong{Type: TypePong, ServerNowMs: now}
}

// NewKeepAlive is the periodic ping pushed to SSE subscribers.
func NewKeepAlive(now int64) *Pong {
	return &Pong{Type: TypePing, ServerNowMs: now}
}

func NewPresence(tracks map[string]PresenceCount, now int64) *Presence {
	if tracks == nil {
		tracks = map[string]PresenceCount{}
	}
	return &Presence{Type: TypePresence, Tracks: tracks, ServerNowMs: now}
}

// TypeOf returns the type field of an outbound message, or "" if msg is not
// one of the protocol messages.
func TypeOf(msg any) string {
	switch m := msg.(type) {
	case *State:
		return m.Type
	case *Start:
		return m.Type
	case *Snapshot:
		return m.Type
	case *Finish:
		return m.Type
	case *ReadyAck:
		return m.Type
	case *Pong:
		return m.Type
	case *Presence:
		return m.Type
	default:
		return ""
	}
}
