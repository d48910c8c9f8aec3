package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/race"
	"github.com/runnermp/runner-mp/go/internal/track"
)

const testTrack = "straight"

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clockwork.FakeClock
	registry *race.Registry
	service  *Service
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, config Config) *fixture {
	t.Helper()
	catalog, err := track.NewCatalog(track.Definition{
		ID:       testTrack,
		Name:     "Straight",
		Segments: []track.Segment{{Kind: track.SegmentLine, Length: 5000}},
	})
	if err != nil {
		t.Fatal(err)
	}
	geometries := track.NewGeometries(catalog)
	clock := clockwork.NewFakeClockAt(t0)
	registry := race.NewRegistry(race.Config{
		PlayerTTL:      time.Minute,
		StartDelay:     3500 * time.Millisecond,
		SnapshotPeriod: time.Hour,
		SessionIdle:    5 * time.Minute,
	}, clock, track.NewVerifier(geometries, 12, 6), nil)

	service := NewService(config, registry, geometries, clock)
	server := httptest.NewServer(service.Handler())
	t.Cleanup(func() {
		service.Stop()
		server.Close()
	})

	return &fixture{clock: clock, registry: registry, service: service, server: server}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// hello dials, binds to track as cid and consumes the state reply.
func (f *fixture) hello(t *testing.T, trackID, cid string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, "")
	send(t, conn, map[string]any{"type": "hello", "track": trackID, "cid": cid})
	readUntil(t, conn, ofType(protocol.TypeState))
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

// readUntil skips messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if match(m) {
			return m
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHelloReceivesState(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")

	send(t, conn, map[string]any{"type": "hello", "track": testTrack, "cid": "a"})
	state := readUntil(t, conn, ofType(protocol.TypeState))

	if state["ok"] != true || state["track"] != testTrack {
		t.Errorf("state = %v", state)
	}
	if state["playersCount"] != float64(1) || state["phase"] != protocol.PhaseLobby {
		t.Errorf("state = %v", state)
	}
	if state["startAtEpochMs"] != nil || state["winnerCid"] != nil {
		t.Errorf("fresh session reports a match: %v", state)
	}
	if state["serverNowMs"] != float64(t0.UnixMilli()) {
		t.Errorf("serverNowMs = %v, want %d", state["serverNowMs"], t0.UnixMilli())
	}
}

func TestHelloDefaultsTrack(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")

	send(t, conn, map[string]any{"type": "hello", "cid": 7})
	state := readUntil(t, conn, ofType(protocol.TypeState))
	if state["track"] != protocol.DefaultTrack {
		t.Errorf("track = %v, want %s", state["track"], protocol.DefaultTrack)
	}
}

func TestMessagesBeforeHello(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")

	send(t, conn, map[string]any{"type": "update", "x": 1, "y": 2})
	send(t, conn, map[string]any{"type": "ready", "ready": true})
	send(t, conn, map[string]any{"type": "hello", "track": testTrack})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	send(t, conn, map[string]any{"type": "ping"})

	readUntil(t, conn, ofType(protocol.TypePong))
	if n := f.registry.Len(); n != 0 {
		t.Errorf("%d sessions created before a valid hello", n)
	}
}

func TestWebSocketRace(t *testing.T) {
	f := newFixture(t)
	a := f.hello(t, testTrack, "a")
	b := f.hello(t, testTrack, "b")

	send(t, a, map[string]any{"type": "ready", "ready": true})
	ack := readUntil(t, a, ofType(protocol.TypeReadyAck))
	if ack["startAtEpochMs"] != nil || ack["playersCount"] != float64(2) {
		t.Errorf("first readyAck = %v", ack)
	}

	send(t, b, map[string]any{"type": "ready", "ready": "yes"})
	armed := func(m map[string]any) bool {
		return m["type"] == protocol.TypeStart && m["startAtEpochMs"] != nil
	}
	startA := readUntil(t, a, armed)
	startB := readUntil(t, b, armed)

	want := float64(t0.Add(3500 * time.Millisecond).UnixMilli())
	if startA["startAtEpochMs"] != want || startB["startAtEpochMs"] != want {
		t.Errorf("start = %v / %v, want %v", startA["startAtEpochMs"], startB["startAtEpochMs"], want)
	}
	if startA["matchId"] == nil || startA["matchId"] != startB["matchId"] {
		t.Errorf("match ids differ: %v / %v", startA["matchId"], startB["matchId"])
	}

	send(t, a, map[string]any{"type": "finishClaim", "x": "400", "y": 4800, "runMs": 41000})
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		fin := readUntil(t, conn, ofType(protocol.TypeFinish))
		if fin["cid"] != "a" || fin["winnerCid"] != "a" {
			t.Errorf("%s got finish %v", name, fin)
		}
		snap, _ := fin["finish"].(map[string]any)
		if snap["x"] != float64(400) || snap["runMs"] != float64(41000) {
			t.Errorf("%s got finish snapshot %v", name, snap)
		}
	}

	// disconnect ends the match for the remaining player
	b.Close()
	reset := readUntil(t, a, func(m map[string]any) bool {
		return m["type"] == protocol.TypeStart && m["startAtEpochMs"] == nil
	})
	if reset["matchId"] != nil {
		t.Errorf("reset start carries match id %v", reset["matchId"])
	}

	s, ok := f.registry.Lookup(testTrack)
	if !ok {
		t.Fatal("session missing")
	}
	waitFor(t, "detach", func() bool { return s.SubscriberCount() == 1 })
	if snap := s.Snapshot(); snap.WinnerCid != nil || snap.StartAtEpochMs != nil {
		t.Errorf("match survived disconnect: %+v", snap)
	}
}

func TestRejectedClaimIsSilent(t *testing.T) {
	f := newFixture(t)
	a := f.hello(t, testTrack, "a")
	f.hello(t, testTrack, "b")

	send(t, a, map[string]any{"type": "finish", "x": 400, "y": 4750})
	send(t, a, map[string]any{"type": "ping"})
	readUntil(t, a, func(m map[string]any) bool {
		if m["type"] == protocol.TypeFinish {
			t.Fatalf("rejected claim broadcast: %v", m)
		}
		return m["type"] == protocol.TypePong
	})

	s, _ := f.registry.Lookup(testTrack)
	if snap := s.Snapshot(); snap.WinnerCid != nil {
		t.Errorf("winner set by a rejected claim: %v", *snap.WinnerCid)
	}
}

func TestMsgpackEncoding(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "?enc=msgpack")

	send(t, conn, map[string]any{"type": "hello", "track": testTrack, "cid": "a"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if frameType != websocket.BinaryMessage {
		t.Fatalf("frame type = %d, want binary", frameType)
	}
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != protocol.TypeState || m["track"] != testTrack {
		t.Errorf("state = %v", m)
	}
}

func TestRebindDetachesPreviousSession(t *testing.T) {
	f := newFixture(t)
	conn := f.hello(t, "t1", "a")

	send(t, conn, map[string]any{"type": "hello", "track": "t2", "cid": "a"})
	state := readUntil(t, conn, ofType(protocol.TypeState))
	if state["track"] != "t2" {
		t.Fatalf("rebound state = %v", state)
	}

	first, _ := f.registry.Lookup("t1")
	waitFor(t, "detach from t1", func() bool { return first.SubscriberCount() == 0 })

	stats := f.service.GetStats()
	if stats.BoundConnections != 1 || stats.TrackConnections["t2"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReconnectReplacesSubscriber(t *testing.T) {
	f := newFixture(t)
	old := f.hello(t, testTrack, "a")
	f.hello(t, testTrack, "b")
	f.hello(t, testTrack, "a")

	// the replaced connection is closed by the server
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}

	s, _ := f.registry.Lookup(testTrack)
	if n := s.SubscriberCount(); n != 2 {
		t.Errorf("subscribers = %d, want 2", n)
	}
}

func TestPresencePush(t *testing.T) {
	f := newFixture(t)
	watcher := f.dial(t, "")
	f.hello(t, testTrack, "a")

	waitFor(t, "connections", func() bool { return f.service.GetStats().TotalConnections == 2 })
	if n := f.service.Presence().Push(); n != 2 {
		t.Errorf("presence queued for %d connections, want 2", n)
	}

	msg := readUntil(t, watcher, ofType(protocol.TypePresence))
	tracks, _ := msg["tracks"].(map[string]any)
	count, _ := tracks[testTrack].(map[string]any)
	if count["lobby"] != float64(1) || count["race"] != float64(0) {
		t.Errorf("presence = %v", msg)
	}
}

func TestConnectionStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.hello(t, testTrack, "a")

	resp, err := http.Get(f.server.URL + "/ws/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stats ConnectionStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalConnections != 1 || stats.BoundConnections != 1 || stats.ActiveTracks != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReadTimeout(t *testing.T) {
	cfg := DefaultConnectionConfig()
	if got, want := cfg.readTimeout(), 35*time.Second; got != want {
		t.Errorf("readTimeout = %v, want %v", got, want)
	}
}

func TestUnresponsivePeerIsDropped(t *testing.T) {
	config := DefaultConfig()
	config.ConnectionConfig.PingInterval = 100 * time.Millisecond
	config.ConnectionConfig.WriteTimeout = 100 * time.Millisecond
	f := newFixtureWithConfig(t, config)

	// a never reads after hello, so pings go unanswered
	f.hello(t, testTrack, "a")

	// b keeps reading, which answers every ping
	b := f.hello(t, testTrack, "b")
	go func() {
		for {
			b.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := b.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s, ok := f.registry.Lookup(testTrack)
	if !ok {
		t.Fatal("session missing")
	}
	waitFor(t, "silent peer teardown", func() bool { return s.SubscriberCount() == 1 })

	time.Sleep(500 * time.Millisecond)
	if n := s.SubscriberCount(); n != 1 {
		t.Errorf("subscribers = %d, responsive peer dropped", n)
	}
}
