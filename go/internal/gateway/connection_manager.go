package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/race"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// ConnectionManager tracks every open WebSocket connection, bound to a track
// or not.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	registry *race.Registry
	clock    clockwork.Clock
}

// Connection is one WebSocket client. It becomes a session subscriber after
// its first hello.
type Connection struct {
	id          string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	encoding protocol.Encoding
	manager  *ConnectionManager

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	trackID string
	cid     string
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// ConnectionStats is served on /ws/stats.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	BoundConnections int            `json:"bound_connections"`
	ActiveTracks     int            `json:"active_tracks"`
	TrackConnections map[string]int `json:"track_connections"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  64 << 10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// readTimeout is how long a connection may stay silent, pongs included: one
// ping interval plus the time the ping itself may take to be written.
func (c ConnectionConfig) readTimeout() time.Duration {
	return c.PingInterval + c.WriteTimeout
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, registry *race.Registry, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:   config,
		registry: registry,
		clock:    clock,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, enc protocol.Encoding) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		id:          uuid.New().String(),
		Conn:        conn,
		ConnectedAt: cm.clock.Now(),
		encoding:    enc,
		manager:     cm,
		send:        make(chan []byte, cm.config.SendBufferSize),
		done:        make(chan struct{}),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.id).
		Str("encoding", string(enc)).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.id).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.connections[conn]; !ok {
		return
	}
	delete(cm.connections, conn)

	trackID, cid := conn.binding()
	log.Info().
		Str("connection_id", conn.id).
		Str("track_id", trackID).
		Str("cid", cid).
		Dur("connected_for", cm.clock.Since(conn.ConnectedAt)).
		Msg("connection unregistered")
}

// Broadcast pushes msg to every open connection, joined or not. Each
// encoding is serialized once. It returns the number of connections the
// frame was queued for.
func (cm *ConnectionManager) Broadcast(msg any) int {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	frames := make(map[protocol.Encoding][]byte, 2)
	sent := 0
	for _, conn := range targets {
		frame, ok := frames[conn.encoding]
		if !ok {
			data, err := protocol.Encode(conn.encoding, msg)
			if err != nil {
				log.Error().Err(err).Str("type", protocol.TypeOf(msg)).Msg("failed to encode broadcast")
				return sent
			}
			frames[conn.encoding] = data
			frame = data
		}
		if err := conn.enqueue(frame); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", conn.id).
				Str("type", protocol.TypeOf(msg)).
				Msg("broadcast dropped")
			continue
		}
		sent++
	}
	return sent
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections: len(cm.connections),
		TrackConnections: make(map[string]int),
	}
	for conn := range cm.connections {
		trackID, cid := conn.binding()
		if cid == "" {
			continue
		}
		stats.BoundConnections++
		stats.TrackConnections[trackID]++
	}
	stats.ActiveTracks = len(stats.TrackConnections)
	return stats
}

// CloseAll closes every connection. Each one detaches through its read pump.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		_ = conn.Close()
	}
	log.Info().Int("connections", len(targets)).Msg("closed all connections")
}

// ID implements race.Subscriber.
func (c *Connection) ID() string {
	return c.id
}

// Send encodes msg for this connection and queues it without blocking.
func (c *Connection) Send(msg any) error {
	data, err := protocol.Encode(c.encoding, msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// Close ends the connection. The write pump sends a close frame and tears
// the socket down, which stops the read pump.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Connection) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) binding() (trackID, cid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackID, c.cid
}

func (c *Connection) bind(trackID, cid string) (prevTrack, prevCid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevTrack, prevCid = c.trackID, c.cid
	c.trackID, c.cid = trackID, cid
	return prevTrack, prevCid
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	cfg := c.manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.encoding.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(frameType, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				c.Close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				c.Close()
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Close()
		c.detach()
		c.manager.unregisterConnection(c)
	}()

	cfg := c.manager.config
	c.Conn.SetReadLimit(cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.readTimeout()))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.readTimeout()))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		c.Conn.SetReadDeadline(time.Now().Add(cfg.readTimeout()))
		c.handleClientMessage(message)
	}
}

// detach removes the connection from its session. The session is looked up
// rather than created so a reaped track is not revived by a disconnect.
func (c *Connection) detach() {
	trackID, cid := c.binding()
	if cid == "" {
		return
	}
	if s, ok := c.manager.registry.Lookup(trackID); ok {
		_ = s.Detach(cid, c)
	}
}

// handleClientMessage processes messages received from the client
func (c *Connection) handleClientMessage(message []byte) {
	msg, err := protocol.Decode(message)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", c.id).Msg("dropping malformed message")
		return
	}

	if msg.Type == protocol.TypeHello {
		c.hello(msg)
		return
	}

	trackID, cid := c.binding()
	if cid == "" {
		if msg.Type == protocol.TypePing {
			_ = c.Send(protocol.NewPong(c.manager.clock.Now().UnixMilli()))
		}
		return
	}

	registry := c.manager.registry
	switch {
	case msg.Type == protocol.TypeUpdate:
		err = registry.Do(trackID, func(s *race.Session) error {
			_, err := s.ApplyUpdate(cid, msg.X.Float(), msg.Y.Float(), msg.VX.Float(), msg.VY.Float())
			return err
		})

	case msg.Type == protocol.TypeReady:
		err = registry.Do(trackID, func(s *race.Session) error {
			ack, err := s.SetReady(cid, bool(msg.Ready))
			if err != nil {
				return err
			}
			return c.Send(ack)
		})

	case msg.IsFinishClaim():
		err = registry.Do(trackID, func(s *race.Session) error {
			_, err := s.ClaimFinish(cid, msg.X.Float(), msg.Y.Float(), msg.RunMs.Float())
			return err
		})

	case msg.Type == protocol.TypePing:
		err = registry.Do(trackID, func(s *race.Session) error {
			if err := s.Touch(cid); err != nil {
				return err
			}
			return c.Send(protocol.NewPong(c.manager.clock.Now().UnixMilli()))
		})

	default:
		log.Debug().
			Str("connection_id", c.id).
			Str("type", msg.Type).
			Msg("ignoring unknown message type")
		return
	}

	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.id).
			Str("track_id", trackID).
			Str("cid", cid).
			Str("type", msg.Type).
			Msg("client message not applied")
	}
}

// hello binds the connection to a track and client id. A later hello
// rebinds it, detaching from the previous session first.
func (c *Connection) hello(msg protocol.ClientMessage) {
	cid := string(msg.Cid)
	if cid == "" {
		return
	}
	trackID := msg.TrackOrDefault()

	prevTrack, prevCid := c.bind(trackID, cid)
	if prevCid != "" && (prevTrack != trackID || prevCid != cid) {
		if s, ok := c.manager.registry.Lookup(prevTrack); ok {
			_ = s.Detach(prevCid, c)
		}
	}

	err := c.manager.registry.Do(trackID, func(s *race.Session) error {
		return s.Join(cid, c)
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("track_id", trackID).
			Str("cid", cid).
			Msg("failed to join session")
		return
	}

	log.Debug().
		Str("connection_id", c.id).
		Str("track_id", trackID).
		Str("cid", cid).
		Msg("connection bound")
}
