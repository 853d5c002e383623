package signal

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"rollback-arena/internal/telemetry"
)

const (
	metricRoomsOpen      = "signal_rooms_open"
	metricPeersConnected = "signal_peers_connected"
	metricRejected       = "signal_rejected_total"
)

// ServerConfig tunes room capacity and per-connection message limits.
type ServerConfig struct {
	RoomCapacity  int
	MessageRate   rate.Limit
	MessageBurst  int
	WriteDeadline time.Duration
	Logger        *log.Logger
	Metrics       telemetry.Metrics
	// NewID assigns peer identifiers; defaults to random UUIDs.
	NewID func() string
}

type member struct {
	id      string
	addr    string
	conn    *websocket.Conn
	writeMu sync.Mutex
	joined  time.Time
}

func (m *member) writeJSON(deadline time.Duration, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if deadline > 0 {
		_ = m.conn.SetWriteDeadline(time.Now().Add(deadline))
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

type room struct {
	name    string
	members []*member
}

// Server groups websocket clients into rooms and broadcasts the roster of
// each room whenever it changes.
type Server struct {
	cfg      ServerConfig
	logger   *log.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer constructs a signaling server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = 2
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = 5 * time.Second
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.OrNop(cfg.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		rooms: make(map[string]*room),
	}
}

// Handler exposes the websocket endpoint alongside health and diagnostics.
func (s *Server) Handler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/ws", s.Handle)
	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string              `json:"status"`
			ServerTime int64               `json:"serverTime"`
			Rooms      map[string][]string `json:"rooms"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Rooms:      s.Rooms(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	return mux
}

// Rooms reports the member ids of every open room.
func (s *Server) Rooms() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.rooms))
	for name, r := range s.rooms {
		ids := make([]string, len(r.members))
		for i, m := range r.members {
			ids[i] = m.id
		}
		out[name] = ids
	}
	return out
}

// Handle upgrades a join request: /ws?room=NAME&addr=HOST:PORT.
func (s *Server) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	roomName := r.URL.Query().Get("room")
	addr := r.URL.Query().Get("addr")
	if roomName == "" || addr == "" {
		nethttp.Error(w, "missing room or addr", nethttp.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed for room %s: %v", roomName, err)
		return
	}

	m := &member{id: s.cfg.NewID(), addr: addr, conn: conn, joined: time.Now()}
	if !s.join(roomName, m) {
		s.metrics.Add(metricRejected, 1)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}
	defer s.leave(roomName, m)

	if err := m.writeJSON(s.cfg.WriteDeadline, welcomeMessage{Ver: ProtocolVersion, Type: typeWelcome, ID: m.id, Room: roomName}); err != nil {
		return
	}
	s.broadcastRoster(roomName)

	limiter := rate.NewLimiter(s.cfg.MessageRate, s.cfg.MessageBurst)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			s.metrics.Add(metricRejected, 1)
			message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limited")
			m.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, message)
			m.writeMu.Unlock()
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Printf("discarding malformed message from %s: %v", m.id, err)
			continue
		}
		switch msg.Type {
		case typePing:
			reply := heartbeatMessage{
				Ver:        ProtocolVersion,
				Type:       typeHeartbeat,
				ServerTime: time.Now().UnixMilli(),
				ClientTime: msg.SentAt,
			}
			if err := m.writeJSON(s.cfg.WriteDeadline, reply); err != nil {
				return
			}
		default:
			s.logger.Printf("ignoring %q message from %s", msg.Type, m.id)
		}
	}
}

func (s *Server) join(name string, m *member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		r = &room{name: name}
		s.rooms[name] = r
	}
	if len(r.members) >= s.cfg.RoomCapacity {
		if len(r.members) == 0 {
			delete(s.rooms, name)
		}
		return false
	}
	r.members = append(r.members, m)
	s.storeGaugesLocked()
	return true
}

func (s *Server) leave(name string, m *member) {
	m.conn.Close()
	s.mu.Lock()
	r, ok := s.rooms[name]
	if ok {
		for i, other := range r.members {
			if other == m {
				r.members = append(r.members[:i], r.members[i+1:]...)
				break
			}
		}
		if len(r.members) == 0 {
			delete(s.rooms, name)
		}
	}
	s.storeGaugesLocked()
	s.mu.Unlock()
	if ok {
		s.broadcastRoster(name)
	}
}

func (s *Server) storeGaugesLocked() {
	peers := 0
	for _, r := range s.rooms {
		peers += len(r.members)
	}
	s.metrics.Store(metricRoomsOpen, uint64(len(s.rooms)))
	s.metrics.Store(metricPeersConnected, uint64(peers))
}

func (s *Server) broadcastRoster(name string) {
	s.mu.Lock()
	r, ok := s.rooms[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	members := append([]*member(nil), r.members...)
	s.mu.Unlock()

	peers := make([]PeerInfo, len(members))
	for i, m := range members {
		peers[i] = PeerInfo{ID: m.id, Addr: m.addr}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	msg := rosterMessage{Ver: ProtocolVersion, Type: typeRoster, Room: name, Peers: peers}
	for _, m := range members {
		if err := m.writeJSON(s.cfg.WriteDeadline, msg); err != nil {
			s.logger.Printf("roster write to %s failed: %v", m.id, err)
		}
	}
}
