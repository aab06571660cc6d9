package server

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thruflo/klipdeck/internal/clock"
	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/stream"
)

const (
	// sendBuffer is the per-connection outbound queue. A peer that falls
	// this far behind is dropped.
	sendBuffer = 64
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// ErrUnknownClient is returned by SendTo when no connection exists for the
// client ID.
var ErrUnknownClient = errors.New("no connection for client")

// Stats summarises the connection pool.
type Stats struct {
	ConnectedClients int       `json:"connected_clients"`
	TotalConnections uint64    `json:"total_connections"`
	MessageCount     uint64    `json:"message_count"`
	ReceivedCount    uint64    `json:"received_count"`
	LastActivity     time.Time `json:"last_activity"`
}

// Hub is the connection pool behind /ws/{clientId}. It holds at most one
// connection per client ID; a newer connection replaces the older one.
type Hub struct {
	logger   *logging.Logger
	clock    clock.Clock
	upgrader websocket.Upgrader

	mu           sync.RWMutex
	peers        map[string]*peer
	lastActivity time.Time
	closed       bool

	messageCount     atomic.Uint64
	receivedCount    atomic.Uint64
	totalConnections atomic.Uint64
}

type peer struct {
	clientID  string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// NewHub creates an empty Hub. clk stamps last activity and defaults to
// the real clock.
func NewHub(logger *logging.Logger, clk clock.Clock) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		logger: logger,
		clock:  clk,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:        make(map[string]*peer),
		lastActivity: clk.Now(),
	}
}

// ServeWS upgrades the request and serves the connection until it ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Warn("upgrade failed", "client_id", clientID, "error", err)
		return
	}

	p := &peer{
		clientID: clientID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	if !h.register(p) {
		p.close()
		return
	}
	defer h.unregister(p)

	go h.writePump(p)
	h.readPump(p)
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if old, ok := h.peers[p.clientID]; ok {
		h.logger.Info("replacing connection", "client_id", p.clientID)
		old.close()
	}
	h.peers[p.clientID] = p
	h.lastActivity = h.clock.Now()
	h.totalConnections.Add(1)
	h.logger.Info("client connected", "client_id", p.clientID)
	return true
}

func (h *Hub) unregister(p *peer) {
	p.close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.clientID] == p {
		delete(h.peers, p.clientID)
		h.lastActivity = h.clock.Now()
		h.logger.Info("client disconnected", "client_id", p.clientID)
	}
}

func (h *Hub) readPump(p *peer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		h.receivedCount.Add(1)
		h.touch()

		env, err := stream.UnmarshalEnvelope(data)
		if err != nil {
			h.logger.Warn("bad client message", "client_id", p.clientID, "error", err)
			h.enqueue(p, stream.MustNewEnvelope(stream.MessageTypeError, stream.ErrorNotice{
				Message: "failed to process message",
				Details: err.Error(),
			}))
			continue
		}

		switch env.Type {
		case stream.MessageTypePing:
			h.enqueue(p, stream.MustNewEnvelope(stream.MessageTypePong, stream.Pong{Timestamp: env.Timestamp}))
		default:
			h.logger.Debug("ignoring client message", "client_id", p.clientID, "type", env.Type)
		}
	}
}

func (h *Hub) writePump(p *peer) {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.close()
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("write failed", "client_id", p.clientID, "error", err)
				p.close()
				return
			}
		}
	}
}

// enqueue queues env for p without blocking. A full queue drops the peer.
func (h *Hub) enqueue(p *peer, env *stream.Envelope) bool {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal envelope", "type", env.Type, "error", err)
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		h.messageCount.Add(1)
		h.touch()
		return true
	default:
		h.logger.Warn("dropping slow client", "client_id", p.clientID)
		p.close()
		return false
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActivity = h.clock.Now()
	h.mu.Unlock()
}

func (h *Hub) snapshotPeers() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

// Broadcast queues env for every connected client and returns how many
// accepted it.
func (h *Hub) Broadcast(env *stream.Envelope) int {
	sent := 0
	for _, p := range h.snapshotPeers() {
		if h.enqueue(p, env) {
			sent++
		}
	}
	return sent
}

// SendTo queues env for one client.
func (h *Hub) SendTo(clientID string, env *stream.Envelope) error {
	h.mu.RLock()
	p, ok := h.peers[clientID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownClient
	}
	if !h.enqueue(p, env) {
		return errors.New("connection closed before send")
	}
	return nil
}

// BroadcastProgress sends an installation_progress envelope to everyone.
func (h *Hub) BroadcastProgress(step string, progress float64, message string) int {
	return h.Broadcast(stream.MustNewEnvelope(stream.MessageTypeInstallationProgress, stream.InstallationProgress{
		Step:     step,
		Progress: progress,
		Message:  message,
	}))
}

// BroadcastPrinterStatus sends a printer_status envelope to everyone.
// status may be any JSON-serializable value.
func (h *Hub) BroadcastPrinterStatus(printerID string, status any) (int, error) {
	env, err := stream.NewEnvelope(stream.MessageTypePrinterStatus, map[string]any{
		"printer_id": printerID,
		"status":     status,
	})
	if err != nil {
		return 0, err
	}
	return h.Broadcast(env), nil
}

// BroadcastError sends an error envelope to everyone.
func (h *Hub) BroadcastError(message, details string) int {
	return h.Broadcast(stream.MustNewEnvelope(stream.MessageTypeError, stream.ErrorNotice{
		Message: message,
		Details: details,
	}))
}

// Clients returns the connected client IDs in sorted order.
func (h *Hub) Clients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connected reports whether clientID has a live connection.
func (h *Hub) Connected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[clientID]
	return ok
}

// Disconnect drops one client's connection without a close frame.
func (h *Hub) Disconnect(clientID string) bool {
	h.mu.RLock()
	p, ok := h.peers[clientID]
	h.mu.RUnlock()
	if ok {
		p.close()
	}
	return ok
}

// DropAll drops every connection without a close frame, as a network
// failure would, and returns how many were dropped.
func (h *Hub) DropAll() int {
	peers := h.snapshotPeers()
	for _, p := range peers {
		p.close()
	}
	return len(peers)
}

// Close drops every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DropAll()
}

// Stats returns pool statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: len(h.peers),
		TotalConnections: h.totalConnections.Load(),
		MessageCount:     h.messageCount.Load(),
		ReceivedCount:    h.receivedCount.Load(),
		LastActivity:     h.lastActivity,
	}
}
