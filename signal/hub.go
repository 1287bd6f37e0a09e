// Package signal implements the WebSocket signaling hub: the authoritative
// peer directory for one session, a targeted message relay, and the client
// used by followers to attach to an existing hub.
package signal

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

// Hub is the leader-hosted signaling server. It owns the peer directory,
// relays targeted frames between clients, and represents the hosting
// process as entry zero of the directory.
type Hub struct {
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	directory *Directory
	conns     *ConnectionManager

	running  atomic.Bool
	listener net.Listener
	server   *http.Server

	mu       sync.RWMutex
	onData   DataHandler
	onSignal SignalHandler
	onPeers  PeersHandler
}

// NewHub creates a hub that is not yet listening.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:    logger,
		directory: NewDirectory(),
		conns:     NewConnectionManager(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnData sets the handler for data frames addressed to the local peer.
func (h *Hub) OnData(handler DataHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onData = handler
}

// OnSignal sets the handler for offer/answer/ice_candidate frames
// addressed to the local peer.
func (h *Hub) OnSignal(handler SignalHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSignal = handler
}

// OnPeersChanged sets the handler invoked after every directory change.
func (h *Hub) OnPeersChanged(handler PeersHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPeers = handler
}

// Start binds the listener and begins serving. A bind failure surfaces
// synchronously: when the port is already owned by another hub this is the
// lost-race signal, and the caller connects as a client instead.
func (h *Hub) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind signaling port %d: %w", port, err)
	}
	h.listener = listener
	h.running.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			if h.running.Load() {
				h.logger.Error("signaling server stopped", zap.Error(err))
			}
		}
	}()

	h.logger.Info("signaling hub listening", zap.Int("port", h.Port()))
	return nil
}

// Port returns the bound port, useful when Start was given port 0.
func (h *Hub) Port() int {
	if h.listener == nil {
		return 0
	}
	return h.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener and every client connection.
func (h *Hub) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	if h.server != nil {
		_ = h.server.Close()
	}
}

// SetLocalPeer registers the hosting process into the directory and
// broadcasts the updated peer list.
func (h *Hub) SetLocalPeer(info peer.Info, isLeader bool) {
	h.directory.SetLocal(info, isLeader)
	h.broadcastPeerList()
}

// LeaderID returns the session leader recorded in the directory.
func (h *Hub) LeaderID() (peer.ID, bool) {
	return h.directory.LeaderID()
}

// PeerList returns the full directory, local peer first.
func (h *Hub) PeerList() []peer.Info {
	return h.directory.Snapshot()
}

// Peers returns only the connected remote clients.
func (h *Hub) Peers() []peer.Info {
	return h.directory.Remotes()
}

// ClientAddr returns the remote IP a peer registered from.
func (h *Hub) ClientAddr(id peer.ID) (string, bool) {
	return h.directory.Addr(id)
}

// SendData relays an application message to a connected peer. Sending to
// an unknown peer is a silent no-op.
func (h *Hub) SendData(from, to peer.ID, message string) {
	h.send(to, NewData(from, to, message))
}

// Send routes a targeted frame to its destination client. Frames for
// unknown peers are dropped, same as the relay path.
func (h *Hub) Send(msg Message) error {
	if msg.ToPeerID == nil {
		return fmt.Errorf("frame has no destination")
	}
	h.send(*msg.ToPeerID, msg)
	return nil
}

// Broadcast sends a frame to every connected client.
func (h *Hub) Broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode broadcast", zap.Error(err))
		return
	}
	h.conns.Broadcast(payload)
}

func (h *Hub) send(to peer.ID, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode frame", zap.Error(err))
		return
	}
	h.conns.SendTo(to, payload)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.handleConnection(conn)
}

// handleConnection runs the read loop for one client. The paired writer
// goroutine drains the client's outbound queue so a slow socket never
// blocks any read loop.
func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	send := make(chan []byte, outboundDepth)
	go func() {
		for payload := range send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// Reader notices the dead socket; keep draining so the
				// queue's senders never block.
				for range send {
				}
				return
			}
		}
	}()

	remoteIP := ""
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		remoteIP = host
	}

	var registered *peer.ID
	defer func() {
		if registered == nil {
			close(send)
			return
		}
		// A reconnect may have replaced this connection's queue; only the
		// current owner tears the peer down.
		if h.conns.Remove(*registered, send) {
			h.directory.Remove(*registered)
			h.logger.Info("client disconnected", zap.String("peer_id", registered.String()))
			h.broadcastPeerList()
		}
	}()

	for h.running.Load() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped; the connection stays alive.
			h.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case TypeRegister:
			if msg.PeerID == nil {
				h.logger.Debug("dropping register without peer id")
				continue
			}
			if registered != nil {
				h.logger.Debug("ignoring duplicate register",
					zap.String("peer_id", msg.PeerID.String()))
				continue
			}
			id := *msg.PeerID
			registered = &id
			h.registerClient(id, msg, send, remoteIP)

		case TypeOffer, TypeAnswer, TypeIceCandidate:
			if registered == nil || msg.ToPeerID == nil {
				continue
			}
			if h.isLocal(*msg.ToPeerID) {
				h.dispatchSignal(msg)
				continue
			}
			h.conns.SendTo(*msg.ToPeerID, data)

		case TypeData:
			if registered == nil || msg.ToPeerID == nil {
				continue
			}
			if h.isLocal(*msg.ToPeerID) {
				h.dispatchData(msg)
				continue
			}
			h.conns.SendTo(*msg.ToPeerID, data)

		case TypeHeartbeat:
			// Connection is alive; nothing to record.

		default:
			// peer_list and anything unknown is never accepted from clients.
		}
	}
}

func (h *Hub) registerClient(id peer.ID, msg Message, send chan []byte, remoteIP string) {
	info := peer.Info{
		ID:          id.String(),
		Role:        msg.Role,
		DisplayName: msg.DisplayName,
		IsConnected: true,
	}
	becameLeader := h.directory.Add(id, info, remoteIP)
	h.conns.Add(id, send)

	h.logger.Info("client registered",
		zap.String("peer_id", id.String()),
		zap.String("peer_type", string(msg.Role)),
		zap.String("display_name", msg.DisplayName),
		zap.Bool("leader", becameLeader))

	h.broadcastPeerList()
}

func (h *Hub) isLocal(id peer.ID) bool {
	local, ok := h.directory.LocalID()
	return ok && local == id
}

func (h *Hub) dispatchData(msg Message) {
	h.mu.RLock()
	handler := h.onData
	h.mu.RUnlock()
	if handler != nil && msg.FromPeerID != nil {
		go handler(*msg.FromPeerID, msg.Message)
	}
}

func (h *Hub) dispatchSignal(msg Message) {
	h.mu.RLock()
	handler := h.onSignal
	h.mu.RUnlock()
	if handler != nil {
		go handler(msg)
	}
}

func (h *Hub) broadcastPeerList() {
	peers := h.directory.Snapshot()
	h.Broadcast(NewPeerList(peers))

	h.mu.RLock()
	handler := h.onPeers
	h.mu.RUnlock()
	if handler != nil {
		go handler(peers)
	}
}
