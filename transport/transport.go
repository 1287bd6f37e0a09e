// Package transport implements the direct TCP channel between two peers:
// a length-prefixed JSON protocol over persistent connections, preferred
// over hub relay whenever a connection exists.
//
// Displays run the server side; controllers dial out to displays. Both
// sides run the same duplex loop once registered.
package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

const dialTimeout = 5 * time.Second

type eventKind int

const (
	evMessage eventKind = iota
	evConnected
	evDisconnected
)

type event struct {
	kind    eventKind
	peerID  peer.ID
	message string
}

// peerConn is one live connection's registry entry.
type peerConn struct {
	info     peer.Info
	conn     net.Conn
	outbound chan tcpMessage
}

// Manager owns every TCP connection of the local peer.
type Manager struct {
	myID   peer.ID
	logger *zap.Logger

	running  atomic.Bool
	listener net.Listener

	mu          sync.RWMutex
	connections map[peer.ID]*peerConn

	events chan event
	quit   chan struct{}

	handlerMu      sync.RWMutex
	onMessage      MessageHandler
	onConnected    PeerHandler
	onDisconnected PeerHandler
}

// NewManager creates a manager for the local peer and starts its event
// dispatcher. Handlers are invoked from the dispatcher, never from a
// duplex loop, so they cannot stall the wire.
func NewManager(myID peer.ID, logger *zap.Logger) *Manager {
	m := &Manager{
		myID:        myID,
		logger:      logger,
		connections: make(map[peer.ID]*peerConn),
		events:      make(chan event, outboundDepth),
		quit:        make(chan struct{}),
	}
	m.running.Store(true)
	go m.dispatch()
	return m
}

// OnMessage sets the data payload handler.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onMessage = handler
}

// OnConnected sets the connection-established handler.
func (m *Manager) OnConnected(handler PeerHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onConnected = handler
}

// OnDisconnected sets the connection-closed handler.
func (m *Manager) OnDisconnected(handler PeerHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onDisconnected = handler
}

// StartServer binds a listener and returns the bound port. Port 0
// requests an OS-assigned port.
func (m *Manager) StartServer(port int) (int, error) {
	if !m.running.Load() {
		return 0, ErrNotRunning
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("bind tcp transport port %d: %w", port, err)
	}
	m.listener = listener
	boundPort := listener.Addr().(*net.TCPAddr).Port
	m.logger.Info("tcp transport listening", zap.Int("port", boundPort))

	go m.acceptLoop(listener)
	return boundPort, nil
}

func (m *Manager) acceptLoop(listener net.Listener) {
	for m.running.Load() {
		conn, err := listener.Accept()
		if err != nil {
			if m.running.Load() {
				m.logger.Warn("tcp accept", zap.Error(err))
			}
			return
		}
		go m.handleInbound(conn)
	}
}

// handleInbound enforces the register-first handshake: a connection whose
// first frame is anything else is rejected.
func (m *Manager) handleInbound(conn net.Conn) {
	body, err := readFrame(conn, maxRegisterSize)
	if err != nil {
		m.logger.Warn("tcp registration read failed",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	var msg tcpMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.Type != typeRegister || msg.PeerID == nil {
		m.logger.Warn("rejecting connection: first frame must be register",
			zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	peerID := *msg.PeerID
	// Inbound connections come from controllers dialing this display.
	info := peer.Info{
		ID:          peerID.String(),
		Role:        peer.RoleController,
		DisplayName: fmt.Sprintf("Peer %s", peerID),
		IsConnected: true,
	}

	pc, ok := m.addConn(peerID, info, conn)
	if !ok {
		m.logger.Info("duplicate tcp connection, keeping the existing one",
			zap.String("peer_id", peerID.String()))
		conn.Close()
		return
	}
	m.logger.Info("tcp peer registered",
		zap.String("peer_id", peerID.String()),
		zap.String("remote", conn.RemoteAddr().String()))

	m.emit(event{kind: evConnected, peerID: peerID})
	m.duplex(peerID, pc)
}

// ConnectToPeer opens a connection to a display's transport server.
// Idempotent: an existing live connection is kept and no second socket is
// opened.
func (m *Manager) ConnectToPeer(peerID peer.ID, info peer.Info, host string, port int) error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	if m.IsConnected(peerID) {
		return nil
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial peer %s at %s: %w", peerID, addr, err)
	}

	myID := m.myID
	if err := writeFrame(conn, tcpMessage{Type: typeRegister, PeerID: &myID}); err != nil {
		conn.Close()
		return fmt.Errorf("register with peer %s: %w", peerID, err)
	}

	pc, ok := m.addConn(peerID, info, conn)
	if !ok {
		// Lost a race against another dial or an inbound connection.
		conn.Close()
		return nil
	}
	m.logger.Info("tcp connected", zap.String("peer_id", peerID.String()), zap.String("addr", addr))

	m.emit(event{kind: evConnected, peerID: peerID})
	go m.duplex(peerID, pc)
	return nil
}

// duplex runs one connection until either direction fails: a writer
// goroutine drains the outbound queue while this goroutine reads frames.
// Cleanup and the disconnected event happen exactly once, here.
func (m *Manager) duplex(peerID peer.ID, pc *peerConn) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-pc.outbound:
				if err := writeFrame(pc.conn, msg); err != nil {
					m.logger.Warn("tcp write failed",
						zap.String("peer_id", peerID.String()), zap.Error(err))
					pc.conn.Close() // wakes the reader
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		body, err := readFrame(pc.conn, maxFrameSize)
		if err != nil {
			m.logger.Debug("tcp connection closed",
				zap.String("peer_id", peerID.String()), zap.Error(err))
			break
		}
		var msg tcpMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			continue // malformed body, skip the frame
		}
		switch msg.Type {
		case typeData:
			m.emit(event{kind: evMessage, peerID: peerID, message: msg.Message})
		case typePing:
			select {
			case pc.outbound <- tcpMessage{Type: typePong}:
			default:
			}
		case typePong:
			// Keepalive response, nothing to do.
		}
	}

	close(done)
	pc.conn.Close()
	m.removeConn(peerID, pc)
	m.emit(event{kind: evDisconnected, peerID: peerID})
}

// SendMessage enqueues a data payload for a connected peer. The
// ErrPeerNotConnected result is the application layer's signal to fall
// back to hub relay.
func (m *Manager) SendMessage(peerID peer.ID, message string) error {
	m.mu.RLock()
	pc, ok := m.connections[peerID]
	m.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	select {
	case pc.outbound <- tcpMessage{Type: typeData, Message: message}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Broadcast enqueues a payload for every connected peer, best effort.
func (m *Manager) Broadcast(message string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for peerID, pc := range m.connections {
		select {
		case pc.outbound <- tcpMessage{Type: typeData, Message: message}:
		default:
			m.logger.Warn("tcp broadcast dropped for saturated peer",
				zap.String("peer_id", peerID.String()))
		}
	}
}

// Ping enqueues a keepalive probe for one peer.
func (m *Manager) Ping(peerID peer.ID) error {
	m.mu.RLock()
	pc, ok := m.connections[peerID]
	m.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	select {
	case pc.outbound <- tcpMessage{Type: typePing}:
		return nil
	default:
		return ErrQueueFull
	}
}

// ConnectedPeers lists the registry's current peers.
func (m *Manager) ConnectedPeers() []peer.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]peer.Info, 0, len(m.connections))
	for _, pc := range m.connections {
		peers = append(peers, pc.info)
	}
	return peers
}

// IsConnected reports whether a live connection to the peer exists.
func (m *Manager) IsConnected(peerID peer.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[peerID]
	return ok
}

// Disconnect severs one peer's connection; its duplex loop cleans up.
func (m *Manager) Disconnect(peerID peer.ID) {
	m.mu.RLock()
	pc, ok := m.connections[peerID]
	m.mu.RUnlock()
	if ok {
		pc.conn.Close()
	}
}

// Stop closes the listener and every connection and ends the dispatcher.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.RLock()
	conns := make([]*peerConn, 0, len(m.connections))
	for _, pc := range m.connections {
		conns = append(conns, pc)
	}
	m.mu.RUnlock()
	for _, pc := range conns {
		pc.conn.Close()
	}
	close(m.quit)
}

func (m *Manager) addConn(peerID peer.ID, info peer.Info, conn net.Conn) (*peerConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[peerID]; exists {
		return nil, false
	}
	pc := &peerConn{
		info:     info,
		conn:     conn,
		outbound: make(chan tcpMessage, outboundDepth),
	}
	m.connections[peerID] = pc
	return pc, true
}

// removeConn drops the registry entry only if it still belongs to this
// connection; a replacement established after our socket died stays.
func (m *Manager) removeConn(peerID peer.ID, pc *peerConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.connections[peerID]; ok && current == pc {
		delete(m.connections, peerID)
	}
}

func (m *Manager) emit(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

func (m *Manager) dispatch() {
	for {
		select {
		case ev := <-m.events:
			m.handlerMu.RLock()
			onMessage, onConnected, onDisconnected := m.onMessage, m.onConnected, m.onDisconnected
			m.handlerMu.RUnlock()
			switch ev.kind {
			case evMessage:
				if onMessage != nil {
					onMessage(ev.peerID, ev.message)
				}
			case evConnected:
				if onConnected != nil {
					onConnected(ev.peerID)
				}
			case evDisconnected:
				if onDisconnected != nil {
					onDisconnected(ev.peerID)
				}
			}
		case <-m.quit:
			return
		}
	}
}
