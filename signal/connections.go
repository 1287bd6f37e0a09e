package signal

import (
	"sync"

	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

// outboundDepth bounds each client's send queue. A client that cannot
// drain this many frames is dropped-from rather than allowed to stall the
// hub's read loops.
const outboundDepth = 64

// ConnectionManager tracks the outbound queue of every connected client.
// Frames are handed to a per-connection writer goroutine; nothing here
// touches the network.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[peer.ID]chan []byte

	logger *zap.Logger
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		conns:  make(map[peer.ID]chan []byte),
		logger: logger,
	}
}

// Add registers a client's outbound queue. A queue left behind by a
// previous connection for the same peer is closed so its writer exits.
func (cm *ConnectionManager) Add(id peer.ID, send chan []byte) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if old, ok := cm.conns[id]; ok && old != send {
		close(old)
	}
	cm.conns[id] = send
}

// Remove unregisters and closes a client's queue only while send is still
// the registered one; a replacement registered by a reconnect stays. The
// report tells the caller whether the peer actually left.
func (cm *ConnectionManager) Remove(id peer.ID, send chan []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if current, ok := cm.conns[id]; ok && current == send {
		delete(cm.conns, id)
		close(send)
		return true
	}
	return false
}

// SendTo queues a frame for one peer. A missing peer is a silent no-op;
// membership is eventually consistent and the caller cannot act on it. A
// full queue drops the frame with a log line.
func (cm *ConnectionManager) SendTo(id peer.ID, payload []byte) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	send, ok := cm.conns[id]
	if !ok {
		return
	}
	select {
	case send <- payload:
	default:
		cm.logger.Warn("dropping frame for slow client", zap.String("peer_id", id.String()))
	}
}

// Broadcast queues a frame for every connected client.
func (cm *ConnectionManager) Broadcast(payload []byte) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for id, send := range cm.conns {
		select {
		case send <- payload:
		default:
			cm.logger.Warn("dropping broadcast for slow client", zap.String("peer_id", id.String()))
		}
	}
}

// Len returns the number of connected clients.
func (cm *ConnectionManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}
