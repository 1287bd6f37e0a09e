package signal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

// Client attaches a follower to an existing hub. It registers the local
// peer, mirrors the hub's directory, and surfaces data frames addressed to
// this peer.
type Client struct {
	logger *zap.Logger
	self   *peer.Peer

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool

	mu       sync.RWMutex
	peers    []peer.Info
	onData   DataHandler
	onSignal SignalHandler
	onPeers  PeersHandler
}

// NewClient creates a client for the local peer. Handlers should be set
// before Connect.
func NewClient(self *peer.Peer, logger *zap.Logger) *Client {
	return &Client{self: self, logger: logger}
}

// OnData sets the handler for application payloads sent to this peer.
func (c *Client) OnData(handler DataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = handler
}

// OnSignal sets the handler for negotiation frames sent to this peer.
func (c *Client) OnSignal(handler SignalHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = handler
}

// OnPeersChanged sets the handler for directory snapshots.
func (c *Client) OnPeersChanged(handler PeersHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeers = handler
}

// Connect dials the hub at host:port, registers immediately, and starts
// the read loop.
func (c *Client) Connect(ctx context.Context, addr string) error {
	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", addr, err)
	}
	c.conn = conn

	if err := c.Send(NewRegister(c.self)); err != nil {
		conn.Close()
		return fmt.Errorf("register with hub: %w", err)
	}

	c.logger.Info("connected to hub", zap.String("addr", addr))
	go c.readLoop()
	return nil
}

// Send writes one frame to the hub. Safe for concurrent use.
func (c *Client) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// SendData relays an application message to another peer through the hub.
func (c *Client) SendData(to peer.ID, message string) error {
	return c.Send(NewData(c.self.ID, to, message))
}

// Heartbeat tells the hub this peer is alive.
func (c *Client) Heartbeat() error {
	id := c.self.ID
	return c.Send(Message{Type: TypeHeartbeat, PeerID: &id})
}

// Peers returns the last directory snapshot received from the hub.
func (c *Client) Peers() []peer.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]peer.Info, len(c.peers))
	copy(out, c.peers)
	return out
}

// Close tears down the connection. The read loop exits on its own.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) && c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) readLoop() {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !c.closed.Load() {
				c.logger.Warn("hub connection lost", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case TypePeerList:
			// The hub's snapshot replaces the cached membership wholesale.
			c.mu.Lock()
			c.peers = msg.Peers
			handler := c.onPeers
			c.mu.Unlock()
			if handler != nil {
				handler(msg.Peers)
			}

		case TypeData:
			c.mu.RLock()
			handler := c.onData
			c.mu.RUnlock()
			if handler != nil && msg.FromPeerID != nil {
				handler(*msg.FromPeerID, msg.Message)
			}

		case TypeOffer, TypeAnswer, TypeIceCandidate:
			c.mu.RLock()
			handler := c.onSignal
			c.mu.RUnlock()
			if handler != nil {
				handler(msg)
			}

		default:
			// Negotiation-only types this client has no part in.
		}
	}
}
