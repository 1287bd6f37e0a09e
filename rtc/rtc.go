// Package rtc negotiates WebRTC data channels between peers, using the
// signaling hub's offer/answer/ice_candidate relay. It is an optional
// upgrade path over the TCP transport for peers separated by NAT or
// for media-adjacent payloads.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
	"github.com/burggraf/mw/signal"
)

const channelLabel = "control"

// Signaler delivers a targeted signaling frame to its destination.
// Both the hub and the hub client satisfy it, so negotiation works the
// same whether this process won or lost the hub bind.
type Signaler interface {
	Send(msg signal.Message) error
}

// MessageHandler receives data channel payloads.
type MessageHandler func(from peer.ID, data []byte)

// PeerHandler is called when a data channel opens or closes.
type PeerHandler func(id peer.ID)

type rtcError string

func (e rtcError) Error() string { return string(e) }

// ErrChannelNotOpen means no open data channel exists for the peer.
const ErrChannelNotOpen rtcError = "data channel not open"

// link is one peer's connection and its negotiated channel.
type link struct {
	conn    *webrtc.PeerConnection
	channel *webrtc.DataChannel
	open    bool
}

// Manager owns the local peer's WebRTC connections.
type Manager struct {
	myID     peer.ID
	signaler Signaler
	logger   *zap.Logger
	config   webrtc.Configuration

	mu    sync.RWMutex
	links map[peer.ID]*link

	handlerMu      sync.RWMutex
	onMessage      MessageHandler
	onConnected    PeerHandler
	onDisconnected PeerHandler
}

// NewManager creates a manager that signals through the given signaler.
func NewManager(myID peer.ID, signaler Signaler, logger *zap.Logger) *Manager {
	return &Manager{
		myID:     myID,
		signaler: signaler,
		logger:   logger,
		links:    make(map[peer.ID]*link),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// OnMessage sets the data channel payload handler.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onMessage = handler
}

// OnPeerConnected sets the channel-open handler.
func (m *Manager) OnPeerConnected(handler PeerHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onConnected = handler
}

// OnPeerDisconnected sets the channel-closed handler.
func (m *Manager) OnPeerDisconnected(handler PeerHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onDisconnected = handler
}

// Offer starts a negotiation with a peer: creates the connection and
// data channel, then sends the offer through the signaler. Idempotent: a
// peer with a link, pending or open, is not offered again.
func (m *Manager) Offer(to peer.ID) error {
	m.mu.RLock()
	_, exists := m.links[to]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	conn, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return err
	}
	channel, err := conn.CreateDataChannel(channelLabel, nil)
	if err != nil {
		conn.Close()
		return err
	}

	l := &link{conn: conn, channel: channel}
	m.mu.Lock()
	m.links[to] = l
	m.mu.Unlock()

	m.wireChannel(to, l, channel)
	m.wireConnection(to, conn)

	offer, err := conn.CreateOffer(nil)
	if err != nil {
		m.drop(to)
		return err
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		m.drop(to)
		return err
	}

	from := m.myID
	target := to
	return m.signaler.Send(signal.Message{
		Type:       signal.TypeOffer,
		FromPeerID: &from,
		ToPeerID:   &target,
		SDP:        offer.SDP,
	})
}

// HandleSignal consumes one offer/answer/ice_candidate frame addressed
// to the local peer. Wire it to the hub's or client's OnSignal.
func (m *Manager) HandleSignal(msg signal.Message) {
	if msg.FromPeerID == nil {
		return
	}
	from := *msg.FromPeerID

	switch msg.Type {
	case signal.TypeOffer:
		if err := m.handleOffer(from, msg.SDP); err != nil {
			m.logger.Warn("webrtc offer failed",
				zap.String("peer_id", from.String()), zap.Error(err))
		}
	case signal.TypeAnswer:
		m.handleAnswer(from, msg.SDP)
	case signal.TypeIceCandidate:
		m.handleCandidate(from, msg)
	}
}

func (m *Manager) handleOffer(from peer.ID, sdp string) error {
	conn, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return err
	}

	l := &link{conn: conn}
	m.mu.Lock()
	m.links[from] = l
	m.mu.Unlock()

	// The offerer created the channel; adopt it when it arrives.
	conn.OnDataChannel(func(channel *webrtc.DataChannel) {
		m.mu.Lock()
		l.channel = channel
		m.mu.Unlock()
		m.wireChannel(from, l, channel)
	})
	m.wireConnection(from, conn)

	if err := conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		m.drop(from)
		return err
	}

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		m.drop(from)
		return err
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		m.drop(from)
		return err
	}

	me := m.myID
	target := from
	return m.signaler.Send(signal.Message{
		Type:       signal.TypeAnswer,
		FromPeerID: &me,
		ToPeerID:   &target,
		SDP:        answer.SDP,
	})
}

func (m *Manager) handleAnswer(from peer.ID, sdp string) {
	m.mu.RLock()
	l, ok := m.links[from]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("answer from peer without a pending offer",
			zap.String("peer_id", from.String()))
		return
	}
	if err := l.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		m.logger.Warn("set remote answer", zap.Error(err))
	}
}

func (m *Manager) handleCandidate(from peer.ID, msg signal.Message) {
	m.mu.RLock()
	l, ok := m.links[from]
	m.mu.RUnlock()
	if !ok {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate,
		SDPMid:        msg.SDPMid,
		SDPMLineIndex: msg.SDPMLine,
	}
	if err := l.conn.AddICECandidate(init); err != nil {
		m.logger.Debug("add ice candidate", zap.Error(err))
	}
}

func (m *Manager) wireChannel(id peer.ID, l *link, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		m.mu.Lock()
		l.open = true
		m.mu.Unlock()
		m.logger.Info("data channel open", zap.String("peer_id", id.String()))

		m.handlerMu.RLock()
		handler := m.onConnected
		m.handlerMu.RUnlock()
		if handler != nil {
			handler(id)
		}
	})

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.handlerMu.RLock()
		handler := m.onMessage
		m.handlerMu.RUnlock()
		if handler != nil {
			handler(id, msg.Data)
		}
	})

	channel.OnClose(func() {
		m.drop(id)
		m.handlerMu.RLock()
		handler := m.onDisconnected
		m.handlerMu.RUnlock()
		if handler != nil {
			handler(id)
		}
	})
}

// wireConnection forwards trickled ICE candidates to the remote peer.
func (m *Manager) wireConnection(id peer.ID, conn *webrtc.PeerConnection) {
	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		me := m.myID
		target := id
		if err := m.signaler.Send(signal.Message{
			Type:       signal.TypeIceCandidate,
			FromPeerID: &me,
			ToPeerID:   &target,
			Candidate:  init.Candidate,
			SDPMid:     init.SDPMid,
			SDPMLine:   init.SDPMLineIndex,
		}); err != nil {
			m.logger.Debug("forward ice candidate", zap.Error(err))
		}
	})
}

// Send writes a payload to a peer's open data channel.
func (m *Manager) Send(to peer.ID, data []byte) error {
	m.mu.RLock()
	l, ok := m.links[to]
	m.mu.RUnlock()
	if !ok || !l.open || l.channel == nil {
		return ErrChannelNotOpen
	}
	return l.channel.Send(data)
}

// Broadcast writes a payload to every open data channel, best effort.
func (m *Manager) Broadcast(data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, l := range m.links {
		if !l.open || l.channel == nil {
			continue
		}
		if err := l.channel.Send(data); err != nil {
			m.logger.Warn("data channel send",
				zap.String("peer_id", id.String()), zap.Error(err))
		}
	}
}

// ConnectedPeers lists peers with an open data channel.
func (m *Manager) ConnectedPeers() []peer.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []peer.ID
	for id, l := range m.links {
		if l.open {
			ids = append(ids, id)
		}
	}
	return ids
}

// drop removes a link and closes its connection.
func (m *Manager) drop(id peer.ID) {
	m.mu.Lock()
	l, ok := m.links[id]
	if ok {
		delete(m.links, id)
	}
	m.mu.Unlock()
	if ok {
		l.conn.Close()
	}
}

// Close tears down every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[peer.ID]*link)
	m.mu.Unlock()
	for _, l := range links {
		l.conn.Close()
	}
}
