// Package mesh drives one peer's whole session: discovery, election,
// the signaling hub (hosted or joined), the TCP transport, and a typed
// event stream for the embedding application.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/burggraf/mw/config"
	"github.com/burggraf/mw/discovery"
	"github.com/burggraf/mw/election"
	"github.com/burggraf/mw/peer"
	"github.com/burggraf/mw/rtc"
	"github.com/burggraf/mw/signal"
	"github.com/burggraf/mw/transport"
)

// eventDepth bounds the event stream; the oldest event is dropped when
// the consumer falls behind, emission never blocks.
const eventDepth = 64

type meshError string

func (e meshError) Error() string { return string(e) }

const (
	// ErrNoRoute means neither a direct connection nor a hub relay can
	// reach the target.
	ErrNoRoute meshError = "no route to peer"
	// ErrNotStarted means StartPeer has not completed.
	ErrNotStarted meshError = "mesh not started"
	// ErrAlreadyStarted means StartPeer ran twice.
	ErrAlreadyStarted meshError = "mesh already started"
)

// Discovery announces the local peer and browses for others.
type Discovery interface {
	Announce(p *peer.Peer, port int)
	BrowseForLeaders(ctx context.Context, timeout time.Duration) []discovery.DiscoveredLeader
	Shutdown()
}

// Transport is the direct TCP channel between peers.
type Transport interface {
	StartServer(port int) (int, error)
	ConnectToPeer(peerID peer.ID, info peer.Info, host string, port int) error
	SendMessage(peerID peer.ID, message string) error
	OnMessage(handler transport.MessageHandler)
	OnConnected(handler transport.PeerHandler)
	OnDisconnected(handler transport.PeerHandler)
	ConnectedPeers() []peer.Info
	IsConnected(peerID peer.ID) bool
	Stop()
}

// HubServer is the leader-hosted signaling hub.
type HubServer interface {
	Start(port int) error
	Stop()
	SetLocalPeer(info peer.Info, isLeader bool)
	OnData(handler signal.DataHandler)
	OnSignal(handler signal.SignalHandler)
	OnPeersChanged(handler signal.PeersHandler)
	PeerList() []peer.Info
	ClientAddr(id peer.ID) (string, bool)
	SendData(from, to peer.ID, message string)
	Send(msg signal.Message) error
}

// HubClient attaches a follower to an existing hub.
type HubClient interface {
	Connect(ctx context.Context, addr string) error
	Close()
	OnData(handler signal.DataHandler)
	OnSignal(handler signal.SignalHandler)
	OnPeersChanged(handler signal.PeersHandler)
	Peers() []peer.Info
	SendData(to peer.ID, message string) error
	Send(msg signal.Message) error
}

// Coordinator wires discovery, election, signaling and transport into
// one lifecycle. A zero coordinator is not usable; construct with New.
type Coordinator struct {
	cfg    config.Config
	logger *zap.Logger

	discovery Discovery
	transport Transport
	hub       HubServer
	newClient func(p *peer.Peer) HubClient

	serveBroadcast    func(ctx context.Context, port, advertisedPort int)
	broadcastDiscover func(port int, timeout time.Duration) []discovery.DiscoveredLeader

	self     *peer.Peer
	election *election.Service
	client   HubClient
	rtcMgr   *rtc.Manager

	running atomic.Bool
	cancel  context.CancelFunc

	mu          sync.RWMutex
	addressBook map[peer.ID]string
	known       map[peer.ID]struct{}

	events chan Event
}

// New creates a coordinator over the real component implementations.
func New(cfg config.Config, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger,
		discovery:   discovery.NewService(cfg.ServiceType, logger),
		hub:         signal.NewHub(logger),
		addressBook: make(map[peer.ID]string),
		known:       make(map[peer.ID]struct{}),
		events:      make(chan Event, eventDepth),
	}
	c.newClient = func(p *peer.Peer) HubClient {
		return signal.NewClient(p, logger)
	}
	c.serveBroadcast = func(ctx context.Context, port, advertisedPort int) {
		discovery.ServeBroadcast(ctx, port, advertisedPort, logger)
	}
	c.broadcastDiscover = func(port int, timeout time.Duration) []discovery.DiscoveredLeader {
		return discovery.BroadcastDiscover(port, timeout, logger)
	}
	return c
}

// Events returns the coordinator's notification stream.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// StartPeer creates the local identity and runs the startup sequence:
// serve (displays), announce, browse, elect, then host the hub or join
// the elected leader's. Returns the local peer id.
func (c *Coordinator) StartPeer(ctx context.Context, role peer.Role, displayName string) (peer.ID, error) {
	if !role.Valid() {
		return peer.ID{}, fmt.Errorf("invalid role %q", role)
	}
	if !c.running.CompareAndSwap(false, true) {
		return peer.ID{}, ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)

	p := peer.New(role, displayName)
	c.self = p
	c.election = election.NewService(p, c.logger)
	if c.transport == nil {
		c.transport = transport.NewManager(p.ID, c.logger)
	}
	c.wireTransport()

	c.logger.Info("starting peer",
		zap.String("peer_id", p.ID.String()),
		zap.String("role", string(role)),
		zap.String("display_name", displayName))

	if role == peer.RoleDisplay {
		if _, err := c.transport.StartServer(c.cfg.TCPPort); err != nil {
			c.abort()
			return peer.ID{}, err
		}
		go c.serveBroadcast(ctx, c.cfg.BroadcastPort, c.cfg.SignalingPort)
	}

	c.discovery.Announce(p, c.cfg.SignalingPort)
	discovered := c.discovery.BrowseForLeaders(ctx, c.cfg.BrowseWindow())
	c.recordAddresses(discovered)

	result := c.election.Elect(discovered)
	if result.Kind == election.Follower {
		addr := net.JoinHostPort(result.Leader.Host, strconv.Itoa(result.Leader.Port))
		if err := c.startFollower(ctx, addr); err != nil {
			c.abort()
			return peer.ID{}, err
		}
	} else {
		if err := c.startLeaderOrFallback(ctx, len(discovered) == 0); err != nil {
			c.abort()
			return peer.ID{}, err
		}
	}

	c.emitLeaderChanged()
	return p.ID, nil
}

// startLeaderOrFallback hosts the hub, with two escape hatches: an
// mDNS-silent network may still answer UDP broadcast, and the signaling
// port may already be owned by a hub that won the bind race.
func (c *Coordinator) startLeaderOrFallback(ctx context.Context, nothingDiscovered bool) error {
	if nothingDiscovered {
		if hints := c.broadcastDiscover(c.cfg.BroadcastPort, c.cfg.BrowseWindow()); len(hints) > 0 {
			hint := hints[0]
			addr := net.JoinHostPort(hint.Host, strconv.Itoa(hint.Port))
			c.logger.Info("mdns silent but broadcast answered, joining hub",
				zap.String("addr", addr))
			if err := c.startFollower(ctx, addr); err == nil {
				return nil
			}
			c.logger.Warn("broadcast hub hint unreachable, hosting instead",
				zap.String("addr", addr))
		}
	}

	c.self.IsLeader = true
	if c.cfg.EnableRTC {
		c.rtcMgr = rtc.NewManager(c.self.ID, c.hub, c.logger)
	}
	c.wireHub()

	if err := c.hub.Start(c.cfg.SignalingPort); err != nil {
		if !isAddrInUse(err) {
			return err
		}
		// Lost the bind race: another local process already hosts the
		// session. Demote and join it.
		c.logger.Info("signaling port taken, joining the local hub as follower",
			zap.Int("port", c.cfg.SignalingPort))
		c.self.IsLeader = false
		c.rtcMgr = nil
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.cfg.SignalingPort))
		return c.startFollower(ctx, addr)
	}

	c.hub.SetLocalPeer(c.self.Info(true), true)
	if c.self.Role == peer.RoleController {
		go c.membershipLoop(ctx)
	}
	return nil
}

func (c *Coordinator) startFollower(ctx context.Context, addr string) error {
	client := c.newClient(c.self)
	if c.cfg.EnableRTC {
		c.rtcMgr = rtc.NewManager(c.self.ID, client, c.logger)
	}
	c.wireClient(client)
	if err := client.Connect(ctx, addr); err != nil {
		return fmt.Errorf("join hub at %s: %w", addr, err)
	}
	c.client = client
	c.logger.Info("joined hub", zap.String("addr", addr))

	if c.self.Role == peer.RoleController {
		go c.membershipLoop(ctx)
	}
	return nil
}

func (c *Coordinator) wireTransport() {
	c.transport.OnMessage(func(from peer.ID, message string) {
		c.emit(Event{Type: EventDataReceived, FromPeerID: from.String(), Message: message})
	})
	c.transport.OnConnected(func(id peer.ID) {
		c.emit(Event{Type: EventPeerListChanged, Peers: c.ConnectedPeers()})
	})
	c.transport.OnDisconnected(func(id peer.ID) {
		// Forget the peer so the membership poll may reconnect.
		c.mu.Lock()
		delete(c.known, id)
		c.mu.Unlock()
		c.emit(Event{Type: EventPeerListChanged, Peers: c.ConnectedPeers()})
	})
}

func (c *Coordinator) wireHub() {
	c.hub.OnData(func(from peer.ID, message string) {
		c.emit(Event{Type: EventDataReceived, FromPeerID: from.String(), Message: message})
	})
	c.hub.OnPeersChanged(func(peers []peer.Info) {
		c.emit(Event{Type: EventPeerListChanged, Peers: peers})
	})
	c.hub.OnSignal(func(msg signal.Message) {
		if c.rtcMgr != nil {
			c.rtcMgr.HandleSignal(msg)
		}
	})
}

func (c *Coordinator) wireClient(client HubClient) {
	client.OnData(func(from peer.ID, message string) {
		c.emit(Event{Type: EventDataReceived, FromPeerID: from.String(), Message: message})
	})
	client.OnPeersChanged(func(peers []peer.Info) {
		c.noteLeader(peers)
		c.emit(Event{Type: EventPeerListChanged, Peers: peers})
	})
	client.OnSignal(func(msg signal.Message) {
		if c.rtcMgr != nil {
			c.rtcMgr.HandleSignal(msg)
		}
	})
}

// noteLeader tracks leadership observed in directory snapshots, which is
// how a bind-conflict follower learns who actually leads.
func (c *Coordinator) noteLeader(peers []peer.Info) {
	for _, info := range peers {
		if !info.IsLeader {
			continue
		}
		id, err := peer.ParseID(info.ID)
		if err != nil {
			return
		}
		prev, had := c.election.Leader()
		if !had || prev != id {
			c.election.SetLeader(id)
			c.emitLeaderChanged()
		}
		return
	}
}

// membershipLoop keeps a controller directly connected to every display
// in the session directory.
func (c *Coordinator) membershipLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.running.Load() {
				return
			}
			c.connectNewDisplays()
		}
	}
}

// connectNewDisplays diffs the directory against the known set and dials
// every display seen for the first time.
func (c *Coordinator) connectNewDisplays() {
	for _, info := range c.directory() {
		if info.Role != peer.RoleDisplay {
			continue
		}
		id, err := peer.ParseID(info.ID)
		if err != nil || id == c.self.ID {
			continue
		}

		c.mu.Lock()
		_, seen := c.known[id]
		if !seen {
			c.known[id] = struct{}{}
		}
		c.mu.Unlock()

		// Data channels negotiate over the hub, so the offer needs no
		// resolvable address.
		if !seen && c.rtcMgr != nil {
			if err := c.rtcMgr.Offer(id); err != nil {
				c.logger.Warn("webrtc offer failed",
					zap.String("peer_id", info.ID), zap.Error(err))
			}
		}

		if seen || c.transport.IsConnected(id) {
			continue
		}

		host, ok := c.resolveHost(id)
		if !ok {
			c.logger.Warn("no address known for display, skipping",
				zap.String("peer_id", info.ID))
			c.forget(id)
			continue
		}
		if err := c.transport.ConnectToPeer(id, info, host, c.cfg.TCPPort); err != nil {
			c.logger.Warn("tcp connect to display failed",
				zap.String("peer_id", info.ID),
				zap.String("host", host),
				zap.Error(err))
			c.forget(id)
		}
	}
}

// resolveHost finds a display's address: the hub's view of where the
// peer registered from, falling back to the discovery address book.
func (c *Coordinator) resolveHost(id peer.ID) (string, bool) {
	if c.client == nil {
		if host, ok := c.hub.ClientAddr(id); ok && host != "" {
			return host, true
		}
	}
	c.mu.RLock()
	host, ok := c.addressBook[id]
	c.mu.RUnlock()
	return host, ok && host != ""
}

func (c *Coordinator) forget(id peer.ID) {
	c.mu.Lock()
	delete(c.known, id)
	c.mu.Unlock()
}

func (c *Coordinator) recordAddresses(found []discovery.DiscoveredLeader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range found {
		if d.Host != "" && d.PeerID != (peer.ID{}) {
			c.addressBook[d.PeerID] = d.Host
		}
	}
}

// SendControlMessage delivers a payload to one peer, preferring the
// direct TCP connection, then an open data channel, then hub relay.
func (c *Coordinator) SendControlMessage(target peer.ID, text string) error {
	if !c.running.Load() {
		return ErrNotStarted
	}
	if err := c.transport.SendMessage(target, text); err == nil {
		return nil
	}
	if c.rtcMgr != nil {
		if err := c.rtcMgr.Send(target, []byte(text)); err == nil {
			return nil
		}
	}
	if !c.inDirectory(target) {
		return ErrNoRoute
	}
	if c.client != nil {
		return c.client.SendData(target, text)
	}
	c.hub.SendData(c.self.ID, target, text)
	return nil
}

func (c *Coordinator) inDirectory(id peer.ID) bool {
	want := id.String()
	for _, info := range c.directory() {
		if info.ID == want {
			return true
		}
	}
	return false
}

// directory returns the session's peer list from whichever side of the
// hub this process is on.
func (c *Coordinator) directory() []peer.Info {
	if c.client != nil {
		return c.client.Peers()
	}
	return c.hub.PeerList()
}

// ConnectedPeers returns the current session directory.
func (c *Coordinator) ConnectedPeers() []peer.Info {
	if !c.running.Load() {
		return nil
	}
	return c.directory()
}

// LeaderStatus reports the current leader and the local peer's standing.
func (c *Coordinator) LeaderStatus() peer.LeaderStatus {
	status := peer.LeaderStatus{}
	if !c.running.Load() || c.election == nil {
		return status
	}
	status.PeerCount = len(c.directory())
	if id, ok := c.election.Leader(); ok {
		s := id.String()
		status.LeaderID = &s
		status.AmILeader = id == c.self.ID
	}
	return status
}

// Stop tears the session down.
func (c *Coordinator) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.rtcMgr != nil {
		c.rtcMgr.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	if c.hub != nil {
		c.hub.Stop()
	}
	if c.transport != nil {
		c.transport.Stop()
	}
	c.discovery.Shutdown()
	c.logger.Info("mesh stopped")
}

func (c *Coordinator) abort() {
	c.running.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.transport != nil {
		c.transport.Stop()
	}
	c.discovery.Shutdown()
}

func (c *Coordinator) emitLeaderChanged() {
	id, ok := c.election.Leader()
	if !ok {
		return
	}
	c.emit(Event{
		Type:      EventLeaderChanged,
		LeaderID:  id.String(),
		AmILeader: id == c.self.ID,
	})
}

// emit never blocks: when the stream is full the oldest event is dropped
// to make room.
func (c *Coordinator) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use")
}
