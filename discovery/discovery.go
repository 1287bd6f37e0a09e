// Package discovery advertises the local peer as a leader candidate and
// browses the LAN for others over mDNS, with a UDP broadcast fallback for
// networks that drop multicast DNS.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

const mdnsDomain = "local."

// TXT keys carried on the advertisement.
const (
	txtPeerID       = "peer_id"
	txtPeerType     = "peer_type"
	txtDisplayName  = "display_name"
	txtPriorityType = "priority_type"
	txtPriorityTime = "priority_time"
)

// DiscoveredLeader is one remote leader candidate parsed from an
// advertisement. Ephemeral: discarded after one election pass unless
// re-discovered.
type DiscoveredLeader struct {
	PeerID      peer.ID
	DisplayName string
	Role        peer.Role
	Priority    peer.Priority
	Host        string
	Port        int
}

// Service announces the local peer and browses for leader candidates.
type Service struct {
	serviceType string
	logger      *zap.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewService creates a discovery service for the given mDNS service type,
// e.g. "_mobile-worship._tcp".
func NewService(serviceType string, logger *zap.Logger) *Service {
	return &Service{
		serviceType: serviceType,
		logger:      logger,
	}
}

// Announce publishes the peer's identity, role, display name, and priority
// components as TXT metadata. Best-effort: a failure is logged and the
// process continues without being discoverable.
func (s *Service) Announce(p *peer.Peer, port int) {
	prio := p.Priority()
	txt := []string{
		txtPeerID + "=" + p.ID.String(),
		txtPeerType + "=" + string(p.Role),
		txtDisplayName + "=" + p.DisplayName,
		txtPriorityType + "=" + strconv.Itoa(int(prio.RoleScore)),
		txtPriorityTime + "=" + strconv.FormatUint(prio.StartupTimeMS, 10),
	}

	server, err := zeroconf.Register(p.ID.String(), s.serviceType, mdnsDomain, port, txt, nil)
	if err != nil {
		s.logger.Warn("mDNS announce failed, continuing undiscoverable",
			zap.String("display_name", p.DisplayName), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.Info("announcing leader candidate",
		zap.String("peer_id", p.ID.String()),
		zap.String("peer_type", string(p.Role)),
		zap.Int("port", port))
}

// Shutdown stops announcing. Safe to call without a prior Announce.
func (s *Service) Shutdown() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
}

// BrowseForLeaders opens a discovery session and collects advertisements
// for up to timeout. Duplicate events for one advertisement are collapsed
// by service-instance name. An empty result is the normal first-peer
// outcome; transport errors yield an empty result with a warning, never a
// failure.
func (s *Service) BrowseForLeaders(ctx context.Context, timeout time.Duration) []DiscoveredLeader {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.logger.Warn("mDNS resolver unavailable, assuming zero peers", zap.Error(err))
		return nil
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, s.serviceType, mdnsDomain, entries); err != nil {
		s.logger.Warn("mDNS browse failed, assuming zero peers", zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{})
	var leaders []DiscoveredLeader
	for entry := range entries {
		// One advertisement can arrive as several low-level events.
		key := entry.ServiceInstanceName()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		host := ""
		if len(entry.AddrIPv4) > 0 {
			host = entry.AddrIPv4[0].String()
		}
		leader, ok := parseLeader(entry.Text, host, entry.Port)
		if !ok {
			s.logger.Debug("ignoring advertisement without peer metadata",
				zap.String("instance", entry.Instance))
			continue
		}
		s.logger.Info("discovered leader candidate",
			zap.String("peer_id", leader.PeerID.String()),
			zap.String("display_name", leader.DisplayName))
		leaders = append(leaders, leader)
	}
	return leaders
}

// parseLeader extracts a candidate from TXT records of the form
// "key=value". Kept pure so election inputs can be built without a live
// multicast environment.
func parseLeader(txt []string, host string, port int) (DiscoveredLeader, bool) {
	props := make(map[string]string, len(txt))
	for _, record := range txt {
		if key, val, ok := strings.Cut(record, "="); ok {
			props[key] = val
		}
	}

	id, err := uuid.Parse(props[txtPeerID])
	if err != nil {
		return DiscoveredLeader{}, false
	}

	role := peer.RoleDisplay
	if props[txtPeerType] == string(peer.RoleController) {
		role = peer.RoleController
	}

	name := props[txtDisplayName]
	if name == "" {
		name = "Unknown"
	}

	score, err := strconv.ParseUint(props[txtPriorityType], 10, 8)
	if err != nil {
		score = uint64(peer.RoleDisplay.Score())
	}
	startup, err := strconv.ParseUint(props[txtPriorityTime], 10, 64)
	if err != nil {
		startup = 0
	}

	return DiscoveredLeader{
		PeerID:      id,
		DisplayName: name,
		Role:        role,
		Priority:    peer.Priority{RoleScore: uint8(score), StartupTimeMS: startup},
		Host:        host,
		Port:        port,
	}, true
}

// String implements fmt.Stringer for log lines.
func (d DiscoveredLeader) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.DisplayName, d.Role, d.PeerID)
}
