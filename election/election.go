// Package election turns a discovery snapshot into a single deterministic
// leadership outcome.
package election

import (
	"sync"

	"go.uber.org/zap"

	"github.com/burggraf/mw/discovery"
	"github.com/burggraf/mw/peer"
)

// Kind is the three-way outcome of one election pass.
type Kind int

const (
	// BecameLeader means the local peer holds the maximum priority.
	BecameLeader Kind = iota
	// Follower means a discovered peer outranks the local one.
	Follower
	// NoPeers means nothing was discovered; the caller proceeds as leader.
	NoPeers
)

func (k Kind) String() string {
	switch k {
	case BecameLeader:
		return "became_leader"
	case Follower:
		return "follower"
	default:
		return "no_peers"
	}
}

// Result is the terminal output of one election attempt. Each call is
// independent; callers persist the last result.
type Result struct {
	Kind     Kind
	LeaderID peer.ID
	Leader   *discovery.DiscoveredLeader // nil unless Kind is Follower
}

// Service computes elections for one local peer and remembers the last
// winner for status queries.
type Service struct {
	self   *peer.Peer
	logger *zap.Logger

	mu        sync.Mutex
	leaderID  peer.ID
	hasLeader bool
}

// NewService creates an election service for the local peer.
func NewService(self *peer.Peer, logger *zap.Logger) *Service {
	return &Service{self: self, logger: logger}
}

// Elect computes the winner over self plus the discovered snapshot using
// the total priority order: role score, then earlier startup, then higher
// peer ID. Pure over the snapshot apart from recording the winner.
func (s *Service) Elect(discovered []discovery.DiscoveredLeader) Result {
	if len(discovered) == 0 {
		s.record(s.self.ID)
		s.logger.Info("no peers discovered, becoming leader by default")
		return Result{Kind: NoPeers, LeaderID: s.self.ID}
	}

	winnerID := s.self.ID
	winnerPriority := s.self.Priority()
	var winner *discovery.DiscoveredLeader

	for i := range discovered {
		other := &discovered[i]
		switch other.Priority.Compare(winnerPriority) {
		case 1:
			winnerID, winnerPriority, winner = other.PeerID, other.Priority, other
		case 0:
			// Full priority tie: higher peer ID wins, deterministically.
			if peer.CompareIDs(other.PeerID, winnerID) > 0 {
				winnerID, winner = other.PeerID, other
			}
		}
	}

	s.record(winnerID)
	if winnerID == s.self.ID {
		s.logger.Info("won election", zap.Int("candidates", len(discovered)))
		return Result{Kind: BecameLeader, LeaderID: winnerID}
	}
	s.logger.Info("following elected leader",
		zap.String("leader_id", winnerID.String()),
		zap.String("leader_name", winner.DisplayName))
	return Result{Kind: Follower, LeaderID: winnerID, Leader: winner}
}

// Leader returns the last computed leader, if any election has run.
func (s *Service) Leader() (peer.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID, s.hasLeader
}

// AmILeader reports whether the last election chose the local peer.
func (s *Service) AmILeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLeader && s.leaderID == s.self.ID
}

// SetLeader overrides the recorded leader; used when the bind-conflict
// fallback demotes a computed leader to follower.
func (s *Service) SetLeader(id peer.ID) {
	s.record(id)
}

func (s *Service) record(id peer.ID) {
	s.mu.Lock()
	s.leaderID = id
	s.hasLeader = true
	s.mu.Unlock()
}
