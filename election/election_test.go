package election

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burggraf/mw/discovery"
	"github.com/burggraf/mw/peer"
)

func newPeerAt(role peer.Role, name string, startupMS uint64) *peer.Peer {
	p := peer.New(role, name)
	p.StartupTimeMS = startupMS
	return p
}

func candidate(role peer.Role, name string, startupMS uint64) discovery.DiscoveredLeader {
	return discovery.DiscoveredLeader{
		PeerID:      uuid.New(),
		DisplayName: name,
		Role:        role,
		Priority:    peer.Priority{RoleScore: role.Score(), StartupTimeMS: startupMS},
	}
}

func TestEmptySnapshotMeansNoPeers(t *testing.T) {
	self := newPeerAt(peer.RoleDisplay, "Solo", 100)
	svc := NewService(self, zap.NewNop())

	result := svc.Elect(nil)
	if result.Kind != NoPeers {
		t.Fatalf("kind = %s, want no_peers", result.Kind)
	}
	if result.LeaderID != self.ID {
		t.Error("no-peers result should record self as leader")
	}
	if !svc.AmILeader() {
		t.Error("AmILeader should be true after a no-peers election")
	}
}

func TestControllerBeatsDisplayRegardlessOfStartup(t *testing.T) {
	// Peer A: controller at t=0. Peer B: display at t=10ms.
	a := newPeerAt(peer.RoleController, "A", 0)
	b := newPeerAt(peer.RoleDisplay, "B", 10)

	aSvc := NewService(a, zap.NewNop())
	bSvc := NewService(b, zap.NewNop())

	aSeesB := discovery.DiscoveredLeader{PeerID: b.ID, DisplayName: "B", Role: b.Role, Priority: b.Priority()}
	bSeesA := discovery.DiscoveredLeader{PeerID: a.ID, DisplayName: "A", Role: a.Role, Priority: a.Priority()}

	if got := aSvc.Elect([]discovery.DiscoveredLeader{aSeesB}); got.Kind != BecameLeader {
		t.Errorf("controller should win: got %s", got.Kind)
	}
	got := bSvc.Elect([]discovery.DiscoveredLeader{bSeesA})
	if got.Kind != Follower {
		t.Fatalf("display should follow: got %s", got.Kind)
	}
	if got.LeaderID != a.ID {
		t.Errorf("leader = %s, want %s", got.LeaderID, a.ID)
	}
}

func TestEarlierControllerWins(t *testing.T) {
	// Two controllers: A at t=0, B at t=5ms.
	a := newPeerAt(peer.RoleController, "A", 0)
	b := newPeerAt(peer.RoleController, "B", 5)

	aSvc := NewService(a, zap.NewNop())
	bSvc := NewService(b, zap.NewNop())

	aSeesB := discovery.DiscoveredLeader{PeerID: b.ID, Role: b.Role, Priority: b.Priority()}
	bSeesA := discovery.DiscoveredLeader{PeerID: a.ID, Role: a.Role, Priority: a.Priority()}

	if got := aSvc.Elect([]discovery.DiscoveredLeader{aSeesB}); got.Kind != BecameLeader {
		t.Errorf("earlier controller should win: got %s", got.Kind)
	}
	if got := bSvc.Elect([]discovery.DiscoveredLeader{bSeesA}); got.Kind != Follower || got.LeaderID != a.ID {
		t.Errorf("later controller should follow A: got %s leader %s", got.Kind, got.LeaderID)
	}
}

func TestUniqueMaximumWinsAmongMany(t *testing.T) {
	self := newPeerAt(peer.RoleDisplay, "Self", 500)
	svc := NewService(self, zap.NewNop())

	weakest := candidate(peer.RoleDisplay, "LateDisplay", 900)
	middle := candidate(peer.RoleController, "LateController", 300)
	strongest := candidate(peer.RoleController, "EarlyController", 100)

	result := svc.Elect([]discovery.DiscoveredLeader{weakest, middle, strongest})
	if result.Kind != Follower {
		t.Fatalf("kind = %s, want follower", result.Kind)
	}
	if result.LeaderID != strongest.PeerID {
		t.Errorf("leader = %s, want the unique maximum %s", result.LeaderID, strongest.PeerID)
	}
	if result.Leader == nil || result.Leader.DisplayName != "EarlyController" {
		t.Error("follower result should carry the winning candidate")
	}
}

func TestFullTieBrokenByHigherID(t *testing.T) {
	self := newPeerAt(peer.RoleController, "Self", 100)
	self.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	svc := NewService(self, zap.NewNop())

	other := discovery.DiscoveredLeader{
		PeerID:   uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"),
		Role:     peer.RoleController,
		Priority: peer.Priority{RoleScore: 2, StartupTimeMS: 100},
	}
	if got := svc.Elect([]discovery.DiscoveredLeader{other}); got.Kind != Follower {
		t.Errorf("higher id should win a full tie: got %s", got.Kind)
	}

	self.ID = uuid.MustParse("ffffffff-ffff-ffff-ffff-fffffffffffe")
	lower := discovery.DiscoveredLeader{
		PeerID:   uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		Role:     peer.RoleController,
		Priority: peer.Priority{RoleScore: 2, StartupTimeMS: 100},
	}
	svc2 := NewService(self, zap.NewNop())
	if got := svc2.Elect([]discovery.DiscoveredLeader{lower}); got.Kind != BecameLeader {
		t.Errorf("self with higher id should win a full tie: got %s", got.Kind)
	}
}

func TestSetLeaderOverridesElection(t *testing.T) {
	self := newPeerAt(peer.RoleController, "Self", 0)
	svc := NewService(self, zap.NewNop())
	svc.Elect(nil)
	if !svc.AmILeader() {
		t.Fatal("expected self leadership")
	}

	// Bind-conflict fallback demotes us to follower of the hub owner.
	hubOwner := uuid.New()
	svc.SetLeader(hubOwner)
	if svc.AmILeader() {
		t.Error("SetLeader should demote self")
	}
	if id, ok := svc.Leader(); !ok || id != hubOwner {
		t.Errorf("leader = %s/%v, want %s", id, ok, hubOwner)
	}
}
