package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

func TestParseLeader(t *testing.T) {
	id := uuid.New()
	txt := []string{
		"peer_id=" + id.String(),
		"peer_type=controller",
		"display_name=Main Controller",
		"priority_type=2",
		"priority_time=1234567",
	}

	leader, ok := parseLeader(txt, "192.168.1.20", 3010)
	if !ok {
		t.Fatal("expected a parsed leader")
	}
	if leader.PeerID != id {
		t.Errorf("peer id = %s, want %s", leader.PeerID, id)
	}
	if leader.Role != peer.RoleController {
		t.Errorf("role = %s, want controller", leader.Role)
	}
	if leader.Priority.RoleScore != 2 || leader.Priority.StartupTimeMS != 1234567 {
		t.Errorf("priority = %+v", leader.Priority)
	}
	if leader.Host != "192.168.1.20" || leader.Port != 3010 {
		t.Errorf("address = %s:%d", leader.Host, leader.Port)
	}
}

func TestParseLeaderDefaults(t *testing.T) {
	id := uuid.New()
	// Only the peer id is mandatory; everything else falls back.
	leader, ok := parseLeader([]string{"peer_id=" + id.String()}, "", 0)
	if !ok {
		t.Fatal("peer id alone should parse")
	}
	if leader.Role != peer.RoleDisplay {
		t.Errorf("missing peer_type should default to display, got %s", leader.Role)
	}
	if leader.DisplayName != "Unknown" {
		t.Errorf("missing display_name should default, got %q", leader.DisplayName)
	}
	if leader.Priority.RoleScore != peer.RoleDisplay.Score() {
		t.Errorf("missing priority_type should default to display score")
	}
}

func TestParseLeaderRejectsMissingID(t *testing.T) {
	if _, ok := parseLeader([]string{"display_name=Nameless"}, "", 0); ok {
		t.Error("advertisement without a peer id must be ignored")
	}
	if _, ok := parseLeader([]string{"peer_id=not-a-uuid"}, "", 0); ok {
		t.Error("advertisement with a malformed peer id must be ignored")
	}
}

func TestBrowseWithNoAdvertisementsReturnsEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast browse in short mode")
	}
	svc := NewService("_mw-test-nothing._tcp", zap.NewNop())

	start := time.Now()
	leaders := svc.BrowseForLeaders(context.Background(), 500*time.Millisecond)
	if len(leaders) != 0 {
		t.Errorf("expected no leaders, got %d", len(leaders))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("browse took %v, should close with the window", elapsed)
	}
}

func TestParseBroadcastResponse(t *testing.T) {
	port, ok := parseBroadcastResponse("MW-HERE3010")
	if !ok || port != 3010 {
		t.Errorf("got %d/%v, want 3010/true", port, ok)
	}
	if _, ok := parseBroadcastResponse("MW-HERE"); ok {
		t.Error("response without a port must be rejected")
	}
	if _, ok := parseBroadcastResponse("HELLO3010"); ok {
		t.Error("wrong magic must be rejected")
	}
	if _, ok := parseBroadcastResponse("MW-HERE99999"); ok {
		t.Error("out-of-range port must be rejected")
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listener and browser share the loopback broadcast domain.
	go ServeBroadcast(ctx, 48489, 3010, logger)
	time.Sleep(50 * time.Millisecond)

	found := BroadcastDiscover(48489, 500*time.Millisecond, logger)
	if len(found) == 0 {
		t.Skip("broadcast unavailable in this environment")
	}
	if found[0].Port != 3010 {
		t.Errorf("advertised port = %d, want 3010", found[0].Port)
	}
}
