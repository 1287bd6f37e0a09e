package peer

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestControllerOutranksDisplay(t *testing.T) {
	controller := New(RoleController, "Controller")
	time.Sleep(10 * time.Millisecond)
	display := New(RoleDisplay, "Display")

	// Role dominates even though the display would win on startup time.
	later := Priority{RoleScore: RoleController.Score(), StartupTimeMS: display.StartupTimeMS + 1000}
	if later.Compare(display.Priority()) != 1 {
		t.Error("controller started later should still outrank display")
	}
	if controller.Priority().Compare(display.Priority()) != 1 {
		t.Error("controller should outrank display")
	}
}

func TestEarlierStartupWins(t *testing.T) {
	first := New(RoleController, "Peer1")
	time.Sleep(10 * time.Millisecond)
	second := New(RoleController, "Peer2")

	if first.Priority().Compare(second.Priority()) != 1 {
		t.Error("earlier startup should outrank later startup at equal role")
	}
	if second.Priority().Compare(first.Priority()) != -1 {
		t.Error("later startup should lose to earlier startup")
	}
}

func TestPriorityTotalOrder(t *testing.T) {
	a := Priority{RoleScore: 2, StartupTimeMS: 100}
	b := Priority{RoleScore: 2, StartupTimeMS: 200}
	c := Priority{RoleScore: 1, StartupTimeMS: 50}

	// Exactly one of <, =, > holds for each pair.
	pairs := []struct {
		x, y Priority
		want int
	}{
		{a, b, 1},
		{b, a, -1},
		{a, c, 1},
		{c, a, -1},
		{b, c, 1},
		{a, a, 0},
	}
	for _, p := range pairs {
		if got := p.x.Compare(p.y); got != p.want {
			t.Errorf("Compare(%+v, %+v) = %d, want %d", p.x, p.y, got, p.want)
		}
	}

	// Transitivity: a > b, b > c implies a > c.
	if a.Compare(b) == 1 && b.Compare(c) == 1 && a.Compare(c) != 1 {
		t.Error("priority ordering is not transitive")
	}
}

func TestIdenticalPrioritiesBrokenByID(t *testing.T) {
	p := Priority{RoleScore: 2, StartupTimeMS: 100}
	q := Priority{RoleScore: 2, StartupTimeMS: 100}
	if p.Compare(q) != 0 {
		t.Fatal("identical priorities should compare equal")
	}

	x := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	y := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	if CompareIDs(x, y) >= 0 {
		t.Error("lower id should compare less than higher id")
	}
	if CompareIDs(y, x) <= 0 {
		t.Error("higher id should compare greater than lower id")
	}
	if CompareIDs(x, x) != 0 {
		t.Error("identical ids should compare equal")
	}
}

func TestInfoProjection(t *testing.T) {
	p := New(RoleDisplay, "Stage Left")
	p.IsLeader = true

	info := p.Info(true)
	if info.ID != p.ID.String() {
		t.Errorf("info id = %s, want %s", info.ID, p.ID)
	}
	if info.Role != RoleDisplay || info.DisplayName != "Stage Left" {
		t.Error("info should carry role and display name")
	}
	if !info.IsConnected || !info.IsLeader {
		t.Error("info should carry connectivity and leadership flags")
	}
}
