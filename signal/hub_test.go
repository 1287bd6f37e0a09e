package signal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burggraf/mw/peer"
)

// testConn is a raw websocket helper for white-box hub tests.
type testConn struct {
	conn *websocket.Conn
	t    *testing.T
}

func dialHub(t *testing.T, hub *Hub) *testConn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", hub.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	return &testConn{conn: conn, t: t}
}

func (c *testConn) close() { c.conn.Close() }

func (c *testConn) send(msg Message) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) register(p *peer.Peer) {
	c.t.Helper()
	c.send(NewRegister(p))
}

// readUntil drains frames until one of the wanted type arrives.
func (c *testConn) readUntil(want MessageType) Message {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
	c.t.Fatalf("no %s frame before deadline", want)
	return Message{}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	if err := hub.Start(0); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(hub.Stop)
	return hub
}

func TestRegisterBroadcastsPeerList(t *testing.T) {
	hub := startHub(t)

	local := peer.New(peer.RoleController, "Host")
	local.IsLeader = true
	hub.SetLocalPeer(local.Info(true), true)

	display := peer.New(peer.RoleDisplay, "Stage")
	conn := dialHub(t, hub)
	defer conn.close()
	conn.register(display)

	list := conn.readUntil(TypePeerList)
	if len(list.Peers) != 2 {
		t.Fatalf("peer list has %d entries, want 2", len(list.Peers))
	}
	if list.Peers[0].ID != local.ID.String() {
		t.Error("local peer must be entry zero of the directory")
	}
	if !list.Peers[0].IsLeader {
		t.Error("local peer should be marked leader")
	}
	if list.Peers[1].ID != display.ID.String() || list.Peers[1].IsLeader {
		t.Error("remote registrant must not take leadership from the local peer")
	}
}

func TestFirstRemoteRegistrantLeadsWithoutLocalPeer(t *testing.T) {
	hub := startHub(t)

	first := peer.New(peer.RoleDisplay, "First")
	conn := dialHub(t, hub)
	defer conn.close()
	conn.register(first)

	list := conn.readUntil(TypePeerList)
	if len(list.Peers) != 1 || !list.Peers[0].IsLeader {
		t.Error("first remote registrant should be leader when no local peer exists")
	}

	second := peer.New(peer.RoleDisplay, "Second")
	conn2 := dialHub(t, hub)
	defer conn2.close()
	conn2.register(second)

	list = conn2.readUntil(TypePeerList)
	for _, info := range list.Peers {
		if info.ID == second.ID.String() && info.IsLeader {
			t.Error("second registrant must not be leader")
		}
	}
}

func TestDataRelayBetweenClients(t *testing.T) {
	hub := startHub(t)

	a := peer.New(peer.RoleController, "A")
	b := peer.New(peer.RoleDisplay, "B")

	connA := dialHub(t, hub)
	defer connA.close()
	connA.register(a)
	connA.readUntil(TypePeerList)

	connB := dialHub(t, hub)
	defer connB.close()
	connB.register(b)
	connB.readUntil(TypePeerList)

	connA.send(NewData(a.ID, b.ID, "next slide"))
	got := connB.readUntil(TypeData)
	if got.Message != "next slide" {
		t.Errorf("relayed message = %q, want %q", got.Message, "next slide")
	}
	if got.FromPeerID == nil || *got.FromPeerID != a.ID {
		t.Error("relay must preserve the sender")
	}
}

func TestDataToUnknownPeerIsDropped(t *testing.T) {
	hub := startHub(t)

	a := peer.New(peer.RoleController, "A")
	connA := dialHub(t, hub)
	defer connA.close()
	connA.register(a)
	connA.readUntil(TypePeerList)

	ghost := peer.New(peer.RoleDisplay, "Ghost")
	connA.send(NewData(a.ID, ghost.ID, "anyone there"))

	// The connection must survive the dropped relay.
	time.Sleep(100 * time.Millisecond)
	if hub.conns.Len() != 1 {
		t.Error("sender should still be connected after a send to an unknown peer")
	}
}

func TestDataAddressedToLocalPeerDispatches(t *testing.T) {
	hub := startHub(t)

	local := peer.New(peer.RoleController, "Host")
	hub.SetLocalPeer(local.Info(true), true)

	received := make(chan string, 1)
	hub.OnData(func(from peer.ID, message string) {
		received <- message
	})

	follower := peer.New(peer.RoleDisplay, "Follower")
	conn := dialHub(t, hub)
	defer conn.close()
	conn.register(follower)
	conn.readUntil(TypePeerList)

	conn.send(NewData(follower.ID, local.ID, "hello leader"))
	select {
	case msg := <-received:
		if msg != "hello leader" {
			t.Errorf("dispatched message = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data addressed to the local peer never reached the handler")
	}
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	hub := startHub(t)

	conn := dialHub(t, hub)
	defer conn.close()

	if err := conn.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// Registration still works on the same connection.
	p := peer.New(peer.RoleDisplay, "Persistent")
	conn.register(p)
	list := conn.readUntil(TypePeerList)
	if len(list.Peers) != 1 {
		t.Error("connection should survive a malformed frame and register")
	}
}

func TestDisconnectRemovesPeerAndRebroadcasts(t *testing.T) {
	hub := startHub(t)

	a := peer.New(peer.RoleController, "A")
	b := peer.New(peer.RoleDisplay, "B")

	connA := dialHub(t, hub)
	defer connA.close()
	connA.register(a)
	connA.readUntil(TypePeerList)

	connB := dialHub(t, hub)
	connB.register(b)
	connB.readUntil(TypePeerList)

	// A sees B arrive, then leave.
	list := connA.readUntil(TypePeerList)
	if len(list.Peers) != 2 {
		t.Fatalf("expected 2 peers after B joined, got %d", len(list.Peers))
	}

	connB.close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		list = connA.readUntil(TypePeerList)
		if len(list.Peers) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("B was never removed from the directory")
		}
	}
	if list.Peers[0].ID != a.ID.String() {
		t.Error("remaining peer should be A")
	}
}

func TestReconnectSurvivesOldSocketClosing(t *testing.T) {
	hub := startHub(t)

	p := peer.New(peer.RoleDisplay, "Stage")
	conn1 := dialHub(t, hub)
	conn1.register(p)
	conn1.readUntil(TypePeerList)

	// Same peer registers again on a fresh connection while the old
	// socket is still up, then the old socket dies.
	conn2 := dialHub(t, hub)
	defer conn2.close()
	conn2.register(p)
	conn2.readUntil(TypePeerList)

	conn1.close()
	time.Sleep(100 * time.Millisecond)

	if n := hub.conns.Len(); n != 1 {
		t.Fatalf("connection registry has %d entries after old socket died, want 1", n)
	}
	found := false
	for _, info := range hub.PeerList() {
		if info.ID == p.ID.String() {
			found = true
		}
	}
	if !found {
		t.Fatal("peer must stay in the directory while its new connection lives")
	}

	// The surviving connection still receives broadcasts.
	other := peer.New(peer.RoleDisplay, "Lobby")
	conn3 := dialHub(t, hub)
	defer conn3.close()
	conn3.register(other)

	list := conn2.readUntil(TypePeerList)
	if len(list.Peers) != 2 {
		t.Errorf("surviving connection saw %d peers, want 2", len(list.Peers))
	}
}

func TestSecondBindFailsAndClientFallbackWorks(t *testing.T) {
	hub := startHub(t)

	second := NewHub(zap.NewNop())
	err := second.Start(hub.Port())
	if err == nil {
		second.Stop()
		t.Fatal("second bind on the same port must fail")
	}
	if !strings.Contains(err.Error(), "bind signaling port") {
		t.Errorf("bind error should name the port: %v", err)
	}

	// The loser connects to the winner as a client instead.
	loser := peer.New(peer.RoleDisplay, "Loser")
	client := NewClient(loser, zap.NewNop())
	if err := client.Connect(context.Background(), fmt.Sprintf("127.0.0.1:%d", hub.Port())); err != nil {
		t.Fatalf("fallback client connect failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(client.Peers()) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("fallback client never received the directory")
}

func TestClientRelaysThroughHub(t *testing.T) {
	hub := startHub(t)

	a := peer.New(peer.RoleController, "A")
	b := peer.New(peer.RoleDisplay, "B")

	var mu sync.Mutex
	var got []string
	clientB := NewClient(b, zap.NewNop())
	clientB.OnData(func(from peer.ID, message string) {
		mu.Lock()
		got = append(got, message)
		mu.Unlock()
	})

	addr := fmt.Sprintf("127.0.0.1:%d", hub.Port())
	clientA := NewClient(a, zap.NewNop())
	if err := clientA.Connect(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	defer clientA.Close()
	if err := clientB.Connect(context.Background(), addr); err != nil {
		t.Fatal(err)
	}
	defer clientB.Close()

	// Wait until A's cached directory includes B.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(clientA.Peers()) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := clientA.SendData(b.ID, "verse 2"); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "verse 2" {
		t.Errorf("client B received %v, want exactly one %q", got, "verse 2")
	}
}
