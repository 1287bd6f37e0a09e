package mesh

import (
	"github.com/burggraf/mw/peer"
)

// EventType discriminates coordinator events.
type EventType string

const (
	// EventPeerListChanged carries the session directory after any
	// membership change.
	EventPeerListChanged EventType = "peer_list_changed"
	// EventLeaderChanged carries the current leader after election or a
	// directory-observed leadership change.
	EventLeaderChanged EventType = "leader_changed"
	// EventDataReceived carries an application payload from any route.
	EventDataReceived EventType = "data_received"
)

// Event is one coordinator notification. One flat struct carries every
// variant; Type selects which fields are meaningful. The payload is
// plain data so callers can forward it across process boundaries.
type Event struct {
	Type EventType `json:"type"`

	// peer_list_changed
	Peers []peer.Info `json:"peers,omitempty"`

	// leader_changed
	LeaderID  string `json:"leader_id,omitempty"`
	AmILeader bool   `json:"am_i_leader,omitempty"`

	// data_received
	FromPeerID string `json:"from_peer_id,omitempty"`
	Message    string `json:"message,omitempty"`
}
