package signal

import (
	"github.com/burggraf/mw/peer"
)

// MessageType discriminates the signaling envelope.
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeIceCandidate MessageType = "ice_candidate"
	TypePeerList     MessageType = "peer_list"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeData         MessageType = "data"
)

// Message is the JSON envelope exchanged over the hub. One flat struct
// carries every variant; Type selects which fields are meaningful.
type Message struct {
	Type MessageType `json:"type"`

	// register, heartbeat
	PeerID      *peer.ID   `json:"peer_id,omitempty"`
	Role        peer.Role  `json:"peer_type,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Priority    *[2]uint64 `json:"priority,omitempty"`

	// offer, answer, ice_candidate, data
	FromPeerID *peer.ID `json:"from_peer_id,omitempty"`
	ToPeerID   *peer.ID `json:"to_peer_id,omitempty"`
	SDP        string   `json:"sdp,omitempty"`
	Candidate  string   `json:"candidate,omitempty"`
	SDPMid     *string  `json:"sdp_mid,omitempty"`
	SDPMLine   *uint16  `json:"sdp_mline_index,omitempty"`

	// peer_list
	Peers []peer.Info `json:"peers,omitempty"`

	// data
	Message string `json:"message,omitempty"`
}

// NewRegister builds the registration frame a client sends first.
func NewRegister(p *peer.Peer) Message {
	prio := p.Priority()
	id := p.ID
	return Message{
		Type:        TypeRegister,
		PeerID:      &id,
		Role:        p.Role,
		DisplayName: p.DisplayName,
		Priority:    &[2]uint64{uint64(prio.RoleScore), prio.StartupTimeMS},
	}
}

// NewData builds a targeted data frame.
func NewData(from, to peer.ID, message string) Message {
	return Message{
		Type:       TypeData,
		FromPeerID: &from,
		ToPeerID:   &to,
		Message:    message,
	}
}

// NewPeerList builds a directory broadcast.
func NewPeerList(peers []peer.Info) Message {
	return Message{Type: TypePeerList, Peers: peers}
}

// DataHandler receives application payloads addressed to the local peer.
type DataHandler func(from peer.ID, message string)

// SignalHandler receives offer/answer/ice_candidate frames addressed to
// the local peer, for an optional richer P2P negotiation.
type SignalHandler func(msg Message)

// PeersHandler receives directory snapshots.
type PeersHandler func(peers []peer.Info)
