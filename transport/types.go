package transport

import (
	"github.com/burggraf/mw/peer"
)

// Frame ceilings. A peer declaring a longer frame is treated as corrupt
// and its connection is terminated. Registration frames are tiny, so they
// get a much lower ceiling.
const (
	maxFrameSize    = 10_000_000
	maxRegisterSize = 10_000
)

// outboundDepth bounds each connection's send queue.
const outboundDepth = 256

type messageType string

const (
	typeRegister messageType = "register"
	typeData     messageType = "data"
	typePing     messageType = "ping"
	typePong     messageType = "pong"
)

// tcpMessage is the JSON body of one frame. Framing is a 4-byte big-endian
// length prefix; this protocol never interoperates with the signaling one.
type tcpMessage struct {
	Type    messageType `json:"type"`
	PeerID  *peer.ID    `json:"peer_id,omitempty"`
	Message string      `json:"message,omitempty"`
}

// MessageHandler is called with each data payload received from a peer.
type MessageHandler func(peerID peer.ID, message string)

// PeerHandler is called when a peer connects or disconnects.
type PeerHandler func(peerID peer.ID)

type transportError string

func (e transportError) Error() string { return string(e) }

const (
	// ErrPeerNotConnected signals the caller to fall back to hub relay.
	ErrPeerNotConnected transportError = "peer not connected"
	// ErrQueueFull means the peer's outbound queue is saturated.
	ErrQueueFull transportError = "outbound queue full"
	// ErrNotRunning means the manager was stopped.
	ErrNotRunning transportError = "transport not running"
)
