// Package peer defines the identity and election-priority model shared by
// every component of the mesh.
package peer

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a peer for the lifetime of its process.
type ID = uuid.UUID

// ParseID parses the string form of a peer ID.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// Role identifies what a device does in a session.
type Role string

const (
	RoleController Role = "controller"
	RoleDisplay    Role = "display"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleController || r == RoleDisplay
}

// Score returns the election weight of the role. Controllers outrank
// displays regardless of startup time.
func (r Role) Score() uint8 {
	if r == RoleController {
		return 2
	}
	return 1
}

// Peer is the local process's identity on the mesh. Immutable after
// construction except for the derived IsLeader flag.
type Peer struct {
	ID            ID
	Role          Role
	DisplayName   string
	StartupTimeMS uint64
	IsLeader      bool
}

// New creates a peer with a fresh random ID and the current time captured
// in milliseconds.
func New(role Role, displayName string) *Peer {
	return &Peer{
		ID:            uuid.New(),
		Role:          role,
		DisplayName:   displayName,
		StartupTimeMS: uint64(time.Now().UnixMilli()),
	}
}

// Priority derives the peer's election key.
func (p *Peer) Priority() Priority {
	return Priority{
		RoleScore:     p.Role.Score(),
		StartupTimeMS: p.StartupTimeMS,
	}
}

// Info projects the peer into its wire/UI form.
func (p *Peer) Info(isConnected bool) Info {
	return Info{
		ID:          p.ID.String(),
		Role:        p.Role,
		DisplayName: p.DisplayName,
		IsConnected: isConnected,
		IsLeader:    p.IsLeader,
	}
}

// Priority is the comparable election key: role first, startup time second.
type Priority struct {
	RoleScore     uint8
	StartupTimeMS uint64
}

// Compare returns 1 when p outranks other, -1 when other outranks p, and 0
// on a full tie. Higher role score wins; on equal roles the earlier startup
// wins. Identical priorities are possible across peers started within the
// same millisecond; callers break the remaining tie on peer ID via
// CompareIDs (higher wins).
func (p Priority) Compare(other Priority) int {
	if p.RoleScore != other.RoleScore {
		if p.RoleScore > other.RoleScore {
			return 1
		}
		return -1
	}
	if p.StartupTimeMS != other.StartupTimeMS {
		if p.StartupTimeMS < other.StartupTimeMS {
			return 1
		}
		return -1
	}
	return 0
}

// CompareIDs orders two peer IDs deterministically for tie-breaking.
func CompareIDs(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Info is the projection of a peer exchanged on the wire and handed to the
// UI layer. Field names match the signaling protocol.
type Info struct {
	ID          string `json:"id"`
	Role        Role   `json:"peer_type"`
	DisplayName string `json:"display_name"`
	IsConnected bool   `json:"is_connected"`
	IsLeader    bool   `json:"is_leader"`
}

// LeaderStatus summarizes the session for status queries.
type LeaderStatus struct {
	LeaderID  *string `json:"leader_id"`
	AmILeader bool    `json:"am_i_leader"`
	PeerCount int     `json:"peer_count"`
}
