package signal

import (
	"sync"

	"github.com/burggraf/mw/peer"
)

type directoryEntry struct {
	info peer.Info
	addr string // observed remote IP, for the membership-diff task
}

// Directory is the hub's authoritative peer registry for one session. The
// hosting process's own peer is entry zero of every snapshot.
type Directory struct {
	mu       sync.RWMutex
	local    *peer.Info
	remote   map[peer.ID]directoryEntry
	leaderID *peer.ID
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{remote: make(map[peer.ID]directoryEntry)}
}

// SetLocal registers the hosting process itself.
func (d *Directory) SetLocal(info peer.Info, isLeader bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info.IsLeader = isLeader
	d.local = &info
	if isLeader {
		if id, err := peer.ParseID(info.ID); err == nil {
			d.leaderID = &id
		}
	}
}

// LocalID returns the hosting peer's id, if registered.
func (d *Directory) LocalID() (peer.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.local == nil {
		return peer.ID{}, false
	}
	id, err := peer.ParseID(d.local.ID)
	return id, err == nil
}

// Add inserts a remote registrant. The very first remote registrant is
// marked leader only when no local peer already holds leadership; the
// return value reports whether that happened.
func (d *Directory) Add(id peer.ID, info peer.Info, addr string) (becameLeader bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.remote) == 0 && d.leaderID == nil {
		info.IsLeader = true
		d.leaderID = &id
		becameLeader = true
	}
	d.remote[id] = directoryEntry{info: info, addr: addr}
	return becameLeader
}

// Remove deletes a remote registrant.
func (d *Directory) Remove(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.remote, id)
}

// Snapshot returns the full directory, local peer first.
func (d *Directory) Snapshot() []peer.Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peers := make([]peer.Info, 0, len(d.remote)+1)
	if d.local != nil {
		peers = append(peers, *d.local)
	}
	for _, entry := range d.remote {
		peers = append(peers, entry.info)
	}
	return peers
}

// Remotes returns only the connected clients.
func (d *Directory) Remotes() []peer.Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peers := make([]peer.Info, 0, len(d.remote))
	for _, entry := range d.remote {
		peers = append(peers, entry.info)
	}
	return peers
}

// Addr returns the remote IP observed when the peer registered.
func (d *Directory) Addr(id peer.ID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.remote[id]
	return entry.addr, ok
}

// LeaderID returns the current session leader, if any.
func (d *Directory) LeaderID() (peer.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.leaderID == nil {
		return peer.ID{}, false
	}
	return *d.leaderID, true
}
