package ble

import "sync"

// Registry collects peers seen during a scan pass, one entry per address,
// in first-seen order. Safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	peers []PeerDevice
	index map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Add records peer and reports whether its address was new. A repeat
// sighting never changes the stored entry.
func (r *Registry) Add(peer PeerDevice) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[peer.Address]; ok {
		return false
	}
	r.index[peer.Address] = len(r.peers)
	r.peers = append(r.peers, peer)
	return true
}

// Peers returns a copy of the registered peers in first-seen order.
func (r *Registry) Peers() []PeerDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerDevice, len(r.peers))
	copy(out, r.peers)
	return out
}

// Lookup finds a peer by address.
func (r *Registry) Lookup(address string) (PeerDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[address]
	if !ok {
		return PeerDevice{}, false
	}
	return r.peers[i], true
}

// Len returns the number of distinct peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Reset forgets every peer, ready for a new scan pass.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = nil
	r.index = make(map[string]int)
}
