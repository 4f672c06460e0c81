package ua

import "sync"

// PeerKey identifies a connection-holding endpoint by the transport it was
// reached on, the address on the other end, and our local address — the
// same triple that selects a transport.Connection.
type PeerKey struct {
	Transport string
	PeerAddr  string
	LocalAddr string
}

// Peer tracks the dialogs running over one PeerKey, so a connection loss
// or shutdown drain can find every dialog it needs to tear down without
// scanning the whole Application.
type Peer struct {
	Key PeerKey

	mu      sync.Mutex
	dialogs map[string]struct{}
}

func newPeer(key PeerKey) *Peer {
	return &Peer{Key: key, dialogs: make(map[string]struct{})}
}

func (p *Peer) trackDialog(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialogs[id] = struct{}{}
}

func (p *Peer) untrackDialog(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dialogs, id)
}

// DialogIDs returns the legacy string-form IDs of dialogs currently
// attributed to this peer.
func (p *Peer) DialogIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.dialogs))
	for id := range p.dialogs {
		ids = append(ids, id)
	}
	return ids
}

// PeerTable indexes Peer values by PeerKey, creating them lazily.
type PeerTable struct {
	mu    sync.Mutex
	peers map[PeerKey]*Peer
}

func newPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[PeerKey]*Peer)}
}

// Get returns the Peer for key, creating it if this is the first time it
// is seen.
func (t *PeerTable) Get(key PeerKey) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if !ok {
		p = newPeer(key)
		t.peers[key] = p
	}
	return p
}

// All returns a snapshot of every known peer.
func (t *PeerTable) All() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Delete drops key, e.g. once its connection is gone and all its dialogs
// have been torn down.
func (t *PeerTable) Delete(key PeerKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, key)
}

func peerKeyOf(transport, peerAddr, localAddr string) PeerKey {
	return PeerKey{Transport: transport, PeerAddr: peerAddr, LocalAddr: localAddr}
}
