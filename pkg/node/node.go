// Package node holds this relay's identity, the set of peer relays learned
// through discovery, and the admin HTTP handlers.
package node

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sharsein/hifi/internal/telemetry"
	"github.com/sharsein/hifi/pkg/directory"
)

// Roster is the read-only view of the participant directory.
type Roster interface {
	Snapshot() []*directory.Participant
	Len() int
}

type Node struct {
	id     string
	addr   string
	roster Roster
	frames func() int64
	log    *zap.Logger

	mu    sync.RWMutex
	peers map[string]netip.AddrPort // relay id -> udp address
}

func NewNode(id, addr string, roster Roster, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		id:     id,
		addr:   addr,
		roster: roster,
		frames: func() int64 { return 0 },
		log:    log,
		peers:  make(map[string]netip.AddrPort),
	}
}

// SetFrameSource reports the mixer's frame counter through /info.
func (n *Node) SetFrameSource(fn func() int64) {
	n.frames = fn
}

// AddPeer records another relay. The node itself is never its own peer.
func (n *Node) AddPeer(id string, hostport string) error {
	if id == n.id {
		return nil
	}
	ap, err := ResolveAddrPort(NormalizeHostPort(hostport, DefaultPort))
	if err != nil {
		return fmt.Errorf("peer %s: %w", id, err)
	}
	n.mu.Lock()
	n.peers[id] = ap
	count := len(n.peers)
	n.mu.Unlock()
	telemetry.RelayPeers.Set(float64(count))
	return nil
}

func (n *Node) ClearPeers() {
	n.mu.Lock()
	clear(n.peers)
	n.mu.Unlock()
	telemetry.RelayPeers.Set(0)
}

// SetPeers replaces the whole peer set, skipping peers that fail to resolve.
// Readers see either the old set or the new one, never a partial set.
func (n *Node) SetPeers(peers map[string]string) {
	next := make(map[string]netip.AddrPort, len(peers))
	for id, addr := range peers {
		if id == n.id {
			continue
		}
		ap, err := ResolveAddrPort(NormalizeHostPort(addr, DefaultPort))
		if err != nil {
			n.log.Warn("dropping peer", zap.String("peer", id), zap.Error(err))
			continue
		}
		next[id] = ap
		n.log.Debug("peer", zap.String("peer", id), zap.String("addr", addr))
	}

	n.mu.Lock()
	n.peers = next
	n.mu.Unlock()
	telemetry.RelayPeers.Set(float64(len(next)))
}

// PeerAddrs returns peer addresses ordered by peer id.
func (n *Node) PeerAddrs() []netip.AddrPort {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]netip.AddrPort, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.peers[id])
	}
	return out
}

// IsPeer reports whether addr belongs to a known relay.
func (n *Node) IsPeer(addr netip.AddrPort) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.peers {
		if p == addr {
			return true
		}
	}
	return false
}

func (n *Node) ID() string { return n.id }

func (n *Node) Addr() string {
	return n.addr
}
