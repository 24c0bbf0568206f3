package directory

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sharsein/hifi/pkg/codec"
)

// Participant is one connected client. The directory owns it; callers may
// hold the pointer for the duration of a broadcast pass.
type Participant struct {
	id uuid.UUID

	mu        sync.RWMutex
	addr      netip.AddrPort // zero until the first datagram binds it
	state     codec.State    // nil until the first state update
	lastHeard time.Time
}

func (p *Participant) ID() uuid.UUID { return p.id }

func (p *Participant) Addr() netip.AddrPort {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// Reachable reports whether the participant has a bound address.
func (p *Participant) Reachable() bool {
	return p.Addr().IsValid()
}

// HasState reports whether the participant has sent at least one valid
// state update.
func (p *Participant) HasState() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state != nil
}

func (p *Participant) LastHeard() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastHeard
}

// StateSize is the number of bytes WriteState will produce, 0 without state.
func (p *Participant) StateSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == nil {
		return 0
	}
	return p.state.Size()
}

// WriteState serialises the current state into dst.
func (p *Participant) WriteState(dst []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == nil {
		return 0, ErrNoState
	}
	return p.state.Write(dst)
}

func (p *Participant) touch(from netip.AddrPort, now time.Time) {
	if from.IsValid() {
		p.addr = from
	}
	p.lastHeard = now
}
