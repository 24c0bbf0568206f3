// Package directory tracks the participants connected to this relay: their
// identifiers, bound addresses and attached state.
package directory

import (
	"container/list"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharsein/hifi/pkg/codec"
	"github.com/sharsein/hifi/pkg/wire"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrNoState            = errors.New("participant has no state")
	ErrUnauthorized       = errors.New("sender not allowed to remove participant")
	ErrUnhandledType      = errors.New("unhandled packet type")
)

// Sender delivers a datagram to a participant address.
type Sender interface {
	WriteTo(b []byte, addr netip.AddrPort) error
}

// RemoveFunc is called after a participant has left the directory.
type RemoveFunc func(p *Participant)

// Directory is a registry of participants keyed by identifier. Enumeration
// order is join order and stays stable across updates.
type Directory struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*list.Element
	ll   *list.List

	codec     codec.Codec
	log       *zap.Logger
	now       func() time.Time
	reply     Sender
	authorize func(netip.AddrPort) bool

	hooksMu  sync.RWMutex
	onRemove []RemoveFunc
}

type Option func(*Directory)

func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// WithClock overrides time.Now, used for silence reaping.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithReplier sets the sender used to answer pings.
func WithReplier(s Sender) Option {
	return func(d *Directory) { d.reply = s }
}

// WithKillAuthority allows addresses other than the participant's own to
// remove it, typically the relay peers.
func WithKillAuthority(fn func(netip.AddrPort) bool) Option {
	return func(d *Directory) { d.authorize = fn }
}

func New(c codec.Codec, opts ...Option) *Directory {
	d := &Directory{
		byID:  make(map[uuid.UUID]*list.Element),
		ll:    list.New(),
		codec: c,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnRemove registers fn to run after every removal.
func (d *Directory) OnRemove(fn RemoveFunc) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.onRemove = append(d.onRemove, fn)
}

// Attach returns the participant for id, creating it if needed. An existing
// participant keeps its state; only its address and liveness are refreshed.
func (d *Directory) Attach(id uuid.UUID, from netip.AddrPort) (*Participant, bool) {
	now := d.now()

	d.mu.RLock()
	el, ok := d.byID[id]
	d.mu.RUnlock()
	if ok {
		p := el.Value.(*Participant)
		p.mu.Lock()
		p.touch(from, now)
		p.mu.Unlock()
		return p, false
	}

	d.mu.Lock()
	// re-check under the write lock
	if el, ok := d.byID[id]; ok {
		d.mu.Unlock()
		p := el.Value.(*Participant)
		p.mu.Lock()
		p.touch(from, now)
		p.mu.Unlock()
		return p, false
	}
	p := &Participant{id: id}
	p.touch(from, now)
	d.byID[id] = d.ll.PushBack(p)
	d.mu.Unlock()

	d.log.Debug("participant attached", zap.Stringer("id", id), zap.Stringer("addr", from))
	return p, true
}

func (d *Directory) Lookup(id uuid.UUID) (*Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if el, ok := d.byID[id]; ok {
		return el.Value.(*Participant), true
	}
	return nil, false
}

// UpdateState replaces the state of id with raw and rebinds its address to
// from. The first update attaches a fresh state from the codec.
func (d *Directory) UpdateState(id uuid.UUID, raw []byte, from netip.AddrPort) error {
	p, ok := d.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state
	if st == nil {
		st = d.codec.New()
	}
	if err := st.Read(raw); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	p.state = st
	p.touch(from, d.now())
	return nil
}

// Snapshot returns every participant in enumeration order.
func (d *Directory) Snapshot() []*Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Participant, 0, d.ll.Len())
	for el := d.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Participant))
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Remove deletes id and fires the removal hooks. It reports whether the
// participant was present.
func (d *Directory) Remove(id uuid.UUID) bool {
	d.mu.Lock()
	el, ok := d.byID[id]
	if ok {
		delete(d.byID, id)
		d.ll.Remove(el)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	p := el.Value.(*Participant)
	d.log.Debug("participant removed", zap.Stringer("id", id))

	d.hooksMu.RLock()
	hooks := append([]RemoveFunc(nil), d.onRemove...)
	d.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
	return true
}

// ReapSilent removes every participant not heard from within timeout and
// returns their identifiers.
func (d *Directory) ReapSilent(timeout time.Duration) []uuid.UUID {
	if timeout <= 0 {
		return nil
	}
	cutoff := d.now().Add(-timeout)

	var stale []uuid.UUID
	for _, p := range d.Snapshot() {
		if p.LastHeard().Before(cutoff) {
			stale = append(stale, p.ID())
		}
	}
	for _, id := range stale {
		d.Remove(id)
	}
	return stale
}

// ProcessKill handles an inbound removal notice. Only the participant's own
// address or an authorised peer may remove it.
func (d *Directory) ProcessKill(b []byte, from netip.AddrPort) error {
	id, err := wire.ReadID(b)
	if err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	p, ok := d.Lookup(id)
	if !ok {
		return nil
	}
	if p.Addr() != from && (d.authorize == nil || !d.authorize(from)) {
		return fmt.Errorf("%w: %s from %s", ErrUnauthorized, id, from)
	}
	d.Remove(id)
	return nil
}

// ProcessNodeData handles the session packets that are not state updates
// or removal notices: joins and keepalive pings.
func (d *Directory) ProcessNodeData(b []byte, from netip.AddrPort) error {
	t, err := wire.Type(b)
	if err != nil {
		return err
	}
	switch t {
	case wire.TypeJoin:
		id, err := wire.ReadID(b)
		if err != nil {
			return fmt.Errorf("join: %w", err)
		}
		d.Attach(id, from)
		return nil
	case wire.TypePing:
		id, err := wire.ReadID(b)
		if err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		p, ok := d.Lookup(id)
		if !ok {
			return nil
		}
		p.mu.Lock()
		p.touch(from, d.now())
		p.mu.Unlock()
		if d.reply != nil {
			if err := d.reply.WriteTo(wire.IDPacket(wire.TypePingReply, id), from); err != nil {
				return fmt.Errorf("ping reply %s: %w", from, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledType, t)
	}
}
