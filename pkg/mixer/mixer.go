// Package mixer relays participant state. Inbound datagrams are dispatched
// into the directory between ticks; every tick the broadcaster fans each
// participant's latest state out to every other participant.
package mixer

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

const (
	DefaultTickRate  = 60
	DefaultInboxSize = 4096
)

// Sender delivers one datagram. Implementations must not retain b.
type Sender interface {
	WriteTo(b []byte, addr netip.AddrPort) error
}

// Universe is the read side of the directory used by a broadcast pass.
type Universe interface {
	Snapshot() []*directory.Participant
}

// Directory is the participant registry the mixer reads and mutates.
type Directory interface {
	Universe
	Lookup(id uuid.UUID) (*directory.Participant, bool)
	Attach(id uuid.UUID, from netip.AddrPort) (*directory.Participant, bool)
	Remove(id uuid.UUID) bool
	UpdateState(id uuid.UUID, raw []byte, from netip.AddrPort) error
	ProcessKill(b []byte, from netip.AddrPort) error
	ProcessNodeData(b []byte, from netip.AddrPort) error
	ReapSilent(timeout time.Duration) []uuid.UUID
	OnRemove(fn directory.RemoveFunc)
	Len() int
}

// Datagram is one inbound packet waiting for the scheduler.
type Datagram struct {
	Data []byte
	From netip.AddrPort
}

type Config struct {
	// TickRate is the number of broadcast passes per second.
	TickRate int
	// MaxPacket bounds every datagram the mixer emits.
	MaxPacket int
	// NodeTimeout removes participants silent for longer; 0 disables.
	NodeTimeout time.Duration
	Audience    Audience
	InboxSize   int
}

func (c Config) interval() time.Duration {
	rate := c.TickRate
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return time.Second / time.Duration(rate)
}

// Mixer drives dispatch, lifecycle notices and broadcast from a single
// goroutine.
type Mixer struct {
	cfg      Config
	interval time.Duration

	dir    Directory
	out    Sender
	bcast  *Broadcaster
	notify *Notifier
	log    *zap.Logger
	now    func() time.Time

	inbox chan Datagram
	frame atomic.Int64
}

type Option func(*Mixer)

func WithClock(now func() time.Time) Option {
	return func(m *Mixer) { m.now = now }
}

func New(cfg Config, dir Directory, out Sender, peers Peers, log *zap.Logger, opts ...Option) *Mixer {
	if cfg.MaxPacket <= wire.HeaderSize+wire.IDSize {
		cfg.MaxPacket = wire.MaxPacketSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.Audience == "" {
		cfg.Audience = AudienceParticipants
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Mixer{
		cfg:      cfg,
		interval: cfg.interval(),
		dir:      dir,
		out:      out,
		log:      log,
		now:      time.Now,
		inbox:    make(chan Datagram, cfg.InboxSize),
	}
	for _, o := range opts {
		o(m)
	}
	m.bcast = NewBroadcaster(dir, out, cfg.MaxPacket, log.Named("broadcast"))
	m.notify = NewNotifier(dir, peers, out, cfg.Audience, log.Named("lifecycle"))
	dir.OnRemove(m.notify.NodeKilled)
	return m
}

// Interval is the nominal time between ticks.
func (m *Mixer) Interval() time.Duration { return m.interval }
