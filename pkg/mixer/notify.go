package mixer

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/sharsein/hifi/internal/telemetry"
	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

// Audience selects who hears about a removed participant.
type Audience string

const (
	AudienceParticipants Audience = "participants"
	AudienceRelays       Audience = "relays"
	AudienceBoth         Audience = "both"
)

func ParseAudience(s string) (Audience, error) {
	switch a := Audience(s); a {
	case AudienceParticipants, AudienceRelays, AudienceBoth:
		return a, nil
	case "":
		return AudienceParticipants, nil
	default:
		return "", fmt.Errorf("unknown kill audience %q", s)
	}
}

// Peers lists the other relays of the cluster.
type Peers interface {
	PeerAddrs() []netip.AddrPort
}

// Notifier tells the audience that a participant left.
type Notifier struct {
	dir      Universe
	peers    Peers
	out      Sender
	audience Audience
	log      *zap.Logger
}

func NewNotifier(dir Universe, peers Peers, out Sender, audience Audience, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{dir: dir, peers: peers, out: out, audience: audience, log: log}
}

// NodeKilled sends one kill packet per target for p. Participants that
// never sent state were never broadcast, so nobody is told about them.
func (n *Notifier) NodeKilled(p *directory.Participant) {
	if !p.HasState() {
		return
	}
	pkt := wire.IDPacket(wire.TypeKillAvatar, p.ID())

	targets := n.targets(p)
	for _, addr := range targets {
		if err := n.out.WriteTo(pkt, addr); err != nil {
			telemetry.SendErrors.Inc()
			n.log.Warn("kill send failed", zap.Stringer("addr", addr), zap.Error(err))
			continue
		}
		telemetry.PacketsSent.WithLabelValues(wire.TypeKillAvatar.String()).Inc()
	}
	n.log.Info("participant left", zap.Stringer("id", p.ID()), zap.Int("notified", len(targets)))
}

func (n *Notifier) targets(killed *directory.Participant) []netip.AddrPort {
	var out []netip.AddrPort
	if n.audience == AudienceRelays || n.audience == AudienceBoth {
		if n.peers != nil {
			out = append(out, n.peers.PeerAddrs()...)
		}
	}
	if n.audience == AudienceParticipants || n.audience == AudienceBoth {
		for _, r := range n.dir.Snapshot() {
			if r.ID() == killed.ID() || !r.HasState() {
				continue
			}
			if addr := r.Addr(); addr.IsValid() {
				out = append(out, addr)
			}
		}
	}
	return out
}
