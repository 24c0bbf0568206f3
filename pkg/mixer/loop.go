package mixer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sharsein/hifi/internal/telemetry"
	"github.com/sharsein/hifi/pkg/wire"
)

// Deadline is the absolute time frame should start at. Deadlines are always
// measured from start, so an overrun never shifts later frames.
func Deadline(start time.Time, frame int64, interval time.Duration) time.Time {
	return start.Add(time.Duration(frame) * interval)
}

// Run drives the mixer until ctx is cancelled. Each iteration drains the
// inbox, reaps silent participants, broadcasts, then waits for the next
// deadline. A late iteration logs the overrun and starts the next frame
// immediately; frames are never skipped.
func (m *Mixer) Run(ctx context.Context) error {
	start := m.now()
	m.frame.Store(0)
	m.log.Info("mixer running",
		zap.Duration("interval", m.interval),
		zap.Int("max_packet", m.cfg.MaxPacket),
		zap.String("kill_audience", string(m.cfg.Audience)),
	)

	for {
		if ctx.Err() != nil {
			break
		}
		m.drain()
		m.reap()
		if ctx.Err() != nil {
			break
		}

		m.Tick()

		frame := m.frame.Add(1)
		wait := Deadline(start, frame, m.interval).Sub(m.now())
		if wait <= 0 {
			telemetry.TickOverruns.Inc()
			m.log.Warn("mixer loop took extra time, not sleeping",
				zap.Int64("frame", frame),
				zap.Duration("overrun", -wait),
			)
			continue
		}
		if !m.wait(ctx, wait) {
			break
		}
	}
	m.log.Info("mixer stopped", zap.Int64("frames", m.frame.Load()))
	return nil
}

// Tick runs one broadcast pass and records its metrics.
func (m *Mixer) Tick() Stats {
	begin := time.Now()
	st := m.bcast.Broadcast()
	telemetry.TickDuration.Observe(time.Since(begin).Seconds())
	telemetry.TicksTotal.Inc()
	telemetry.PacketsSent.WithLabelValues(wire.TypeBulkAvatarData.String()).Add(float64(st.Packets - st.SendErrors))
	telemetry.BytesSent.Add(float64(st.Bytes))
	telemetry.SendErrors.Add(float64(st.SendErrors))
	telemetry.Participants.Set(float64(m.dir.Len()))
	return st
}

// Frame returns the number of completed ticks.
func (m *Mixer) Frame() int64 { return m.frame.Load() }

// drain dispatches everything already queued without blocking.
func (m *Mixer) drain() {
	for {
		select {
		case d := <-m.inbox:
			m.handle(d)
		default:
			return
		}
	}
}

func (m *Mixer) reap() {
	if m.cfg.NodeTimeout <= 0 {
		return
	}
	if gone := m.dir.ReapSilent(m.cfg.NodeTimeout); len(gone) > 0 {
		m.log.Debug("reaped silent participants", zap.Int("count", len(gone)))
	}
}

// wait sleeps for d while servicing the inbox, so datagrams are applied
// between ticks rather than piling up. It returns false once ctx is done.
func (m *Mixer) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case dg := <-m.inbox:
			m.handle(dg)
		}
	}
}
