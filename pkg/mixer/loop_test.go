package mixer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharsein/hifi/internal/telemetry"
	"github.com/sharsein/hifi/pkg/directory"
	"github.com/sharsein/hifi/pkg/wire"
)

// slowClock moves step forward on every reading and cancels the run once
// it has been read stopAfter times past the start.
type slowClock struct {
	mu        sync.Mutex
	t         time.Time
	step      time.Duration
	reads     int
	stopAfter int
	cancel    context.CancelFunc
}

func (c *slowClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t.Add(time.Duration(c.reads) * c.step)
	if c.reads == c.stopAfter {
		c.cancel()
	}
	c.reads++
	return now
}

func TestDeadlineIsAbsolute(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	interval := time.Second / 60

	// simulated work per frame, some of it longer than the interval
	work := []time.Duration{
		2 * time.Millisecond,
		40 * time.Millisecond,
		25 * time.Millisecond,
		1 * time.Millisecond,
		1 * time.Millisecond,
		1 * time.Millisecond,
		1 * time.Millisecond,
	}

	now := start
	overruns := 0
	for i, w := range work {
		now = now.Add(w)
		frame := int64(i + 1)
		deadline := Deadline(start, frame, interval)
		require.Equal(t, start.Add(time.Duration(frame)*interval), deadline)
		if wait := deadline.Sub(now); wait > 0 {
			now = deadline
		} else {
			overruns++
		}
	}

	assert.Equal(t, 4, overruns, "frames 2-5 start late")
	// the short frames after the overrun catch the schedule back up
	assert.Equal(t, Deadline(start, int64(len(work)), interval), now)
}

func TestRunBroadcastsQueuedState(t *testing.T) {
	m, _, out := newMixer(t, Config{TickRate: 500}, nil)

	m.Enqueue(wire.IDPacket(wire.TypeJoin, idA), addrA)
	m.Enqueue(wire.IDPacket(wire.TypeJoin, idB), addrB)
	m.Enqueue(statePacket(idA, fill('a', 30)), addrA)
	m.Enqueue(statePacket(idB, fill('b', 30)), addrB)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(out.sentTo(addrA, wire.TypeBulkAvatarData)) >= 3 && m.Frame() >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	pkts := out.sentTo(addrA, wire.TypeBulkAvatarData)
	recs, err := wire.SplitRecords(pkts[0], 30)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, idB, recs[0].ID)
	assert.Equal(t, fill('b', 30), recs[0].State)
}

func TestRunStoppedBeforeStartDoesNotBroadcast(t *testing.T) {
	m, d, out := newMixer(t, Config{}, nil)
	join(t, d, idA, addrA, fill('a', 5))
	join(t, d, idB, addrB, fill('b', 5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))

	assert.Zero(t, m.Frame())
	assert.Empty(t, out.all())
}

func TestRunReapsSilentParticipants(t *testing.T) {
	m, d, out := newMixer(t, Config{TickRate: 500, NodeTimeout: 20 * time.Millisecond}, nil)
	join(t, d, idA, addrA, fill('a', 5))
	join(t, d, idB, addrB, fill('b', 5))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Len() == 0 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// whichever went first was announced to the other
	assert.Len(t, append(out.sentTo(addrA, wire.TypeKillAvatar), out.sentTo(addrB, wire.TypeKillAvatar)...), 1)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	m, _, _ := newMixer(t, Config{InboxSize: 1}, nil)
	assert.True(t, m.Enqueue([]byte{1}, addrA))
	assert.False(t, m.Enqueue([]byte{2}, addrA))
}

func TestIntervalFromTickRate(t *testing.T) {
	m, _, _ := newMixer(t, Config{}, nil)
	assert.Equal(t, time.Second/60, m.Interval())
}

func TestRunOverrunsKeepEveryFrame(t *testing.T) {
	const frames = 25

	out := &recorder{}
	d := directory.New(codecForTest())
	join(t, d, idA, addrA, fill('a', 10))
	join(t, d, idB, addrB, fill('b', 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// every frame takes 50ms against a 16.7ms budget
	clk := &slowClock{
		t:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		step:      50 * time.Millisecond,
		stopAfter: frames,
		cancel:    cancel,
	}
	m := New(Config{TickRate: 60}, d, out, nil, zap.NewNop(), WithClock(clk.now))

	overruns := testutil.ToFloat64(telemetry.TickOverruns)
	ticks := testutil.ToFloat64(telemetry.TicksTotal)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.EqualValues(t, frames, m.Frame())
	assert.EqualValues(t, frames, testutil.ToFloat64(telemetry.TickOverruns)-overruns)
	assert.EqualValues(t, frames, testutil.ToFloat64(telemetry.TicksTotal)-ticks)
	assert.Len(t, out.sentTo(addrA, wire.TypeBulkAvatarData), frames)
	assert.Len(t, out.sentTo(addrB, wire.TypeBulkAvatarData), frames)
}
