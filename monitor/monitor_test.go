package monitor

import (
	"context"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/arloliu/go-gdbmon/internal/stubtest"
	"github.com/arloliu/go-gdbmon/logger"
	"github.com/arloliu/go-gdbmon/rsp"
	"github.com/arloliu/go-gdbmon/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestMonitor(t *testing.T, srv *stubtest.Server, opts ...Option) *Monitor {
	t.Helper()

	defaults := []Option{
		WithPeriod(5 * time.Millisecond),
		WithCloseTimeout(time.Second),
		WithClientOptions(rsp.WithReplyTimeout(time.Second)),
	}

	m, err := New(context.Background(), srv.Addr(), append(defaults, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestMonitor_OpenClose(t *testing.T) {
	srv := stubtest.Start(t)
	srv.SetGameCode("AZEE")
	m := newTestMonitor(t, srv)

	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Open(context.Background()))
	assert.Equal(t, StateRunning, m.State())
	assert.True(t, m.IsRunning())

	tgt := m.Target()
	assert.Equal(t, target.KindPhantomHourglass, tgt.Kind)
	assert.Equal(t, target.RegionNorthAmerica, tgt.Region)

	require.ErrorIs(t, m.Open(context.Background()), ErrAlreadyOpen)

	assert.Eventually(t, func() bool {
		return m.GetMetrics().CycleCount.Load() >= 3
	}, waitFor, time.Millisecond)

	require.NoError(t, m.Close())
	assert.Equal(t, StateStopped, m.State())
	require.NoError(t, m.Err())
	require.NoError(t, m.Close())

	cmds := srv.Commands()
	require.GreaterOrEqual(t, len(cmds), 4)
	assert.Equal(t, "qSupported", cmds[0])
	assert.Equal(t, "qRcmd,"+rsp.EncodeHex([]byte("gamecode")), cmds[1])
	assert.Equal(t, "c", cmds[2], "target is resumed once before the first cycle")
	assert.Equal(t, "s", cmds[3])
	assert.Eventually(t, func() bool { return !srv.Halted() }, waitFor, time.Millisecond,
		"every halt is paired with a resume")
}

func TestMonitor_WriteBeforeReadInOneCycle(t *testing.T) {
	srv := stubtest.Start(t)
	srv.SetMemory(0x100, []byte{0x01, 0x02})
	m := newTestMonitor(t, srv, WithIdentify(false))
	cache := m.Cache()

	require.NoError(t, m.Open(context.Background()))

	assert.Eventually(t, func() bool {
		_, ok := cache.Data(0x100)
		cache.Request(0x100, 2)
		return ok
	}, waitFor, time.Millisecond)

	cache.RequestWrite(0x100, []byte{0xab})

	assert.Eventually(t, func() bool {
		data, ok := cache.Data(0x100)
		return ok && data[0] == 0xab
	}, waitFor, time.Millisecond)

	require.NoError(t, m.Close())

	cmds := srv.Commands()
	w := slices.Index(cmds, "M100,1:ab")
	require.GreaterOrEqual(t, w, 0)
	assert.Equal(t, []string{"s", "M100,1:ab", "m100,2", "c"}, cmds[w-1:w+3])
}

func TestMonitor_ReadFailureDoesNotStopWorker(t *testing.T) {
	srv := stubtest.Start(t)
	srv.SetReadReply(0x200, 1, "E0e")
	srv.SetMemory(0x300, []byte{0x42})

	l := logger.NewMockLogger()
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Warn", mock.Anything, mock.Anything).Maybe()
	l.On("Error", mock.Anything, mock.Anything).Maybe()

	m := newTestMonitor(t, srv, WithIdentify(false), WithLogger(l))
	m.Cache().Request(0x200, 1)
	m.Cache().Request(0x300, 1)

	require.NoError(t, m.Open(context.Background()))

	assert.Eventually(t, func() bool {
		return m.GetMetrics().FailedCycleCount.Load() >= 2
	}, waitFor, time.Millisecond)
	assert.True(t, m.IsRunning())

	v, ok := m.Cache().Uint8(0x300)
	assert.True(t, ok)
	assert.Equal(t, uint8(0x42), v)
	require.ErrorIs(t, m.Cache().Err(0x200), rsp.ErrServerError)
	_, ok = m.Cache().Data(0x200)
	assert.False(t, ok)

	require.NoError(t, m.Close())
	l.AssertCalled(t, "Error", "monitor: cache update failed", mock.Anything)
}

func TestMonitor_ConnectionLossStopsWorker(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false))

	require.NoError(t, m.Open(context.Background()))
	srv.DropConnection()

	assert.Eventually(t, func() bool {
		return m.State() == StateStopped
	}, waitFor, time.Millisecond)

	err := m.Err()
	require.Error(t, err)
	assert.True(t, rsp.IsFatal(err))
	require.ErrorIs(t, m.Wait(context.Background()), err)
	require.ErrorIs(t, m.SendCommand(CommandPause), ErrNotRunning)
}

func TestMonitor_BadReplyStopsWorker(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false))

	require.NoError(t, m.Open(context.Background()))
	srv.InjectFault(stubtest.FaultBadStart)

	assert.Eventually(t, func() bool {
		return m.State() == StateStopped
	}, waitFor, time.Millisecond)
	require.ErrorIs(t, m.Err(), rsp.ErrProtocolViolation)

	// a stopped monitor can be opened again against a healthy peer
	require.NoError(t, m.Open(context.Background()))
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Err())
	assert.Equal(t, 2, srv.Connections())
}

func TestMonitor_PauseResume(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false))

	require.NoError(t, m.Open(context.Background()))
	require.NoError(t, m.SendCommand(CommandPause))

	assert.Eventually(t, m.IsPaused, waitFor, time.Millisecond)

	paused := m.GetMetrics().CycleCount.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, m.GetMetrics().CycleCount.Load(), "no cycles while paused")
	assert.True(t, srv.Halted())

	require.NoError(t, m.SendCommand(CommandResume))
	assert.Eventually(t, func() bool {
		return m.GetMetrics().CycleCount.Load() > paused+2
	}, waitFor, time.Millisecond)

	require.NoError(t, m.Close())
	assert.False(t, m.IsPaused())
	assert.Eventually(t, func() bool { return !srv.Halted() }, waitFor, time.Millisecond)
}

func TestMonitor_CloseWhilePausedResumesTarget(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false))

	require.NoError(t, m.Open(context.Background()))
	require.NoError(t, m.SendCommand(CommandPause))
	assert.Eventually(t, m.IsPaused, waitFor, time.Millisecond)
	assert.True(t, srv.Halted())

	require.NoError(t, m.Close())
	assert.Eventually(t, func() bool { return !srv.Halted() }, waitFor, time.Millisecond)
}

func TestMonitor_ParentContextCancel(t *testing.T) {
	srv := stubtest.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	m, err := New(ctx, srv.Addr(), WithPeriod(5*time.Millisecond), WithIdentify(false))
	require.NoError(t, err)

	require.NoError(t, m.Open(context.Background()))
	cancel()

	assert.Eventually(t, func() bool {
		return m.State() == StateStopped
	}, waitFor, time.Millisecond)
	require.NoError(t, m.Close())
}

func TestMonitor_OpenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m, err := New(context.Background(), addr)
	require.NoError(t, err)

	err = m.Open(context.Background())
	require.ErrorIs(t, err, rsp.ErrNotConnected)
	assert.Equal(t, StateStopped, m.State())
	require.ErrorIs(t, m.Err(), rsp.ErrNotConnected)
	require.ErrorIs(t, m.SendCommand(CommandDisconnect), ErrNotRunning)
	require.NoError(t, m.Close())
}

func TestMonitor_UnknownTarget(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv)

	require.NoError(t, m.Open(context.Background()))
	assert.Equal(t, target.Unknown, m.Target())
	assert.True(t, m.IsRunning())
}

func TestMonitor_CommandSlot(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false), WithPeriod(200*time.Millisecond))

	require.ErrorIs(t, m.SendCommand(CommandPause), ErrNotRunning)
	require.NoError(t, m.Open(context.Background()))

	// the worker sleeps for most of the period, so a second command finds the slot taken
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.SendCommand(CommandPause))
	require.ErrorIs(t, m.SendCommand(CommandResume), ErrCommandPending)
}

func TestMonitor_PendingCommandDoesNotOutliveSession(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false), WithPeriod(200*time.Millisecond))

	require.NoError(t, m.Open(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.SendCommand(CommandPause))

	// the slot is taken, so Close cancels the sleeping worker before it reads the pause
	require.NoError(t, m.Close())
	assert.Empty(t, m.cmdChan)

	require.NoError(t, m.Open(context.Background()))
	cycles := m.GetMetrics().CycleCount.Load()
	assert.Eventually(t, func() bool {
		return m.GetMetrics().CycleCount.Load() > cycles
	}, waitFor, time.Millisecond)
	assert.False(t, m.IsPaused())
	assert.Eventually(t, func() bool { return !srv.Halted() }, waitFor, time.Millisecond)
	require.NoError(t, m.Close())
}

func TestMonitor_Wait(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false))
	require.NoError(t, m.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, m.SendCommand(CommandDisconnect))
	require.NoError(t, m.Wait(context.Background()))
	assert.Equal(t, StateStopped, m.State())
}

func TestMonitor_CycleRate(t *testing.T) {
	srv := stubtest.Start(t)
	m := newTestMonitor(t, srv, WithIdentify(false), WithTickRate(100))
	require.NoError(t, m.Open(context.Background()))

	assert.Eventually(t, func() bool {
		return m.GetMetrics().CyclesPerSecond.Load() > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, m.GetMetrics().CyclesPerSecond.Load(), uint64(105))
}

func TestAdvanceTick(t *testing.T) {
	base := time.Unix(1000, 0)
	period := 10 * time.Millisecond

	next, overrun := advanceTick(base, base.Add(3*time.Millisecond), period)
	assert.False(t, overrun)
	assert.Equal(t, base.Add(10*time.Millisecond), next)

	// a slow cycle snaps to the next boundary instead of sleeping a full period
	next, overrun = advanceTick(base, base.Add(27*time.Millisecond), period)
	assert.True(t, overrun)
	assert.Equal(t, base.Add(30*time.Millisecond), next)

	next, overrun = advanceTick(base, base.Add(10*time.Millisecond), period)
	assert.True(t, overrun)
	assert.Equal(t, base.Add(20*time.Millisecond), next)
}
