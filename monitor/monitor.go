package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-gdbmon/internal/pool"
	"github.com/arloliu/go-gdbmon/internal/task"
	"github.com/arloliu/go-gdbmon/logger"
	"github.com/arloliu/go-gdbmon/memcache"
	"github.com/arloliu/go-gdbmon/rsp"
	"github.com/arloliu/go-gdbmon/target"
)

// rateWindow is the interval over which the cycle rate is measured.
const rateWindow = time.Second

// Monitor owns one debug stub session: the protocol client, the request cache and the
// worker goroutine refreshing it.
type Monitor struct {
	cfg     *Config
	address string
	logger  logger.Logger

	client  *rsp.Client
	cache   *memcache.Cache
	taskMgr *task.Manager
	state   AtomicState
	cmdChan chan Command
	target  atomic.Pointer[target.Target]

	mu   sync.Mutex // protects err and done
	err  error
	done chan struct{}

	metrics Metrics

	paused atomic.Bool

	// worker-owned
	nextTick     time.Time
	windowStart  time.Time
	windowCycles uint64
}

// New creates a Monitor for the debug stub at address. ctx bounds the lifetime of the
// worker goroutine; cancelling it stops the worker like CommandDisconnect.
func New(ctx context.Context, address string, opts ...Option) (*Monitor, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	l := cfg.logger.With("address", address)

	clientOpts := append([]rsp.ClientOption{rsp.WithLogger(l)}, cfg.clientOpts...)
	client, err := rsp.NewClient(clientOpts...)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:     cfg,
		address: address,
		logger:  l,
		client:  client,
		cache:   memcache.New(),
		taskMgr: task.NewManager(ctx, l),
		cmdChan: make(chan Command, 1),
	}
	m.target.Store(&target.Unknown)

	return m, nil
}

// Cache returns the request registry and cache refreshed by the worker.
func (m *Monitor) Cache() *memcache.Cache {
	return m.cache
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return m.state.Get()
}

// IsRunning reports whether the worker is running.
func (m *Monitor) IsRunning() bool {
	return m.state.IsRunning()
}

// IsPaused reports whether cycles are suspended by CommandPause.
func (m *Monitor) IsPaused() bool {
	return m.paused.Load()
}

// Target returns the target identified on the last Open.
func (m *Monitor) Target() target.Target {
	return *m.target.Load()
}

// Err returns the error that stopped the worker, or nil.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// GetMetrics returns the metrics associated with the monitor.
func (m *Monitor) GetMetrics() *Metrics {
	return &m.metrics
}

// GetClientMetrics returns the metrics of the underlying protocol client.
func (m *Monitor) GetClientMetrics() *rsp.ClientMetrics {
	return m.client.GetMetrics()
}

// GetLogger returns the logger associated with the monitor.
func (m *Monitor) GetLogger() logger.Logger {
	return m.logger
}

// Open connects to the debug stub, identifies the target, resumes it and starts the
// worker. It returns once the monitor is running or the connection attempt failed.
//
// A stopped monitor can be opened again.
func (m *Monitor) Open(ctx context.Context) error {
	if !m.state.ToConnecting() {
		return ErrAlreadyOpen
	}

	m.setErr(nil)

	if err := m.connect(ctx); err != nil {
		_ = m.client.Disconnect()
		m.setErr(err)
		m.state.ToStopped()

		return err
	}

	m.mu.Lock()
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.paused.Store(false)
	m.drainCommands()
	m.nextTick = time.Now()
	m.windowStart = m.nextTick
	m.windowCycles = 0
	m.state.ToRunning()

	if err := m.taskMgr.Start("updateLoop", m.cycle, m.onWorkerExit); err != nil {
		m.logger.Error("monitor: failed to start worker", "error", err)
		m.setErr(err)
		m.onWorkerExit()

		return err
	}

	m.logger.Info("monitor: running", "target", m.Target().String(), "period", m.cfg.period)

	return nil
}

// connect dials the stub and prepares the target for cycling.
func (m *Monitor) connect(ctx context.Context) error {
	if err := m.client.Connect(ctx, m.address); err != nil {
		return err
	}

	if m.cfg.identify {
		tgt, err := target.Identify(ctx, m.client)
		if err != nil {
			if rsp.IsFatal(err) {
				return err
			}

			m.logger.Warn("monitor: target identification failed", "error", err)
		} else if !tgt.Supported() {
			m.logger.Warn("monitor: unsupported target", "gameCode", tgt.GameCode)
		}
		m.target.Store(&tgt)
	}

	// the stub may hold the target halted from the moment it was attached
	if err := m.client.ContinueExecution(ctx); err != nil {
		return fmt.Errorf("monitor: initial resume: %w", err)
	}

	return nil
}

// SendCommand delivers cmd to the worker. It never blocks.
func (m *Monitor) SendCommand(cmd Command) error {
	if !m.state.IsRunning() {
		return ErrNotRunning
	}

	select {
	case m.cmdChan <- cmd:
		return nil
	default:
		return ErrCommandPending
	}
}

// Close stops the worker and closes the connection. It waits at most the configured
// close timeout, then forces the worker down. Closing an idle or stopped monitor is a no-op.
func (m *Monitor) Close() error {
	if !m.state.IsActive() {
		return nil
	}

	if err := m.SendCommand(CommandDisconnect); err != nil {
		m.taskMgr.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.closeTimeout)
	defer cancel()

	if err := m.waitDone(ctx); err != nil {
		m.logger.Error("monitor: close timeout, cancelling worker", "timeout", m.cfg.closeTimeout)
		m.taskMgr.Stop()
		m.taskMgr.Wait()

		return ErrCloseTimeout
	}

	m.taskMgr.Wait()

	return nil
}

// Wait blocks until the worker stops or ctx is done. It returns the error that stopped
// the worker, or ctx.Err().
func (m *Monitor) Wait(ctx context.Context) error {
	if err := m.waitDone(ctx); err != nil {
		return err
	}

	return m.Err()
}

func (m *Monitor) waitDone(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cycle is one iteration of the worker loop.
func (m *Monitor) cycle() bool {
	ctx := m.taskMgr.Context()

	select {
	case cmd := <-m.cmdChan:
		if !m.handleCommand(cmd) {
			return false
		}
	default:
	}

	if m.paused.Load() {
		select {
		case cmd := <-m.cmdChan:
			return m.handleCommand(cmd)
		case <-ctx.Done():
			return false
		}
	}

	if !m.client.IsConnected() {
		m.setErr(rsp.ErrNotConnected)
		return false
	}

	m.runCycle()

	if !m.client.IsConnected() {
		return false
	}

	m.reportRate(time.Now())

	return m.sleepUntilNextTick(ctx) == nil
}

// runCycle halts the target, refreshes the cache and resumes the target.
//
// The exchanges of one cycle are not interruptible: cancellation is observed between
// cycles, so a halt is always followed by its resume.
func (m *Monitor) runCycle() {
	ctx := context.Background()
	failed := false

	if err := m.client.StopExecution(ctx); err != nil {
		failed = true
		m.logger.Error("monitor: halt target failed", "error", err)

		if m.fatal(err) {
			m.metrics.incFailedCycleCount()
			return
		}
	}

	if err := m.cache.Update(ctx, m.client); err != nil {
		failed = true
		m.logger.Error("monitor: cache update failed", "error", err)

		if m.fatal(err) {
			m.metrics.incFailedCycleCount()
			return
		}
	}

	if err := m.client.ContinueExecution(ctx); err != nil {
		failed = true
		m.logger.Error("monitor: resume target failed", "error", err)
		m.fatal(err)
	}

	m.metrics.incCycleCount()
	if failed {
		m.metrics.incFailedCycleCount()
	}
}

// handleCommand applies cmd and reports whether the worker keeps running.
func (m *Monitor) handleCommand(cmd Command) bool {
	m.logger.Debug("monitor: command received", "command", cmd.String())

	switch cmd {
	case CommandDisconnect:
		return false

	case CommandPause:
		if m.paused.Load() {
			return true
		}

		if err := m.client.StopExecution(context.Background()); err != nil {
			m.logger.Error("monitor: pause failed", "error", err)
			return !m.fatal(err)
		}
		m.paused.Store(true)

	case CommandResume:
		if !m.paused.Load() {
			return true
		}

		if err := m.client.ContinueExecution(context.Background()); err != nil {
			m.logger.Error("monitor: resume failed", "error", err)
			return !m.fatal(err)
		}
		m.paused.Store(false)
		m.nextTick = time.Now()

	default:
		m.logger.Warn("monitor: unknown command", "command", uint8(cmd))
	}

	return true
}

// fatal records err as the reason the worker stops when it ended the connection.
func (m *Monitor) fatal(err error) bool {
	if !rsp.IsFatal(err) {
		return false
	}

	m.setErr(err)

	return true
}

func (m *Monitor) reportRate(now time.Time) {
	m.windowCycles++

	elapsed := now.Sub(m.windowStart)
	if elapsed < rateWindow {
		return
	}

	cps := float64(m.windowCycles) / elapsed.Seconds()
	m.metrics.CyclesPerSecond.Store(uint64(math.Round(cps)))
	m.logger.Debug("monitor: cycle rate", "cps", cps)

	m.windowStart = now
	m.windowCycles = 0
}

func (m *Monitor) sleepUntilNextTick(ctx context.Context) error {
	now := time.Now()

	next, overrun := advanceTick(m.nextTick, now, m.cfg.period)
	if overrun {
		m.metrics.incOverrunCount()
	}
	m.nextTick = next

	return pool.Sleep(ctx, next.Sub(now))
}

// advanceTick advances prev by one period. When that point is already past, it snaps
// forward to the first tick boundary after now and reports an overrun.
func advanceTick(prev, now time.Time, period time.Duration) (time.Time, bool) {
	next := prev.Add(period)
	if next.After(now) {
		return next, false
	}

	missed := now.Sub(next)/period + 1

	return next.Add(missed * period), true
}

// onWorkerExit tears the session down once the worker loop has ended.
func (m *Monitor) onWorkerExit() {
	m.state.ToDisconnecting()

	if m.paused.Load() && m.client.IsConnected() {
		if err := m.client.ContinueExecution(context.Background()); err != nil {
			m.logger.Warn("monitor: failed to resume target on exit", "error", err)
		}
	}
	m.paused.Store(false)
	m.drainCommands()

	if err := m.client.Disconnect(); err != nil {
		m.logger.Warn("monitor: disconnect failed", "error", err)
	}

	err := m.Err()
	m.state.ToStopped()

	m.mu.Lock()
	if m.done != nil {
		close(m.done)
	}
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("monitor: stopped", "error", err)
	} else {
		m.logger.Info("monitor: stopped")
	}
}

// drainCommands discards a command the worker did not consume.
func (m *Monitor) drainCommands() {
	for {
		select {
		case cmd := <-m.cmdChan:
			m.logger.Debug("monitor: discarding pending command", "command", cmd.String())
		default:
			return
		}
	}
}

func (m *Monitor) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
}
