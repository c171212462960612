package monitor

import (
	"sync/atomic"
)

// Metrics contains atomic metrics for a monitor.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// CycleCount indicates the number of completed cycles.
	CycleCount atomic.Uint64
	// FailedCycleCount indicates the number of cycles with at least one failed operation.
	FailedCycleCount atomic.Uint64
	// OverrunCount indicates the number of cycles that ran past their next tick.
	OverrunCount atomic.Uint64
	// CyclesPerSecond is the cycle rate measured over the last full second.
	CyclesPerSecond atomic.Uint64
}

func (m *Metrics) incCycleCount() {
	m.CycleCount.Add(1)
}

func (m *Metrics) incFailedCycleCount() {
	m.FailedCycleCount.Add(1)
}

func (m *Metrics) incOverrunCount() {
	m.OverrunCount.Add(1)
}
