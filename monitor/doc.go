// Package monitor runs the update scheduler: a background worker that keeps a
// memcache.Cache in sync with the memory of an emulated target over a debug stub
// connection.
//
// Each cycle the worker halts the target, flushes the queued writes and performs every
// registered read while holding the cache lock, then resumes the target. Cycles run on a
// fixed cadence (60 Hz by default). When a cycle runs long, the next tick snaps forward to
// the following tick boundary instead of accumulating drift.
//
// The consumer never performs network I/O: it registers interest and reads results
// through Cache, and controls the worker with SendCommand and Close.
//
// Example Usage:
//
//	mon, err := monitor.New(ctx, "127.0.0.1:3333")
//	if err != nil {
//	    // handle error
//	}
//
//	if err := mon.Open(ctx); err != nil {
//	    // handle error
//	}
//	defer mon.Close()
//
//	mon.Cache().Request(0x027e0fe4, 4)
//	hp, ok := mon.Cache().Uint32(0x027e0fe4)
package monitor
