// Package memcache keeps the set of memory regions a consumer is interested in and the
// most recent bytes fetched for each of them.
//
// The consumer declares interest with Request (usually every frame, for every open view)
// and queues writes with RequestWrite. Once per cycle the update scheduler calls Update,
// which flushes the queued writes in submission order and then re-reads every requested
// region. The consumer reads the results with Data and the typed accessors; none of the
// consumer-facing methods perform network I/O.
//
// A region that was never fetched successfully is a miss. A miss means "not yet
// available" and is never reported as zero-filled data.
//
// Regions whose address is only known from data read in the same cycle, such as a table
// reached through a pointer, are fetched by a FollowFunc registered with Follow. It runs
// after the registered reads while the target is still halted.
package memcache
