// Package engine implements the capture coordinator.
//
// A Coordinator starts one recording session at a time. Each session runs
// three independent units:
//
//   - the motion reader (vicon.Reader), blocked only on socket receive
//   - the log reader (remotelog.Reader), blocked on network read or backoff
//   - the single store writer, blocked only on transaction commit
//
// Readers push onto their own bounded queues; the writer drains both and is
// the only goroutine that touches the store. Order within a source is kept
// end to end. No order is imposed across sources: each record carries its
// capture timestamp and consumers merge at read time.
//
// Lifecycle:
//
//	Idle → Starting → Recording → Closing  → Closed
//	                            ↘ Aborting → Aborted
//
// Recording is entered only after the UDP socket is bound and the remote
// stream is connected, both within the startup timeout. A startup failure
// aborts before the session row is written. Once recording, a fatal reader
// or store error aborts; a stop request closes. Either way the other reader
// is stopped, every accepted record is flushed, and only then is the session
// given its terminal status.
package engine
