// Package remotelog follows a growing log on a remote host and turns it into
// timestamped LogRecords.
//
// A Source opens one continuous follow stream (tail -F over SSH, docker logs
// over SSH, or a local file watched with fsnotify). The Reader frames the
// stream into lines, parses what it can, and reconnects with exponential
// backoff when the stream ends. Lines emitted while disconnected are not
// recovered; the outage leaves a gap in the capture timeline.
package remotelog
