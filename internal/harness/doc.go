// Package harness runs end-to-end capture scenarios against the real engine.
//
// A scenario is a YAML file describing what the two feeds do during a
// session: which log lines the device prints, when motion packets arrive,
// when the connection drops and whether it comes back. The harness plays
// that script through a loopback Vicon emitter and a scripted log source
// into a live coordinator backed by SQLite, then reduces the stored session
// to a Summary.
//
// Scenarios are checked two ways:
//
//   - Assertions in the scenario file (status, error code, record counts,
//     stored log order) are evaluated against the Summary and the store.
//   - RunWithGolden compares the Summary with testdata/golden/<name>.golden.
//
// Only fields that do not depend on scheduling end up in a Summary: counts,
// frame range, log lines in seq order, the status and error code. Capture
// timestamps and the merged timeline vary run to run and are left out.
//
// Example scenario:
//
//	name: clean_close
//	description: Both feeds run and the operator stops the session.
//	flow:
//	  - emit: ["boot ok", "docking started"]
//	  - motion: {objects: [cart], frames: 100, rate: 100}
//	assertions:
//	  - {type: status, status: closed}
//	  - {type: count, source: motion, count: 100}
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
package harness
