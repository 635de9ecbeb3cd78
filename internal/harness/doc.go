// Package harness runs crash scenarios against a recovery log.
//
// A scenario is a YAML file listing operations on one log. Units are named
// by alias, so a scenario never depends on the ids the log assigns.
//
// # Scenario Format
//
//	name: crash_after_forced
//	description: "A keypoint that stops after forcing leaves file 1 active"
//	log:
//	  initial_size_kb: 8
//	  max_size_kb: 64
//	steps:
//	  - op: create
//	    unit: a
//	  - op: add
//	    unit: a
//	    section: 1
//	    data: [one]
//	  - op: force
//	    unit: a
//	  - op: crash_keypoint
//	    at: forced
//	expect:
//	  active_file: 1
//	  units:
//	    a: {1: [one]}
//
// # Operations
//
//   - create: create a unit and bind it to the alias
//   - add: add data items to a section, creating the section if needed
//   - write, force: write or force every section of a unit
//   - remove: remove a unit
//   - keypoint: run a keypoint
//   - crash_keypoint: run a keypoint that stops after the step named by at,
//     then reopen the log without a clean close
//   - crash: close the log without keypointing and reopen it
//   - reopen: close the log cleanly and reopen it
//   - service_data: set the service data to the first data item
//
// A step may name the error code it must fail with. Any other error fails
// the scenario and stops it.
//
// # Deterministic Testing
//
// Every run uses testutil.DeterministicClock for header timestamps and
// testutil.FixedScopeGenerator for unit scopes, so the same scenario writes
// the same bytes and produces the same trace. RunWithGolden compares that
// trace with testdata/golden/{name}.golden.
package harness
