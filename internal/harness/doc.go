// Package harness runs scripted scenarios against a real session.
//
// A scenario drives the session through a fake engine on an inline loop:
// subscriptions, engine activity changes, buffer deliveries and frame
// ticks. Every observable effect is appended to a trace, and assertions
// check the final allocator, receiver, scheduler and engine state.
//
// # Scenario Format
//
//	name: meters_alignment
//	description: "Subscriptions are packed with 8-byte alignment"
//	memory_size: 512
//	steps:
//	  - op: subscribe
//	    label: level
//	    offset: 100
//	    length: 4
//	  - op: add_handler
//	    label: meter
//	  - op: activate
//	  - op: poke
//	    kind: float32
//	    offset: 100
//	    value: 0.5
//	  - op: deliver
//	  - op: frame
//	    count: 2
//	assertions:
//	  - type: arena_size
//	    size: 4
//	  - type: read
//	    label: level
//	    kind: float32
//	    value: 0.5
//
// # Labels
//
// Handle and handler labels are NFC-normalized, so a label typed with a
// combining accent and one typed precomposed refer to the same handle.
//
// # Deterministic Testing
//
// Async work is queued as loop tasks and the fake engine calls back
// synchronously, so traces are identical across runs and can be compared
// with golden files (see RunWithGolden).
package harness
