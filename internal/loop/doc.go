// Package loop implements the cooperative, single-threaded scheduler that
// every other dawsync component runs on.
//
// It is the Go rendition of a browser event loop:
//
//   - Tasks: posted from any goroutine with Post (engine callbacks,
//     broadcast acknowledgements). FIFO.
//   - Microtasks: queued with Defer from the loop goroutine. They run after
//     the current task and before the next task or frame.
//   - Frames: one-shot callbacks registered with RequestFrame, fired on the
//     next frame tick.
//
// ARCHITECTURE:
//
// All mutation of allocator, coalescer, receiver and scheduler state happens
// inside callbacks executed by the loop goroutine. There are no locks on that
// state; the only synchronized structure is the task queue itself.
//
// Suspension points are exactly the task boundary, the microtask boundary and
// the frame boundary. A single callback always runs to completion.
//
// Blocking work (talking to the audio engine) is started with Async and must
// hand its result back with Post. In inline mode (WithInlineAsync) Async work
// is queued as an ordinary task so tests and the scenario harness observe a
// fully deterministic order.
package loop
