// Package runtime implements the event processing engine.
//
// The engine processes one stimulus at a time per pass: an incoming event or
// a clock advance. For an event it asks the filter service for the matching
// statement callbacks, groups them per statement, and executes each
// statement under its own write lock. Statement code hands derived events to
// the work queue of the pass instead of recursing into the engine; the pass
// drains that queue before returning to the caller.
//
// Locking hierarchy, outermost first:
//  1. The engine lock. Event and schedule processing hold it shared;
//     statement administration holds it exclusively.
//  2. The statement lock, held for write while the statement executes.
//  3. Table locks, taken by statement code and always released before 2.
//
// Per-pass scratch state lives in a Pass. A Pass is owned by one goroutine:
// callers of the ingress API borrow one from a pool, and each worker of the
// optional inbound, route and timer pools owns one for its lifetime.
package runtime
