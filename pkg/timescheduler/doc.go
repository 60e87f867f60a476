// Package timescheduler implements a time-ordered background scheduler
// as a concrete async resource.
//
// # Architecture Overview
//
//	┌───────────────────────────────────────────────────────────┐
//	│                      TimeScheduler                         │
//	│                                                             │
//	│   Token.ScheduleAt(tp) ──► heap.Push ──► wakeCh ──► runLoop │
//	│                                                      │      │
//	│                                      pop due, ≤ batchSize   │
//	│                                                      │      │
//	│                                      deliver (lock released)│
//	└───────────────────────────────────────────────────────────┘
//
// # Phases
//
// Constructed → Running → Closing → Closed. Open parks until Run arms
// Running by starting the background thread; Close wakes the thread and
// stops it from accepting new schedules, but otherwise waits for the
// queue to drain naturally — each remaining item either fires at its own
// deadline or is cancelled via its caller's context, same as before
// Closing. A schedule far enough in the future makes close wait for it.
package timescheduler
