// Package tracker keeps the last known state of each upload task seen on the
// event bus.
//
// Progress and file status events update a task in place. Task status
// events drive its lifecycle, and each transition is emitted as a Change:
//
//	started        first event of a task, or a finished task resumed
//	status_change  the status code changed
//	finished       the task reached completed, cancelled or failed
//	evicted        removed after RetainFinished, or StaleAfter without events
//
// Changes are delivered on a bounded channel. When the consumer falls behind
// the oldest change is dropped.
package tracker
