// Package writer implements batch writers for task events.
//
// Writers:
//   - Progress writer (task_progress)
//   - Task status writer (task_status_events)
//   - File status writer (file_status_events)
//
// All writers use append-only semantics (never update, only insert). Event
// timestamps are stored as microseconds since the Unix epoch.
package writer
