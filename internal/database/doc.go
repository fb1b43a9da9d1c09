// Package database provides the PostgreSQL connection pool and the schema
// for task event history.
//
// Tables (append-only):
//   - task_progress: TASK_PROGRESS events
//   - task_status_events: TASK_STATUS events
//   - file_status_events: FILE_STATUS events
package database
