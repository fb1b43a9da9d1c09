// Package taskevent defines the payloads the upload service pushes over STOMP.
//
// Destinations:
//   - /topic/tasks: TASK_PROGRESS and TASK_STATUS for every task
//   - /topic/task/{taskId}: the same plus FILE_STATUS for that task
//
// Conventions:
//   - IDs: int64 database ids
//   - Sizes: bytes
//   - Timestamps: "yyyy-MM-dd HH:mm:ss" in Asia/Shanghai
package taskevent
