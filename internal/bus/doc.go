// Package bus is the in-process event fan-out between the router, the
// relay and anything else that wants decoded task events.
//
// Topics:
//   - progress: taskevent.Event with Progress set
//   - task_status: taskevent.Event with TaskStatus set
//   - file_status: taskevent.Event with FileStatus set
//   - connection: connection.Event
package bus
