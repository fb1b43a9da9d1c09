// Package router decodes STOMP task messages and routes them.
//
// The router:
//   - Decodes TASK_PROGRESS, TASK_STATUS and FILE_STATUS payloads
//   - Drops events already seen on another destination
//   - Feeds one output buffer per event type to the writers
//   - Publishes every routed event on the bus
package router
