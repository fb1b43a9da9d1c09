// Package relay republishes task and connection events from the in-process
// bus onto NATS so other services can follow uploads without a STOMP client.
package relay
