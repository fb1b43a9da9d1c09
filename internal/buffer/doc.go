// Package buffer provides the growable FIFO queue shared by the connection
// mailboxes, the event notifier and the router outputs.
package buffer
