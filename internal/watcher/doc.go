// Package watcher owns the STOMP connection for taskwatch.
//
// It connects to the upload service, subscribes the configured destinations
// after every successful connect, forwards messages to a handler (normally
// the event router) and republishes connection events on the bus. When the
// client exhausts its reconnect attempts the watcher starts a new connect
// sequence after a delay.
//
// Destinations added with Follow are treated like configured ones until
// Unfollow removes them.
package watcher
