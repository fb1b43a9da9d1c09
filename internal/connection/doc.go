// Package connection implements the STOMP connection lifecycle manager.
//
// The Client:
//   - Owns at most one transport Session at a time
//   - Moves between disconnected, connecting, connected and reconnecting
//   - Retries failed connects and lost transports with exponential backoff
//     (min(base*2^attempt, max), 5 attempts by default)
//   - Keeps a subscription registry that is cleared whenever the connection
//     leaves connected; callers re-subscribe after observing a new connect
//   - Delivers each subscription's messages on its own worker goroutine
//   - Reports status changes through Config.OnEvent
//
// Subscribe and Send return ErrNotConnected outside the connected state,
// including while a reconnect is in progress.
package connection
