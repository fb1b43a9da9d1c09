// Package sockjs opens message sessions to STOMP brokers reachable over
// SockJS, such as a Spring endpoint registered with withSockJS().
//
// Address forms:
//   - http(s)://host/ws: SockJS base URL; GET /info, then websocket with
//     xhr-polling fallback
//   - ws(s)://host/ws: plain WebSocket carrying STOMP frames directly
//
// SockJS server frames:
//   - o: session open
//   - h: heartbeat
//   - a["...", ...]: batch of messages
//   - m"...": single message
//   - c[code,"reason"]: session closed
//
// Outbound messages are sent as JSON arrays of strings.
package sockjs
