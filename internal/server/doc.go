// Package server provides a mock Klipper status server for exercising the
// console's status channel without a real printer host.
//
// It speaks the same protocol as the host's WebSocket endpoint: clients
// connect to /ws/{clientId}, every ping is answered with a pong echoing its
// timestamp, and the server pushes installation_progress, printer_status
// and error envelopes.
//
// # Endpoints
//
//   - GET /ws/{clientId} - WebSocket status channel
//   - GET /stats - Connection pool statistics as JSON
//
// # Fault injection
//
// Hub.DropAll and Hub.Disconnect cut connections without a close frame, as
// a network failure would. A tight RateLimitConfig makes handshakes fail
// with 429, which a client sees as a failed dial.
package server
