// Package api implements the relay's HTTP surface: the local peer websocket
// hub and a small REST API.
//
// This package provides:
//   - Hub, which fans relay events out to every connected local peer and
//     hands peer deviceStateUpdated messages to the relay engine
//   - Slave presence endpoints (POST /slave_connect, POST /slave_disconnect)
//   - Operational endpoints for health, Cloud Link status, the link journal
//     and metrics (JSON and Prometheus)
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Wire format
//
// Every websocket message in either direction is a JSON envelope:
//
//	{"event": "<name>", "data": <payload>}
//
// Local peers need no handshake and no authentication; the masterbox network
// is trusted.
package api
