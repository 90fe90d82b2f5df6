// Package cloudlink maintains the relay's single outbound connection to the
// cloud socket server.
//
// The link bootstraps by asking the backend which user owns this box, then
// dials the cloud and keeps the connection alive:
//
//	unbootstrapped ──assigned──► connecting ──connect──► connected
//	      ▲   │                      ▲                      │
//	      └60s┘                      └────15s──── disconnected_retrying
//
// Bootstrap retries forever on a constant delay. After a disconnect exactly
// one reconnect is scheduled; a failed dial schedules the next one.
//
// Inbound cloud events are handed to a Handler (the relay engine) or, for
// api-request, forwarded to the backend on their own goroutine. Outbound
// emissions are queued per connection and dropped silently while the link is
// down.
package cloudlink
