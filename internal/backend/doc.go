// Package backend is the relay's REST client for the masterbox backend API.
//
// It covers the three calls the relay makes: the bootstrap assignment lookup
// (GET /masterbox), lifecycle status reports (PATCH /masterbox/{mac}), and
// arbitrary requests forwarded on behalf of cloud users. All calls share one
// http.Client. When configured, forwarded requests and the relay's own calls
// each sit behind a separate circuit breaker.
package backend
