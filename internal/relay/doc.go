// Package relay decides which inbound event produces which outbound emissions.
//
// The Engine owns the subscription registry's mutations and the per-key
// coalescing timers, and serialises every event through a single goroutine:
//
//	MQTT bus ─┐
//	peers    ─┼─► Engine.queue ─► Engine.Run ─► Hub.Broadcast / Link.Emit
//	cloud    ─┤
//	REST     ─┘
//
// Each source enqueues in arrival order, so events from one source are
// handled in order. Nothing here blocks on I/O: broadcasts and cloud
// emissions are fire-and-forget.
package relay
