// Package ws implements the WebSocket live feed for the sightline server.
//
// Hub manages a set of connected clients and broadcasts the best records to
// all of them on a configurable interval (stream.interval, default 5s). This
// replaces the periodically edited "top servers" chat message of older relay
// setups.
//
// New(reg, interval, top) creates a Hub.
// Hub.Run(ctx) starts the broadcast ticker. It blocks until ctx is cancelled,
// then closes all active connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the current
// snapshot immediately on connect, then streams updates on each tick.
//
// Message format sent to clients:
//
//	{
//	  "event": "snapshot",
//	  "data":  { "records": [...], "total": 12, "generated_at": "..." }
//	}
//
// The upgrader accepts all origins. Apply origin restrictions at the reverse
// proxy. The endpoint is mounted at /ws/stream by the server.
package ws
