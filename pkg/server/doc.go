// Package server provides the WebSocket front of the live sync engine.
//
// # Architecture
//
// The server runtime consists of:
//
//   - Connection: one client transport with its own correlator and send queue
//   - Manager: live connections and message routing into the component
//     registry, the room broadcaster and the upload manager
//   - Server: chi route table, WebSocket upgrade, metrics and shutdown
//
// # Connection Lifecycle
//
// Each connection runs two goroutines:
//   - readLoop: receives frames and handles them strictly in order
//   - writeLoop: drains the bounded send queue and drives heartbeats
//
// On close every component the connection owns is unmounted, its rooms are
// left, its uploads cancelled and its pending requests rejected with
// CONNECTION_CLOSED.
//
// # Routes
//
//	GET /live/ws       WebSocket endpoint
//	GET /live/debug    debug event stream (when Config.Debug is set)
//	GET /metrics       Prometheus metrics
//	GET /healthz       liveness and counts
//	GET /uploads/{id}  completed uploads
//
// # Usage
//
//	srv := server.New(server.DefaultConfig().WithAddress(":8080"))
//	srv.Register(counterDefinition)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
