// Package httpserver provides the shared HTTP server for the storage
// node's client-facing and peer-facing APIs.
//
// The server wires standard middleware (request IDs, real-IP recovery,
// structured request logging, CORS), mounts each component's routes via
// the RouteRegistrar interface, and exposes liveness and readiness
// endpoints. Readiness is delegated to the coordinator's snode_ready
// gate, so /readyz returns 503 whenever the latest applied snapshot (from a
// chain refresh or the seed list) does not assign the node a swarm, unless
// force-start is set.
//
// # Usage
//
//	srv, _ := httpserver.New(cfg, coord, clientHandler, peerHandler)
//	errCh := srv.RunInBackground()
//	defer srv.Shutdown()
//
// RunInBackground returns a channel carrying the terminal listen error so
// the entrypoint can distinguish a port collision from a clean shutdown.
package httpserver
