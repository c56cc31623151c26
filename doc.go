// Package gateway holds the error taxonomy shared by the render gateway's
// packages.
//
// The gateway accepts persistent WebSocket connections from render clients,
// dispatches their render jobs to an external render engine and, while a job
// runs, fetches the static resources the job references by calling back over
// the same connection. Those fetches sit behind a two-tier content-addressed
// cache (see package cachestore).
//
// Layout
//
//	internal/wire      : JSON frame codec for the duplex channel
//	internal/outbound  : per-connection request/response correlator
//	internal/engine    : per-connection lifecycle state machine and render dispatch
//	internal/resproxy  : HTTP resource proxy backed by the cache and the correlator
//	cachestore         : memory + durable tiers, digest verified on every load
//	sessions           : registry of live connections, inline documents, template data
//	render             : render engine contract, bounded pool, HTTP engine adapter
//	httpgateway        : net/http surface (WebSocket upgrade, render API, proxy routes)
//	auth               : token checks for the HTTP render API
//	config             : environment configuration
//	cmd/render-gateway : the server binary
package gateway
