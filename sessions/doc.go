// Package sessions holds the process-scoped registry of live render
// connections and the short-lived documents that renders reference by
// handle: inline HTML blobs and template data.
//
// The registry is created once by the binary and injected into the
// WebSocket handler, the resource proxy and the HTTP API. Nothing in this
// package is global.
package sessions
