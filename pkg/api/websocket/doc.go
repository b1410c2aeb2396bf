// Package websocket streams workflow and step lifecycle events to clients.
//
// Clients connect to /api/v1/workflows/:id/ws and receive every event of
// that workflow as a JSON text frame while the connection stays open.
package websocket
