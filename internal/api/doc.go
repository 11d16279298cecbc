// Package api exposes conversations over HTTP. Messages are submitted as turn
// jobs and processed by the background worker pool; clients either poll the
// job, wait for it inline with ?wait=true, or follow the conversation's event
// stream over a websocket.
package api
