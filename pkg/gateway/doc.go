// Package gateway exposes sessions to clients over websocket.
//
// Each connection is bound to a session by its first frame. A reconnect frame
// carrying a session token resumes that session while it is within its grace
// period; any other frame starts a fresh session. The server answers with a
// session-ready frame, then the session's emitter takes over the connection.
//
// HTTP routes:
//
//	/ws                    websocket endpoint
//	GET /sessions          live sessions
//	DELETE /sessions/{id}  terminate a session
//	GET /clients           live connections
//	/metrics               prometheus metrics
//	/healthz               liveness probe
package gateway
