// Package protocol defines the frames exchanged between a connected client and
// the orchestration engine, the stable error codes reported to clients, and the
// transport-level errors shared by the gateway and the emitter.
//
// Invariants:
// - Inbound frames are validated against a JSON schema before they reach a session.
// - Outbound frames carry a per-session sequence number assigned by the emitter.
// - Error codes are stable strings; messages are human readable and may change.
//
// Usage:
//
//	evt, err := protocol.DecodeInbound(frame)
//	if err != nil {
//		return protocol.NewError(protocol.CodeInvalidFrame, err.Error())
//	}
package protocol
