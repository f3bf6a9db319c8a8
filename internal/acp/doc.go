// Package acp owns the adapter subprocess boundary: a JSON-RPC 2.0
// multiplexer over newline-delimited stdin/stdout, and the session lifecycle
// client that turns one user utterance into exactly one prompt request.
//
// The connection demultiplexes inbound frames to three sinks: a pending-call
// table keyed by request identifier, an ordered notification handler for
// session/update progress, and per-method handlers for agent-to-client
// requests (the mid-prompt question sub-protocol). Notifications are advisory
// only and never resolve a call.
//
// Timeout policy: every method except session/prompt is wrapped in a bounded
// wait that resolves KindTimeout when it elapses. The prompt wait is bounded
// only by subprocess liveness — model reasoning time is not a fault. No
// method is ever retried.
package acp
