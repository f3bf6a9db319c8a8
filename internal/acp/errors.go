package acp

import (
	"errors"
	"fmt"
)

// Kind classifies a provider call failure. The classification is part of the
// user-visible contract: operators must be able to tell "the agent answered
// badly" (Contract) from "the agent process died" (Transport).
type Kind string

const (
	// KindTransport — subprocess exited or the stream broke.
	KindTransport Kind = "transport"

	// KindTimeout — a bounded method exceeded its wait. Never applies to
	// session/prompt, whose wait is bounded only by subprocess liveness.
	KindTimeout Kind = "timeout"

	// KindProtocol — malformed frame, unexpected identifier, or an error
	// response from the agent.
	KindProtocol Kind = "protocol"

	// KindContract — a well-formed response that is semantically invalid,
	// e.g. empty visible text with no recorded action evidence.
	KindContract Kind = "contract"
)

// Error is a typed provider failure. Every field is diagnostic: Kind and
// Method are always set, Detail carries the human-readable text, Err the
// underlying cause (if any).
type Error struct {
	Kind   Kind
	Method string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acp: %s: %s: %v", e.Method, e.Kind, e.Err)
	}
	return fmt.Sprintf("acp: %s: %s: %s", e.Method, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a typed failure for method.
func newError(kind Kind, method, detail string, err error) *Error {
	return &Error{Kind: kind, Method: method, Detail: detail, Err: err}
}

// KindOf extracts the failure Kind from an error chain.
// Returns ("", false) when err carries no *Error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// errConnClosed resolves pending calls when the read loop exits.
var errConnClosed = errors.New("acp: connection closed")

// RPCError is an error response from the agent, matched to its request.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
