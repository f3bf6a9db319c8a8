package acp

import "encoding/json"

// JSON-RPC method names for the adapter protocol. One run touches exactly
// four request methods — initialize, session/new, session/prompt,
// session/close — plus the session/update notification stream and the
// session/request_permission sub-request the agent may issue mid-prompt.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionClose  = "session/close"
	MethodSessionUpdate = "session/update"
	MethodRequestPerm   = "session/request_permission"
)

// Client identity sent during initialize.
const (
	protocolVersion = 1
	clientName      = "perch"
	clientVersion   = "0.1.0"
)

// --- Initialize ---

type initializeParams struct {
	ProtocolVersion int            `json:"protocolVersion"`
	ProviderID      string         `json:"provider_id,omitempty"`
	Client          implementation `json:"client"`
}

type initializeResult struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Agent           *implementation `json:"agent,omitempty"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// --- Session ---

type newSessionParams struct {
	ProviderID string `json:"provider_id,omitempty"`
	CWD        string `json:"cwd"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type closeSessionParams struct {
	ProviderID string `json:"provider_id,omitempty"`
	SessionID  string `json:"sessionId"`
}

// --- Prompt ---

// contentBlock is a single prompt content element (text-only).
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

// promptResult carries the structured fields of the prompt response. The
// whole raw payload is retained separately for the visible-text fallback scan.
type promptResult struct {
	StopReason string    `json:"stopReason,omitempty"`
	Usage      *rawUsage `json:"usage,omitempty"`
}

type rawUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// --- Updates (notifications) ---

// updateEnvelope is the outer session/update notification shape:
// {"sessionId":"...","update":{"sessionUpdate":"agent_message_chunk",...}}.
type updateEnvelope struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// updateHeader extracts the discriminator from the inner update object.
type updateHeader struct {
	SessionUpdate string `json:"sessionUpdate"`
}

// contentChunk is the inner shape of message/thought chunk updates.
type contentChunk struct {
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// toolCallUpdate is the inner shape of tool_call updates. The orchestrator
// only ever records these — it never executes anything.
type toolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// --- Permission sub-request (agent → client) ---

// permissionParams is the agent's mid-prompt question. It arrives as a
// JSON-RPC request on the same stream as the open prompt; answering it
// resumes the prompt without a second top-level call.
type permissionParams struct {
	SessionID        string          `json:"sessionId"`
	Question         string          `json:"question,omitempty"`
	Options          []permissionOpt `json:"options,omitempty"`
	AllowCustomInput *bool           `json:"allowCustomInput,omitempty"`
	ToolCall         *toolCallUpdate `json:"toolCall,omitempty"`
}

type permissionOpt struct {
	OptionID    string `json:"optionId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// permissionResult is the client's answer to a permission sub-request.
type permissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected", "text", or "cancelled"
	OptionID string `json:"optionId,omitempty"`
	Text     string `json:"text,omitempty"`
}
