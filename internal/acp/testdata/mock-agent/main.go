// Command mock-agent is a scripted ACP adapter used by the client tests.
// Behavior is selected with PERCH_MOCK_MODE; the default mode streams two
// text chunks, one thought chunk, and one tool call, then finishes.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var (
	out    = json.NewEncoder(os.Stdout)
	nextID int64 = 1000
)

func main() {
	mode := os.Getenv("PERCH_MOCK_MODE")
	if mode == "" {
		mode = "happy"
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg frame
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == nil || msg.Method == "" {
			continue // responses to our own requests are handled inline
		}
		handle(mode, scanner, msg)
	}
}

func handle(mode string, scanner *bufio.Scanner, msg frame) {
	switch msg.Method {
	case "initialize":
		if mode == "slow_init" {
			time.Sleep(5 * time.Second)
		}
		respond(*msg.ID, map[string]any{"protocolVersion": 1})
	case "session/new":
		respond(*msg.ID, map[string]string{"sessionId": "sess_1"})
	case "session/prompt":
		prompt(mode, scanner, msg)
	case "session/close":
		if mode == "close_unsupported" {
			respondError(*msg.ID, -32601, "method not found: session/close")
			return
		}
		respond(*msg.ID, map[string]any{})
	default:
		respondError(*msg.ID, -32601, "method not found: "+msg.Method)
	}
}

func prompt(mode string, scanner *bufio.Scanner, msg frame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	switch mode {
	case "empty":
		respond(*msg.ID, map[string]any{"stopReason": "end_turn"})
	case "result_only":
		respond(*msg.ID, map[string]any{
			"stopReason":  "end_turn",
			"output_text": "From payload",
			"reasoning":   "never visible",
		})
	case "die":
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "partial"},
		}))
		os.Exit(3)
	case "long_prompt":
		// Keep streaming long past any short method timeout before the
		// result lands; the prompt must wait it out.
		for i := 0; i < 12; i++ {
			notify("session/update", updateBody(params.SessionID, map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]string{"type": "text", "text": "tick "},
			}))
			time.Sleep(50 * time.Millisecond)
		}
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "done"},
		}))
		respond(*msg.ID, map[string]any{"stopReason": "end_turn"})
	case "ask":
		reply := ask(scanner, params.SessionID)
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "You chose " + reply},
		}))
		respond(*msg.ID, map[string]any{"stopReason": "end_turn"})
	default: // happy
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "Hello "},
		}))
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       map[string]string{"type": "text", "text": "secret reasoning"},
		}))
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    "tc_1",
			"title":         "write_file",
			"rawInput":      map[string]string{"path": "/tmp/x"},
		}))
		notify("session/update", updateBody(params.SessionID, map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "world"},
		}))
		respond(*msg.ID, map[string]any{
			"stopReason": "end_turn",
			"usage":      map[string]int{"inputTokens": 12, "outputTokens": 7},
		})
	}
}

// ask issues a session/request_permission request and blocks for its
// response, reading frames off the shared scanner.
func ask(scanner *bufio.Scanner, sessionID string) string {
	id := nextID
	nextID++
	send(frame{JSONRPC: "2.0", ID: &id, Method: "session/request_permission",
		Params: mustRaw(map[string]any{
			"sessionId": sessionID,
			"question":  "Which color?",
			"options": []map[string]string{
				{"optionId": "opt_red", "name": "Red"},
				{"optionId": "opt_blue", "name": "Blue"},
			},
		})})

	for scanner.Scan() {
		var msg frame
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.ID == nil || *msg.ID != id || msg.Method != "" {
			continue
		}
		var result struct {
			Outcome struct {
				Outcome  string `json:"outcome"`
				OptionID string `json:"optionId"`
				Text     string `json:"text"`
			} `json:"outcome"`
		}
		_ = json.Unmarshal(msg.Result, &result)
		switch result.Outcome.Outcome {
		case "selected":
			return result.Outcome.OptionID
		case "text":
			return result.Outcome.Text
		default:
			return "cancelled"
		}
	}
	return "cancelled"
}

func updateBody(sessionID string, update map[string]any) map[string]any {
	return map[string]any{"sessionId": sessionID, "update": update}
}

func respond(id int64, result any) {
	send(frame{JSONRPC: "2.0", ID: &id, Result: mustRaw(result)})
}

func respondError(id int64, code int, message string) {
	send(frame{JSONRPC: "2.0", ID: &id, Error: &frameError{Code: code, Message: message}})
}

func notify(method string, params any) {
	send(frame{JSONRPC: "2.0", Method: method, Params: mustRaw(params)})
}

func send(f frame) {
	if err := out.Encode(f); err != nil {
		fmt.Fprintln(os.Stderr, "mock-agent encode:", err)
		os.Exit(1)
	}
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
