package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// conn multiplexes one JSON-RPC 2.0 byte stream over newline-delimited JSON.
//
// Outbound messages are serialized through a mutex-protected encoder. Inbound
// frames are demultiplexed by readLoop into three sinks: a pending-call table
// (responses, matched by identifier), a single ordered notification handler
// (frames with a method and no identifier), and per-method request handlers
// (agent-to-client calls, answered on this same stream). Handlers must be
// registered before readLoop starts.
//
// Every identifier is allocated exactly once and resolves exactly one pending
// slot; on readLoop exit all outstanding slots resolve with errConnClosed so
// no caller leaks.
type conn struct {
	mu  sync.Mutex
	enc *json.Encoder

	nextID  atomic.Int64
	pending map[int64]chan *frame

	notify      func(method string, params json.RawMessage)
	reqHandlers map[string]func(params json.RawMessage) (any, error)
	onBadFrame  func(line []byte, err error)

	scanner *bufio.Scanner

	done    chan struct{}
	readErr atomic.Value // error from the scanner, if any
}

type connConfig struct {
	maxFrameSize int
	onBadFrame   func(line []byte, err error)
}

const defaultMaxFrameSize = 4 << 20 // 4 MB per JSON-RPC frame

func newConn(r io.Reader, w io.Writer, cfg connConfig) *conn {
	maxSize := cfg.maxFrameSize
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}
	c := &conn{
		enc:         json.NewEncoder(w),
		pending:     make(map[int64]chan *frame),
		reqHandlers: make(map[string]func(json.RawMessage) (any, error)),
		onBadFrame:  cfg.onBadFrame,
		done:        make(chan struct{}),
	}
	c.scanner = bufio.NewScanner(r)
	c.scanner.Buffer(make([]byte, 0, min(4096, maxSize)), maxSize)
	return c
}

// onNotification registers the single ordered notification handler.
// Notifications are advisory only and never resolve a pending call.
func (c *conn) onNotification(h func(method string, params json.RawMessage)) {
	c.notify = h
}

// onRequest registers a handler for agent-to-client requests (frames carrying
// both an identifier and a method). The handler runs in a dedicated goroutine
// and its return value is written back as the response — this is how a
// mid-prompt question is answered without opening a new top-level call.
func (c *conn) onRequest(method string, h func(params json.RawMessage) (any, error)) {
	c.reqHandlers[method] = h
}

// call sends one request and blocks until its response arrives or ctx expires.
// Exactly one frame is written per call; there is no retry path.
func (c *conn) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)

	ch := make(chan *frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := &frame{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.forget(id)
			return fmt.Errorf("acp: marshal %s params: %w", method, err)
		}
		req.Params = raw
	}

	if err := c.send(req); err != nil {
		c.forget(id)
		return fmt.Errorf("acp: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return decodeResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.forget(id)
		// The response may have landed just before cancellation — prefer
		// it over ctx.Err() so a completed call is not reported as failed.
		select {
		case resp, ok := <-ch:
			return decodeResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func decodeResponse(resp *frame, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("%s: %w", method, errConnClosed)
	}
	if resp.Error != nil {
		return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("acp: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// notifyPeer sends a notification frame (no identifier, no response expected).
func (c *conn) notifyPeer(method string, params any) error {
	req := &frame{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("acp: marshal %s params: %w", method, err)
		}
		req.Params = raw
	}
	return c.send(req)
}

// readLoop demultiplexes inbound frames until the reader closes or errors.
// On exit all pending call channels close, resolving blocked callers with
// errConnClosed. Must be called exactly once.
func (c *conn) readLoop() {
	defer close(c.done)
	defer c.drainPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue // startup banners and blank lines from the adapter
		}

		var msg frame
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.onBadFrame != nil {
				c.onBadFrame(append([]byte(nil), line...), err)
			}
			continue
		}
		c.dispatch(&msg)
	}

	if err := c.scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

// Standard JSON-RPC 2.0 error codes.
const (
	rpcMethodNotFound   = -32601
	rpcInternalError    = -32603
	rpcApplicationError = -32000
)

func (c *conn) dispatch(msg *frame) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.resolvePending(msg)
	case msg.ID != nil:
		c.handleRequest(msg)
	case msg.Method != "":
		if c.notify != nil {
			c.notify(msg.Method, msg.Params)
		}
	}
}

// resolvePending delivers a response frame to the goroutine awaiting its
// identifier. Duplicate and unsolicited identifiers are dropped: the slot for
// an identifier is consumed at most once.
func (c *conn) resolvePending(msg *frame) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *conn) handleRequest(msg *frame) {
	h, ok := c.reqHandlers[msg.Method]
	if !ok {
		c.respondError(*msg.ID, rpcMethodNotFound, "method not found: "+msg.Method)
		return
	}

	id := *msg.ID
	params := msg.Params
	// Dedicated goroutine: the handler may wait on a human answer and must
	// not stall response/notification dispatch for the in-flight prompt.
	go func() {
		result, err := h(params)
		if err != nil {
			c.respondError(id, rpcApplicationError, err.Error())
			return
		}
		c.respondResult(id, result)
	}()
}

func (c *conn) respondResult(id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(id, rpcInternalError, "marshal result: "+err.Error())
		return
	}
	_ = c.send(&frame{JSONRPC: "2.0", ID: &id, Result: raw}) // best-effort, stream may be closing
}

func (c *conn) respondError(id int64, code int, message string) {
	_ = c.send(&frame{JSONRPC: "2.0", ID: &id, Error: &frameError{Code: code, Message: message}})
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

func (c *conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Done is closed when readLoop exits.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err returns the readLoop error after exit, nil on clean EOF.
func (c *conn) Err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// frame is a JSON-RPC 2.0 message in either direction: request (id+method),
// response (id, result or error), or notification (method only).
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
