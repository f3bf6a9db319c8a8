package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Client drives the four-phase provider lifecycle over one supervised
// subprocess: initialize (idempotent per process), session/new,
// session/prompt, session/close. Each Run issues exactly one prompt request,
// no matter how many question round-trips happen inside it, and no method is
// ever attempted twice.
//
// The subprocess is started lazily on first Run and reused until Close or
// process exit. A session belongs to the provider this client was built for;
// there is no fallback to another provider.
type Client struct {
	opts ClientOptions

	mu   sync.Mutex // guards proc lifecycle and the per-run binding
	proc *process

	run *runBinding // non-nil while a prompt is outstanding
}

// runBinding holds the per-run state the shared notification and permission
// handlers route into. Exactly one is active at a time (single-active-task).
type runBinding struct {
	conversationID string
	runID          string
	sessionID      string
	rec            *recorder
	ask            AskFunc
	ctx            context.Context
}

// RunRequest describes one provider call.
type RunRequest struct {
	ConversationID string
	RunID          string
	Prompt         string

	// Ask resolves mid-prompt questions. Nil means every question is
	// answered with a cancelled outcome.
	Ask AskFunc
}

// NewClient creates a provider client. The subprocess starts on first Run.
func NewClient(opts ...ClientOption) *Client {
	return &Client{opts: resolveClientOptions(opts...)}
}

// Validate checks the adapter binary resolves on PATH.
func (c *Client) Validate() error {
	_, err := c.resolveBinary()
	return err
}

func (c *Client) resolveBinary() (string, error) {
	if c.opts.Binary == "" {
		return "", errors.New("acp: no adapter binary configured")
	}
	resolved, err := exec.LookPath(c.opts.Binary)
	if err != nil {
		return "", fmt.Errorf("acp: %s: %w", c.opts.Binary, err)
	}
	return resolved, nil
}

// Run executes one provider call and returns a normalized Result or a typed
// *Error. The prompt request carries no local timeout: its wait ends only
// with a response or subprocess death. All other methods are bounded by
// MethodTimeout and resolve KindTimeout when the bound elapses — with no
// second send for that method.
func (c *Client) Run(ctx context.Context, req RunRequest) (*Result, error) {
	p, err := c.ensureProcess()
	if err != nil {
		return nil, newError(KindTransport, "spawn", err.Error(), err)
	}

	if err := c.initialize(ctx, p); err != nil {
		return nil, err
	}

	sessionID, err := c.openSession(ctx, p)
	if err != nil {
		return nil, err
	}
	c.opts.Events("provider.session.started",
		"provider_id", c.opts.ProviderID,
		"session_id", sessionID,
		"run_id", req.RunID,
		"conversation_id", req.ConversationID)

	rec := newRecorder()
	c.bindRun(&runBinding{
		conversationID: req.ConversationID,
		runID:          req.RunID,
		sessionID:      sessionID,
		rec:            rec,
		ask:            req.Ask,
		ctx:            ctx,
	})
	defer c.unbindRun()

	result, runErr := c.prompt(ctx, p, sessionID, req, rec)

	// Close is best-effort and never overrides the run outcome. An adapter
	// that does not implement session/close is tolerated.
	c.closeSession(ctx, p, sessionID)

	return result, runErr
}

// initialize performs the open phase once per subprocess.
func (c *Client) initialize(ctx context.Context, p *process) error {
	c.mu.Lock()
	done := p.initialized
	c.mu.Unlock()
	if done {
		return nil
	}

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ProviderID:      c.opts.ProviderID,
		Client:          implementation{Name: clientName, Version: clientVersion},
	}
	var result initializeResult
	if err := c.callBounded(ctx, p, MethodInitialize, params, &result); err != nil {
		return err
	}

	c.mu.Lock()
	p.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *Client) openSession(ctx context.Context, p *process) (string, error) {
	params := newSessionParams{ProviderID: c.opts.ProviderID, CWD: c.resolveCWD()}
	var result newSessionResult
	if err := c.callBounded(ctx, p, MethodSessionNew, params, &result); err != nil {
		return "", err
	}
	if err := validateSessionID(result.SessionID); err != nil {
		return "", newError(KindProtocol, MethodSessionNew, err.Error(), err)
	}
	return result.SessionID, nil
}

func (c *Client) closeSession(ctx context.Context, p *process, sessionID string) {
	params := closeSessionParams{ProviderID: c.opts.ProviderID, SessionID: sessionID}
	err := c.callBounded(ctx, p, MethodSessionClose, params, nil)
	switch {
	case err == nil:
		c.opts.Events("provider.session.closed",
			"provider_id", c.opts.ProviderID, "session_id", sessionID)
	case isOptionalCloseError(err):
		c.opts.Events("provider.session.closed",
			"provider_id", c.opts.ProviderID, "session_id", sessionID,
			"close_unsupported", true)
	default:
		c.opts.Logger.Warn("session close failed",
			"provider_id", c.opts.ProviderID, "session_id", sessionID, "error", err)
	}
}

// prompt issues the single top-level prompt request and normalizes its
// response. The wait has no local bound.
func (c *Client) prompt(ctx context.Context, p *process, sessionID string, req RunRequest, rec *recorder) (*Result, error) {
	params := promptParams{
		SessionID: sessionID,
		Prompt:    []contentBlock{{Type: "text", Text: req.Prompt}},
	}
	c.opts.Events("provider.request.sent",
		"provider_id", c.opts.ProviderID,
		"method", MethodSessionPrompt,
		"run_id", req.RunID,
		"conversation_id", req.ConversationID)

	var raw json.RawMessage
	if err := p.conn.call(ctx, MethodSessionPrompt, params, &raw); err != nil {
		return nil, c.classify(err, MethodSessionPrompt, false)
	}

	var pr promptResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pr); err != nil {
			return nil, newError(KindProtocol, MethodSessionPrompt, "malformed prompt result", err)
		}
	}

	return c.normalize(raw, pr, rec)
}

// normalize builds the Result from streamed chunks, falling back to the
// whitelist scan of the result payload. A response with no visible text and
// no recorded evidence is a contract failure, never an empty success.
func (c *Client) normalize(raw json.RawMessage, pr promptResult, rec *recorder) (*Result, error) {
	text, path := rec.text(), "stream"
	if text == "" {
		text, path = visibleTextFromPayload(raw, c.opts.Extract), "result_payload"
	}

	evidence := rec.evidence()
	if text == "" && len(evidence) == 0 {
		return nil, newError(KindContract, MethodSessionPrompt,
			"empty visible text and no action evidence", nil)
	}
	c.opts.Events("provider.response.normalized",
		"provider_id", c.opts.ProviderID,
		"extract_path", path,
		"evidence_count", len(evidence),
		"stop_reason", pr.StopReason)

	result := &Result{Text: text, StopReason: pr.StopReason, Evidence: evidence}
	if u := pr.Usage; u != nil && (u.InputTokens != 0 || u.OutputTokens != 0) {
		result.Usage = &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	}
	return result, nil
}

// callBounded wraps one non-prompt request in the per-method timeout.
// The request is attempted exactly once; an elapsed bound resolves the
// pending slot with KindTimeout and abandons the request.
func (c *Client) callBounded(ctx context.Context, p *process, method string, params, result any) error {
	bounded, cancel := context.WithTimeout(ctx, c.opts.MethodTimeout)
	defer cancel()
	if err := p.conn.call(bounded, method, params, result); err != nil {
		return c.classify(err, method, true)
	}
	return nil
}

// classify maps raw connection errors onto the failure taxonomy.
func (c *Client) classify(err error, method string, bounded bool) error {
	switch {
	case bounded && errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, method, "bounded wait elapsed", err)
	case errors.Is(err, errConnClosed):
		detail := "adapter terminated unexpectedly"
		if tail := c.stderrTail(); tail != "" {
			detail += ": " + tail
		}
		return newError(KindTransport, method, detail, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return newError(KindTransport, method, "call abandoned", err)
	default:
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return newError(KindProtocol, method, rpcErr.Message, err)
		}
		return newError(KindProtocol, method, err.Error(), err)
	}
}

// --- Per-run binding (notification and permission routing) ---

func (c *Client) bindRun(rb *runBinding) {
	c.mu.Lock()
	c.run = rb
	c.mu.Unlock()
}

func (c *Client) unbindRun() {
	c.mu.Lock()
	c.run = nil
	c.mu.Unlock()
}

func (c *Client) currentRun() *runBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// handleUpdate routes session/update notifications into the active run's
// recorder. Notifications arrive in the order the subprocess emitted them
// and never resolve the pending prompt.
func (c *Client) handleUpdate(method string, params json.RawMessage) {
	if method != MethodSessionUpdate {
		return
	}
	rb := c.currentRun()
	if rb == nil {
		return // update outside any run — drop
	}

	var env updateEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		c.opts.Logger.Warn("malformed session update", "error", err)
		return
	}
	var header updateHeader
	if err := json.Unmarshal(env.Update, &header); err != nil {
		return
	}

	switch header.SessionUpdate {
	case "agent_message_chunk":
		var chunk contentChunk
		if err := json.Unmarshal(env.Update, &chunk); err == nil {
			rb.rec.addText(chunk.Content.Text)
		}
	case "agent_thought_chunk":
		// Internal reasoning is never surfaced through any path.
	case "tool_call":
		var tc toolCallUpdate
		if err := json.Unmarshal(env.Update, &tc); err == nil {
			rb.rec.addEvidence(Evidence{
				Name:    tc.Title,
				Args:    tc.RawInput,
				Blocked: true,
				Reason:  "local tool execution is disabled",
			})
			c.opts.Events("provider.action.blocked",
				"run_id", rb.runID,
				"tool", tc.Title,
				"tool_call_id", tc.ToolCallID)
		}
	}
}

// handlePermission answers the agent's mid-prompt question. It runs in a
// dedicated goroutine while the prompt request stays open; the reply becomes
// this sub-request's response, never a new top-level call.
func (c *Client) handlePermission(params json.RawMessage) (any, error) {
	var req permissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		c.opts.Logger.Warn("malformed permission request", "error", err)
		return cancelledOutcome(), nil
	}

	rb := c.currentRun()
	if rb == nil || rb.ask == nil {
		c.opts.Events("provider.question.cancelled",
			"reason", "no interaction handler", "session_id", req.SessionID)
		return cancelledOutcome(), nil
	}

	q := questionFromWire(req)
	reply, err := safeAsk(rb.ctx, rb.ask, q)
	if err != nil {
		c.opts.Events("provider.question.cancelled",
			"run_id", rb.runID, "error", err.Error())
		return cancelledOutcome(), nil
	}

	if reply.OptionID != "" {
		return permissionResult{Outcome: permissionOutcome{
			Outcome:  "selected",
			OptionID: reply.OptionID,
		}}, nil
	}
	if reply.Text != "" {
		return permissionResult{Outcome: permissionOutcome{
			Outcome: "text",
			Text:    reply.Text,
		}}, nil
	}
	return cancelledOutcome(), nil
}

func questionFromWire(req permissionParams) Question {
	q := Question{
		SessionID:   req.SessionID,
		Text:        strings.TrimSpace(req.Question),
		AllowCustom: true,
	}
	if q.Text == "" && req.ToolCall != nil {
		q.Text = "Allow proposed action: " + req.ToolCall.Title + "?"
	}
	if q.Text == "" {
		q.Text = "The agent requests confirmation."
	}
	if req.AllowCustomInput != nil {
		q.AllowCustom = *req.AllowCustomInput
	}
	for i, opt := range req.Options {
		id := opt.OptionID
		if id == "" {
			id = fmt.Sprintf("option_%d", i+1)
		}
		label := opt.Name
		if label == "" {
			label = id
		}
		q.Options = append(q.Options, Option{
			Index:       i + 1,
			ID:          id,
			Label:       label,
			Description: opt.Description,
		})
	}
	return q
}

func cancelledOutcome() permissionResult {
	return permissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}
}

// safeAsk calls ask with panic recovery so a broken handler cannot take the
// read loop's responder goroutine down.
func safeAsk(ctx context.Context, ask AskFunc, q Question) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interaction handler panic: %v", r)
		}
	}()
	return ask(ctx, q)
}

// --- Subprocess lifecycle ---

// process owns one live subprocess and its connection.
type process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	conn        *conn
	stderr      *tailBuffer
	done        chan struct{} // closed after readLoop exit + cmd.Wait
	waitErr     error
	initialized bool
}

func (c *Client) ensureProcess() (*process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != nil {
		select {
		case <-c.proc.done:
			c.proc = nil // previous subprocess exited — respawn
		default:
			return c.proc, nil
		}
	}

	p, err := c.spawn()
	if err != nil {
		return nil, err
	}
	c.proc = p
	return p, nil
}

func (c *Client) spawn() (*process, error) {
	binary, err := c.resolveBinary()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, c.opts.Args...)
	if cwd := c.resolveCWD(); cwd != "." {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acp: stdout pipe: %w", err)
	}
	stderr := newTailBuffer(40)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("acp: start %s: %w", binary, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	p.conn = newConn(stdout, stdin, connConfig{
		maxFrameSize: c.opts.MaxFrameSize,
		onBadFrame: func(line []byte, err error) {
			c.opts.Logger.Warn("malformed frame from adapter",
				"error", err, "line_len", len(line))
		},
	})
	p.conn.onNotification(c.handleUpdate)
	p.conn.onRequest(MethodRequestPerm, c.handlePermission)

	// Sole owner of cmd.Wait: readLoop exit means the stream is done.
	go func() {
		p.conn.readLoop()
		p.waitErr = p.cmd.Wait()
		close(p.done)
	}()

	c.opts.Events("provider.transport.started",
		"provider_id", c.opts.ProviderID, "binary", binary)
	return p, nil
}

func (c *Client) resolveCWD() string {
	if c.opts.CWD != "" {
		return c.opts.CWD
	}
	return "."
}

func (c *Client) stderrTail() string {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p == nil {
		return ""
	}
	return p.stderr.tail(3)
}

// Close tears the subprocess down: stdin close, SIGTERM, grace, SIGKILL.
// Safe to call with no live subprocess.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	p := c.proc
	c.proc = nil
	c.mu.Unlock()
	if p == nil {
		return nil
	}

	_ = p.stdin.Close()
	_ = signalProcess(p.cmd.Process, syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(c.opts.GracePeriod):
		_ = signalProcess(p.cmd.Process, os.Kill)
		<-p.done
	case <-ctx.Done():
		_ = signalProcess(p.cmd.Process, os.Kill)
		<-p.done
	}

	c.opts.Events("provider.transport.closed", "provider_id", c.opts.ProviderID)
	return nil
}

func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// --- Helpers ---

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,256}$`)

func validateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session ID %q does not match allowed pattern", id)
	}
	return nil
}

func isOptionalCloseError(err error) bool {
	text := strings.ToLower(err.Error())
	if !strings.Contains(text, MethodSessionClose) && !strings.Contains(text, "close") {
		return false
	}
	return strings.Contains(text, "not found") || strings.Contains(text, "unknown method")
}

// recorder accumulates streamed visible text and action evidence for one run.
type recorder struct {
	mu    sync.Mutex
	parts []string
	acts  []Evidence
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) addText(s string) {
	if s == "" {
		return
	}
	r.mu.Lock()
	r.parts = append(r.parts, s)
	r.mu.Unlock()
}

func (r *recorder) addEvidence(e Evidence) {
	r.mu.Lock()
	r.acts = append(r.acts, e)
	r.mu.Unlock()
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(strings.Join(r.parts, ""))
}

func (r *recorder) evidence() []Evidence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Evidence(nil), r.acts...)
}

// tailBuffer keeps the last n stderr lines for failure diagnostics.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
	rest  string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := b.rest + string(p)
	parts := strings.Split(text, "\n")
	b.rest = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		if line == "" {
			continue
		}
		b.lines = append(b.lines, line)
		if len(b.lines) > b.max {
			b.lines = b.lines[1:]
		}
	}
	return len(p), nil
}

func (b *tailBuffer) tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		return ""
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	return strings.Join(b.lines[len(b.lines)-n:], " | ")
}
