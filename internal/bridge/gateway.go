// Package bridge runs the remote channel surface: a websocket endpoint a
// message relay connects to, plus the delivery sequencer that keeps replies
// in the order their messages arrived. Exactly one contact may be bound;
// everything else is dropped at the boundary.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"perch/internal/interaction"
	"perch/internal/logging"
)

const (
	dedupeCacheSize = 2048
	dedupeTTL       = 10 * time.Minute
	ackCacheSize    = 512

	defaultAckText   = "Received. Working on it."
	defaultQueueSize = 8

	wireVersion = 1
)

var errNotConnected = errors.New("bridge: relay not connected")

// Runner executes one utterance end to end and returns the reply text.
// Failures are reported as formatted reply text plus the underlying error.
type Runner interface {
	Run(ctx context.Context, source, text string) (string, error)
}

// InteractionDesk is the slice of the interaction coordinator the gateway
// needs to route answers.
type InteractionDesk interface {
	HasPending() bool
	Snapshot() interaction.Snapshot
	Submit(interactionID, raw, source string) (interaction.Answer, error)
}

// Config for the gateway endpoint and its bound contact.
type Config struct {
	ListenAddr   string // e.g. "127.0.0.1:8632"
	Token        string // relay auth token; empty disables the check
	BoundContact string // the only contact whose messages are processed
	AckText      string
	QueueSize    int // pending prompt jobs accepted while a run is active
}

func (c Config) withDefaults() Config {
	if c.AckText == "" {
		c.AckText = defaultAckText
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// inboundFrame is one relay event.
type inboundFrame struct {
	Type     string `json:"type"`
	EventID  string `json:"event_id"`
	Contact  string `json:"contact"`
	ChatID   string `json:"chat_id,omitempty"`
	Text     string `json:"text"`
	FromSelf bool   `json:"from_self,omitempty"`
}

// outboundFrame is one message the gateway asks the relay to deliver.
type outboundFrame struct {
	Type    string  `json:"type"` // ack | reply | notice
	Contact string  `json:"contact"`
	Seq     *uint64 `json:"seq,omitempty"`
	Text    string  `json:"text"`
	ReplyTo string  `json:"reply_to,omitempty"`
}

type helloFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Client  string `json:"client,omitempty"`
	Version int    `json:"version,omitempty"`
}

type welcomeFrame struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

type promptJob struct {
	contact string
	seq     uint64
	text    string
}

// Gateway owns the relay connection, the dedupe and ack caches, the single
// prompt worker, and the sequencer.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	events  logging.EventFunc
	metrics *Metrics
	runner  Runner
	desk    InteractionDesk
	status  func() string

	seq   *Sequencer
	queue chan promptJob

	mu      sync.Mutex // guards conn
	writeMu sync.Mutex
	conn    *websocket.Conn

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, time.Time]
	ackCache   *lru.Cache[string, struct{}]
	now        func() time.Time

	announceMu  sync.Mutex
	announcedID string

	server *http.Server
}

// NewGateway constructs the gateway. status provides the /status reply text;
// metrics, logger and events may be nil.
func NewGateway(cfg Config, runner Runner, desk InteractionDesk, status func() string, metrics *Metrics, logger *slog.Logger, events logging.EventFunc) (*Gateway, error) {
	if runner == nil {
		return nil, errors.New("bridge: gateway requires a runner")
	}
	if desk == nil {
		return nil, errors.New("bridge: gateway requires an interaction desk")
	}
	if strings.TrimSpace(cfg.BoundContact) == "" {
		return nil, errors.New("bridge: gateway requires a bound contact")
	}
	cfg = cfg.withDefaults()
	dedupCache, err := lru.New[string, time.Time](dedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("bridge: dedupe cache init: %w", err)
	}
	ackCache, err := lru.New[string, struct{}](ackCacheSize)
	if err != nil {
		return nil, fmt.Errorf("bridge: ack cache init: %w", err)
	}
	if status == nil {
		status = func() string { return "status unavailable" }
	}
	g := &Gateway{
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		events:     events,
		metrics:    metrics,
		runner:     runner,
		desk:       desk,
		status:     status,
		queue:      make(chan promptJob, cfg.QueueSize),
		dedupCache: dedupCache,
		ackCache:   ackCache,
		now:        time.Now,
	}
	if g.events == nil {
		g.events = logging.NopEvent
	}
	g.seq = NewSequencer(g.emitReply, g.events)
	return g, nil
}

// Sequencer exposes the delivery sequencer for status snapshots.
func (g *Gateway) Sequencer() *Sequencer { return g.seq }

// Start serves the websocket endpoint and runs the prompt worker until ctx
// is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	g.server = &http.Server{Addr: g.cfg.ListenAddr, Handler: mux}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := g.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		g.worker(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	})
	g.logger.Info("bridge gateway listening", "addr", g.cfg.ListenAddr)
	return group.Wait()
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := g.accept(conn); err != nil {
		g.logger.Warn("relay rejected", "error", err)
		_ = conn.Close()
	}
}

func (g *Gateway) accept(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var hello helloFrame
	if err := json.Unmarshal(data, &hello); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}
	if strings.ToLower(strings.TrimSpace(hello.Type)) != "hello" {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if g.cfg.Token != "" && hello.Token != g.cfg.Token {
		return errors.New("unauthorized relay")
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err := g.writeJSON(conn, welcomeFrame{Type: "welcome", Version: wireVersion}); err != nil {
		return err
	}

	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
	}
	g.conn = conn
	g.mu.Unlock()

	g.events("bridge.relay.connected", "client", hello.Client)
	go g.readLoop(conn)
	return nil
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.metrics.IncDropped("malformed")
			continue
		}
		g.handleInbound(frame)
	}

	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	g.mu.Unlock()
	_ = conn.Close()
	g.events("bridge.relay.disconnected")
}

// handleInbound applies the boundary filters in order (dedupe, self-echo,
// bound contact), acknowledges, then routes: pending answer, slash command,
// or new prompt.
func (g *Gateway) handleInbound(f inboundFrame) {
	if f.Type != "" && f.Type != "message" {
		return
	}
	if g.isDuplicate(f.EventID) {
		g.metrics.IncDropped("duplicate")
		g.events("bridge.inbound.ignored", "reason", "duplicate_event", "event_id", f.EventID)
		return
	}
	if f.FromSelf {
		g.metrics.IncDropped("self")
		g.events("bridge.inbound.ignored", "reason", "from_self", "event_id", f.EventID)
		return
	}
	if f.Contact != g.cfg.BoundContact {
		g.metrics.IncDropped("unauthorized")
		g.events("bridge.inbound.ignored", "reason", "contact_mismatch",
			"inbound_contact", f.Contact, "event_id", f.EventID)
		return
	}

	g.sendAck(f)

	text := strings.TrimSpace(f.Text)
	switch {
	case text == "":
		return
	case strings.HasPrefix(text, "/"):
		g.metrics.IncInbound("command")
		g.handleCommand(f, text)
	case g.desk.HasPending():
		g.metrics.IncInbound("answer")
		g.submitAnswer(f, text)
	default:
		g.metrics.IncInbound("prompt")
		g.enqueuePrompt(f, text)
	}

	g.maybeAnnouncePending()
}

func (g *Gateway) handleCommand(f inboundFrame, text string) {
	cmd, rest, _ := strings.Cut(text, " ")
	switch cmd {
	case "/status":
		g.sendNotice(f.Contact, g.status())
	case "/pending":
		g.sendNotice(f.Contact, g.pendingText())
	case "/choose":
		answer := strings.TrimSpace(rest)
		if answer == "" {
			g.sendNotice(f.Contact, "Use /choose <index|text>.")
			return
		}
		g.submitAnswer(f, answer)
	default:
		// Unknown slash command goes to the model as ordinary input.
		g.metrics.IncInbound("prompt")
		g.enqueuePrompt(f, text)
	}
}

func (g *Gateway) submitAnswer(f inboundFrame, text string) {
	snap := g.desk.Snapshot()
	if !snap.HasPending {
		g.sendNotice(f.Contact, "No question is pending.")
		return
	}
	answer, err := g.desk.Submit(snap.ID, text, "bridge")
	switch {
	case err == nil:
		g.events("bridge.interaction.answered",
			"interaction_id", answer.InteractionID, "event_id", f.EventID)
		g.sendNotice(f.Contact, "Answer submitted. Continuing.")
	case errors.Is(err, interaction.ErrStale):
		g.sendNotice(f.Contact, "That question is already closed.")
	case errors.Is(err, interaction.ErrInvalidAnswer):
		g.sendNotice(f.Contact, "That does not match any option. "+choiceHint(snap))
	default:
		g.sendNotice(f.Contact, "Could not submit the answer: "+err.Error())
	}
}

// enqueuePrompt claims the reply slot first so ordering is fixed at
// acceptance, then hands the job to the worker. On overflow the claimed slot
// is completed immediately with a refusal so later replies are not blocked.
func (g *Gateway) enqueuePrompt(f inboundFrame, text string) {
	seq := g.seq.Enqueue(f.Contact)
	job := promptJob{contact: f.Contact, seq: seq, text: text}
	select {
	case g.queue <- job:
		g.metrics.SetQueueDepth(len(g.queue))
		g.events("bridge.prompt.queued", "seq", seq, "event_id", f.EventID)
	default:
		g.metrics.IncDropped("overflow")
		g.events("bridge.prompt.overflow", "seq", seq, "event_id", f.EventID)
		g.seq.CompleteReply(f.Contact, seq, "Too many messages are waiting. Please retry after the current task finishes.")
	}
}

func (g *Gateway) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-g.queue:
			g.metrics.SetQueueDepth(len(g.queue))
			reply, err := g.runner.Run(ctx, "bridge", job.text)
			if err != nil && reply == "" {
				reply = "The task failed: " + err.Error()
			}
			g.seq.CompleteReply(job.contact, job.seq, reply)
			g.maybeAnnouncePending()
		}
	}
}

// AnnouncePending pushes the currently open question to the bound contact.
// Safe to call from any goroutine; each interaction is announced once.
func (g *Gateway) AnnouncePending() {
	g.maybeAnnouncePending()
}

func (g *Gateway) maybeAnnouncePending() {
	snap := g.desk.Snapshot()
	g.announceMu.Lock()
	if !snap.HasPending {
		g.announcedID = ""
		g.announceMu.Unlock()
		return
	}
	if snap.ID == "" || snap.ID == g.announcedID {
		g.announceMu.Unlock()
		return
	}
	g.announcedID = snap.ID
	g.announceMu.Unlock()

	g.events("bridge.interaction.announced", "interaction_id", snap.ID)
	g.sendNotice(g.cfg.BoundContact, pendingSummary(snap))
}

func (g *Gateway) pendingText() string {
	snap := g.desk.Snapshot()
	if !snap.HasPending {
		return "No question is pending."
	}
	return pendingSummary(snap)
}

func pendingSummary(snap interaction.Snapshot) string {
	var b strings.Builder
	b.WriteString("The agent is asking:\n")
	b.WriteString(snap.Question)
	for _, opt := range snap.Options {
		b.WriteString("\n  ")
		b.WriteString(strconv.Itoa(opt.Index))
		b.WriteString(". ")
		b.WriteString(opt.Label)
		if opt.Description != "" {
			b.WriteString(" — ")
			b.WriteString(opt.Description)
		}
	}
	b.WriteString("\n")
	b.WriteString(choiceHint(snap))
	return b.String()
}

func choiceHint(snap interaction.Snapshot) string {
	if snap.AllowCustom {
		return "Reply with an option number or your own text."
	}
	return "Reply with an option number."
}

// isDuplicate records eventID in the dedupe cache and reports whether it was
// already seen within the TTL.
func (g *Gateway) isDuplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	g.dedupMu.Lock()
	defer g.dedupMu.Unlock()
	now := g.now()
	if ts, ok := g.dedupCache.Get(eventID); ok {
		if now.Sub(ts) <= dedupeTTL {
			return true
		}
		g.dedupCache.Remove(eventID)
	}
	g.dedupCache.Add(eventID, now)
	return false
}

// sendAck fires the fast acknowledgment, at most once per event id. Send
// failures are logged and otherwise ignored.
func (g *Gateway) sendAck(f inboundFrame) {
	if f.EventID != "" {
		g.dedupMu.Lock()
		_, seen := g.ackCache.Get(f.EventID)
		if !seen {
			g.ackCache.Add(f.EventID, struct{}{})
		}
		g.dedupMu.Unlock()
		if seen {
			return
		}
	}
	err := g.send(outboundFrame{Type: "ack", Contact: f.Contact, Text: g.cfg.AckText, ReplyTo: f.EventID})
	if err != nil {
		g.logger.Warn("ack send failed", "event_id", f.EventID, "error", err)
		return
	}
	g.metrics.IncAck()
	g.events("bridge.ack.sent", "event_id", f.EventID)
}

func (g *Gateway) emitReply(contact string, seq uint64, text string) {
	err := g.send(outboundFrame{Type: "reply", Contact: contact, Seq: &seq, Text: text})
	if err != nil {
		g.logger.Warn("reply send failed", "seq", seq, "error", err)
		return
	}
	g.metrics.IncReply()
}

func (g *Gateway) sendNotice(contact, text string) {
	if err := g.send(outboundFrame{Type: "notice", Contact: contact, Text: text}); err != nil {
		g.logger.Warn("notice send failed", "error", err)
	}
}

func (g *Gateway) send(frame outboundFrame) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	return g.writeJSON(conn, frame)
}

func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteJSON(v)
}
