package bridge

import (
	"sync"

	"perch/internal/logging"
)

// EmitFunc delivers one finished reply to a contact. Called by the
// sequencer's flush path with replies in arrival order.
type EmitFunc func(contact string, seq uint64, text string)

// pendingReply is a slot in a contact's release window. A slot is ready once
// its reply text has been recorded; it is released only after every
// earlier slot for the same contact has been released.
type pendingReply struct {
	seq   uint64
	text  string
	ready bool
}

// Sequencer preserves arrival order for bridge replies. Inbound messages
// claim an ascending per-contact sequence number at acceptance time; run
// completions may land out of order, and the sequencer holds a finished
// reply until all replies for earlier messages from the same contact have
// been emitted.
type Sequencer struct {
	mu     sync.Mutex
	emit   EmitFunc
	events logging.EventFunc

	next    map[string]uint64         // next sequence number to assign
	flushed map[string]uint64         // highest sequence emitted + 1
	window  map[string][]pendingReply // unflushed slots, ascending seq

	// Completions can race: the worker and the overflow path both call
	// CompleteReply, and emit runs outside the lock. Released slots go
	// through emitQueue, and emitting marks the one completer currently
	// draining a contact's queue; a completer that finds the token taken
	// leaves its releases behind the in-progress flush.
	emitQueue map[string][]pendingReply
	emitting  map[string]bool
}

// NewSequencer creates a sequencer delivering through emit. events may be nil.
func NewSequencer(emit EmitFunc, events logging.EventFunc) *Sequencer {
	if events == nil {
		events = logging.NopEvent
	}
	return &Sequencer{
		emit:      emit,
		events:    events,
		next:      make(map[string]uint64),
		flushed:   make(map[string]uint64),
		window:    make(map[string][]pendingReply),
		emitQueue: make(map[string][]pendingReply),
		emitting:  make(map[string]bool),
	}
}

// Enqueue assigns the next sequence number for contact and opens a slot for
// its eventual reply. Must be called in acceptance order.
func (s *Sequencer) Enqueue(contact string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.next[contact]
	s.next[contact] = seq + 1
	s.window[contact] = append(s.window[contact], pendingReply{seq: seq})
	return seq
}

// CompleteReply records the reply for a claimed slot and flushes every
// consecutive ready slot starting from the oldest unflushed one. Replies
// for slots that are ready but blocked by an earlier unresolved slot stay
// held. Completing an unknown or already-flushed seq is a no-op.
func (s *Sequencer) CompleteReply(contact string, seq uint64, text string) {
	s.mu.Lock()
	win := s.window[contact]
	found := false
	for i := range win {
		if win[i].seq == seq {
			if win[i].ready {
				s.mu.Unlock()
				return
			}
			win[i].text = text
			win[i].ready = true
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}

	var releases []pendingReply
	for len(win) > 0 && win[0].ready {
		releases = append(releases, win[0])
		win = win[1:]
	}
	s.window[contact] = win
	if len(releases) > 0 {
		s.flushed[contact] = releases[len(releases)-1].seq + 1
	}
	held := len(win)

	if len(releases) == 0 {
		s.mu.Unlock()
		s.events("bridge.reply.held", "contact", contact, "seq", seq, "held", held)
		return
	}

	s.emitQueue[contact] = append(s.emitQueue[contact], releases...)
	if s.emitting[contact] {
		// Another completer is mid-flush for this contact; it will drain
		// these releases after its current emit returns.
		s.mu.Unlock()
		return
	}
	s.emitting[contact] = true
	for len(s.emitQueue[contact]) > 0 {
		r := s.emitQueue[contact][0]
		s.emitQueue[contact] = s.emitQueue[contact][1:]
		s.mu.Unlock()
		s.events("bridge.reply.flushed", "contact", contact, "seq", r.seq, "held", held)
		s.emit(contact, r.seq, r.text)
		s.mu.Lock()
	}
	s.emitting[contact] = false
	s.mu.Unlock()
}

// PendingFor reports how many claimed slots for contact have not yet been
// flushed.
func (s *Sequencer) PendingFor(contact string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window[contact])
}
