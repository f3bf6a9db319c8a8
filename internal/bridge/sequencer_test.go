package bridge

import (
	"fmt"
	"sync"
	"testing"
)

type emitRecorder struct {
	mu    sync.Mutex
	sends []string
}

func (r *emitRecorder) emit(contact string, seq uint64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, fmt.Sprintf("%s/%d/%s", contact, seq, text))
}

func (r *emitRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func TestSequencer_InOrderCompletion(t *testing.T) {
	rec := &emitRecorder{}
	s := NewSequencer(rec.emit, nil)

	s1 := s.Enqueue("alice")
	s2 := s.Enqueue("alice")
	s.CompleteReply("alice", s1, "one")
	s.CompleteReply("alice", s2, "two")

	want := []string{"alice/0/one", "alice/1/two"}
	got := rec.all()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("emits = %v, want %v", got, want)
	}
}

// Three messages complete in the order 3, 1, 2; replies must still go out
// as 1, 2, 3.
func TestSequencer_HoldsOutOfOrderReplies(t *testing.T) {
	rec := &emitRecorder{}
	s := NewSequencer(rec.emit, nil)

	s1 := s.Enqueue("alice")
	s2 := s.Enqueue("alice")
	s3 := s.Enqueue("alice")

	s.CompleteReply("alice", s3, "three")
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("emits after out-of-order completion = %v, want none", got)
	}

	s.CompleteReply("alice", s1, "one")
	if got := rec.all(); len(got) != 1 || got[0] != "alice/0/one" {
		t.Fatalf("emits = %v, want only the first reply", got)
	}

	// Completing 2 releases both 2 and the held 3.
	s.CompleteReply("alice", s2, "two")
	want := []string{"alice/0/one", "alice/1/two", "alice/2/three"}
	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("emits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("emit[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSequencer_ContactsAreIndependent(t *testing.T) {
	rec := &emitRecorder{}
	s := NewSequencer(rec.emit, nil)

	sa := s.Enqueue("alice")
	sb := s.Enqueue("bob")

	// Bob's reply is not blocked by Alice's unfinished message.
	s.CompleteReply("bob", sb, "hi bob")
	got := rec.all()
	if len(got) != 1 || got[0] != "bob/0/hi bob" {
		t.Fatalf("emits = %v, want bob's reply", got)
	}

	s.CompleteReply("alice", sa, "hi alice")
	if got := rec.all(); len(got) != 2 {
		t.Fatalf("emits = %v, want both replies", got)
	}
}

func TestSequencer_DuplicateAndUnknownCompletions(t *testing.T) {
	rec := &emitRecorder{}
	s := NewSequencer(rec.emit, nil)

	s1 := s.Enqueue("alice")
	s.CompleteReply("alice", s1, "one")
	s.CompleteReply("alice", s1, "one again") // already flushed
	s.CompleteReply("alice", 99, "ghost")     // never claimed

	if got := rec.all(); len(got) != 1 {
		t.Errorf("emits = %v, want a single reply", got)
	}
}

// Two completers race: one is mid-emit for seq 0 when the other completes
// seq 1. The second must queue its release behind the in-progress flush, so
// the replies still go out as 0, 1.
func TestSequencer_ConcurrentCompletionsEmitInOrder(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []uint64
		entered = make(chan struct{})
		release = make(chan struct{})
		once    sync.Once
	)
	emit := func(contact string, seq uint64, text string) {
		once.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
	}
	s := NewSequencer(emit, nil)

	s1 := s.Enqueue("alice")
	s2 := s.Enqueue("alice")

	done := make(chan struct{})
	go func() {
		s.CompleteReply("alice", s1, "one")
		close(done)
	}()
	<-entered // first completer is blocked inside emit for seq 0

	s.CompleteReply("alice", s2, "two") // must not emit ahead of seq 0
	mu.Lock()
	if len(order) != 0 {
		mu.Unlock()
		t.Fatalf("second completer emitted %v while the first flush was in progress", order)
	}
	mu.Unlock()

	close(release)
	<-done // the first completer drains the queued release before returning

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("emit order = %v, want [0 1]", order)
	}
}

func TestSequencer_PendingFor(t *testing.T) {
	s := NewSequencer(func(string, uint64, string) {}, nil)

	s1 := s.Enqueue("alice")
	s.Enqueue("alice")
	if got := s.PendingFor("alice"); got != 2 {
		t.Errorf("PendingFor = %d, want 2", got)
	}
	s.CompleteReply("alice", s1, "one")
	if got := s.PendingFor("alice"); got != 1 {
		t.Errorf("PendingFor after flush = %d, want 1", got)
	}
}
