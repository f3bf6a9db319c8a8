package interaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func twoOptionRequest(id string) Request {
	return Request{
		ID:             id,
		RunID:          "run_1",
		ConversationID: "conv_1",
		SessionID:      "sess_1",
		Question:       "Which color?",
		Options: []Option{
			{Index: 1, ID: "opt_red", Label: "Red"},
			{Index: 2, ID: "opt_blue", Label: "Blue"},
		},
		AllowCustom: true,
	}
}

func TestCoordinator_Publish_RejectsSecondOpen(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.Publish(twoOptionRequest("i2")); !errors.Is(err, ErrPending) {
		t.Fatalf("second publish = %v, want ErrPending", err)
	}
}

func TestCoordinator_Submit_NumericSelectsOption(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}

	answer, err := c.Submit("i1", " 2 ", "repl")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if answer.SelectedIndex != 2 || answer.SelectedOptionID != "opt_blue" {
		t.Errorf("answer = %+v, want option 2 (opt_blue)", answer)
	}
	if answer.Source != "repl" {
		t.Errorf("source = %q, want repl", answer.Source)
	}
}

func TestCoordinator_Submit_InvalidIndexLeavesOpen(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Submit("i1", "9", "repl"); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("Submit(9) = %v, want ErrInvalidAnswer", err)
	}
	if !c.HasPending() {
		t.Fatal("invalid answer consumed the pending interaction")
	}

	// A valid answer still lands afterwards.
	if _, err := c.Submit("i1", "1", "repl"); err != nil {
		t.Fatalf("Submit(1) after invalid: %v", err)
	}
}

func TestCoordinator_Submit_CustomTextRequiresAllowCustom(t *testing.T) {
	req := twoOptionRequest("i1")
	req.AllowCustom = false
	c := NewCoordinator(nil)
	if err := c.Publish(req); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Submit("i1", "use green instead", "repl"); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("custom text = %v, want ErrInvalidAnswer when custom input is off", err)
	}

	req2 := twoOptionRequest("i2")
	c2 := NewCoordinator(nil)
	if err := c2.Publish(req2); err != nil {
		t.Fatal(err)
	}
	answer, err := c2.Submit("i2", "use green instead", "bridge")
	if err != nil {
		t.Fatalf("custom text with AllowCustom: %v", err)
	}
	if answer.Text != "use green instead" || answer.SelectedIndex != 0 {
		t.Errorf("answer = %+v, want custom text", answer)
	}
}

func TestCoordinator_Submit_SecondAnswerIsStale(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Submit("i1", "1", "repl"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit("i1", "2", "bridge"); !errors.Is(err, ErrStale) {
		t.Fatalf("second answer = %v, want ErrStale", err)
	}
}

func TestCoordinator_Submit_UnknownIDIsStale(t *testing.T) {
	c := NewCoordinator(nil)
	if _, err := c.Submit("ghost", "1", "repl"); !errors.Is(err, ErrStale) {
		t.Fatalf("Submit to empty coordinator = %v, want ErrStale", err)
	}
}

// Exactly one of many concurrent submitters may win; everyone else gets
// ErrStale, and the winner is the answer Await observes.
func TestCoordinator_Submit_ConcurrentFirstAnswerWins(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	answers := make(chan Answer, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a, err := c.Submit("i1", fmt.Sprintf("%d", 1+idx%2), "race")
			if err == nil {
				answers <- a
			} else if !errors.Is(err, ErrStale) {
				t.Errorf("loser error = %v, want ErrStale", err)
			}
		}(i)
	}
	wg.Wait()
	close(answers)

	var won []Answer
	for a := range answers {
		won = append(won, a)
	}
	if len(won) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(won))
	}

	got, err := c.Await(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.SelectedOptionID != won[0].SelectedOptionID {
		t.Errorf("Await = %+v, want the winning answer %+v", got, won[0])
	}
}

func TestCoordinator_Await_BlocksUntilAnswer(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}

	done := make(chan Answer, 1)
	go func() {
		a, err := c.Await(context.Background(), "i1")
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- a
	}()

	select {
	case <-done:
		t.Fatal("Await returned before any answer")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := c.Submit("i1", "1", "repl"); err != nil {
		t.Fatal(err)
	}

	select {
	case a := <-done:
		if a.SelectedOptionID != "opt_red" {
			t.Errorf("answer = %+v, want opt_red", a)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not resolve after answer")
	}
}

func TestCoordinator_Expire_ResolvesAwaitAndStalesLateAnswers(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Await(context.Background(), "i1")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Expire("i1")

	if err := <-errCh; !errors.Is(err, ErrExpired) {
		t.Fatalf("Await after expire = %v, want ErrExpired", err)
	}
	if _, err := c.Submit("i1", "1", "bridge"); !errors.Is(err, ErrStale) {
		t.Fatalf("late answer = %v, want ErrStale", err)
	}
	if c.HasPending() {
		t.Fatal("expired interaction still pending")
	}
}

func TestCoordinator_Expire_IgnoresAnswered(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit("i1", "1", "repl"); err != nil {
		t.Fatal(err)
	}

	c.Expire("i1") // no-op: already answered

	got, err := c.Await(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Await after spurious expire: %v", err)
	}
	if got.SelectedOptionID != "opt_red" {
		t.Errorf("answer = %+v, want the accepted one", got)
	}
}

func TestCoordinator_Clear_AllowsNextPublish(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit("i1", "1", "repl"); err != nil {
		t.Fatal(err)
	}
	c.Clear("i1")

	if err := c.Publish(twoOptionRequest("i2")); err != nil {
		t.Fatalf("publish after clear: %v", err)
	}
}

func TestCoordinator_Snapshot_ReflectsPending(t *testing.T) {
	c := NewCoordinator(nil)
	if snap := c.Snapshot(); snap.HasPending {
		t.Fatal("empty coordinator reports pending")
	}

	if err := c.Publish(twoOptionRequest("i1")); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if !snap.HasPending || snap.ID != "i1" || len(snap.Options) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}
