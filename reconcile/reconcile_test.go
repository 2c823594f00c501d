package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"fable-server/chatlog"
	"fable-server/events"
	"fable-server/types"
)

func newTestReconciler(t *testing.T, genType types.GenerationType, stops []string) (*Reconciler, *chatlog.Store, *types.ActiveGeneration) {
	t.Helper()
	store := chatlog.NewStore("chat-1", nil)
	gen := types.NewActiveGeneration("chat-1", genType, context.Background())
	gen.StoppingStrings = stops
	t.Cleanup(gen.CancelFn)

	rec := &Reconciler{
		Store:    store,
		Bus:      events.NewBus(),
		Gen:      gen,
		CharName: "Seraphina",
		Extra:    types.MessageExtra{Api: "kobold"},
	}
	return rec, store, gen
}

func TestProgressWritesCumulativeText(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenNormal, nil)

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("Start() did not append a placeholder, len = %d", store.Len())
	}
	if got := store.GenerationTarget(); got != 0 {
		t.Errorf("GenerationTarget() = %d", got)
	}

	for _, text := range []string{"She ", "She looks ", "She looks up."} {
		if err := rec.Progress(types.StreamChunk{Text: text}, false); err != nil {
			t.Fatal(err)
		}
		msg, _ := store.Get(0)
		if msg.Text != text {
			t.Errorf("message text = %q, want %q", msg.Text, text)
		}
	}

	if err := rec.Progress(types.StreamChunk{Text: "She looks up."}, true); err != nil {
		t.Fatal(err)
	}
	msg, _ := store.Get(0)
	if msg.Extra.TokenCount == 0 {
		t.Error("final tick did not set token count")
	}
}

func TestProgressTruncatesStoppingStrings(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenNormal, []string{"\nAlice:"})

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}

	// a stop sequence mid-chunk truncates; everything after never lands
	if err := rec.Progress(types.StreamChunk{Text: "fine day\nAlice: hello"}, false); err != nil {
		t.Fatal(err)
	}
	msg, _ := store.Get(0)
	if msg.Text != "fine day" {
		t.Errorf("message text = %q", msg.Text)
	}

	// a partial stop at the chunk tail is held back until resolved
	if err := rec.Progress(types.StreamChunk{Text: "fine day indeed\nAli"}, false); err != nil {
		t.Fatal(err)
	}
	msg, _ = store.Get(0)
	if msg.Text != "fine day indeed" {
		t.Errorf("message text with partial tail = %q", msg.Text)
	}
}

func TestProgressBalancesMarkdownMidStream(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenNormal, nil)

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Progress(types.StreamChunk{Text: `"unterminated quote`}, false); err != nil {
		t.Fatal(err)
	}
	msg, _ := store.Get(0)
	if !strings.HasSuffix(msg.Text, `"`) {
		t.Errorf("mid-stream quote not closed: %q", msg.Text)
	}

	// final text is never speculatively closed
	if err := rec.Progress(types.StreamChunk{Text: `"unterminated quote`}, true); err != nil {
		t.Fatal(err)
	}
	msg, _ = store.Get(0)
	if msg.Text != `"unterminated quote` {
		t.Errorf("final text = %q", msg.Text)
	}
}

func TestContinueExtendsTail(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenContinue, nil)
	store.Append(chatlog.NewMessage("Seraphina", "She pauses", false))

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("continue appended a message, len = %d", store.Len())
	}

	if err := rec.Progress(types.StreamChunk{Text: ", then smiles."}, false); err != nil {
		t.Fatal(err)
	}
	msg, _ := store.Get(0)
	if msg.Text != "She pauses, then smiles." {
		t.Errorf("continued text = %q", msg.Text)
	}
}

func TestContinueOnEmptyChatFails(t *testing.T) {
	rec, _, _ := newTestReconciler(t, types.GenContinue, nil)
	if err := rec.Start(); err == nil {
		t.Error("Start() on empty chat should fail for continue")
	}
}

func TestSwipeAddsCandidate(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenSwipe, nil)
	store.Append(chatlog.NewMessage("Seraphina", "original reply", false))

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}

	msg, _ := store.Get(0)
	if len(msg.Swipes) != 2 || msg.SwipeId != 1 {
		t.Fatalf("swipe slots = %q, id = %d", msg.Swipes, msg.SwipeId)
	}
	if msg.Swipes[0] != "original reply" {
		t.Errorf("original candidate lost: %q", msg.Swipes[0])
	}

	if err := rec.Progress(types.StreamChunk{Text: "a different reply"}, true); err != nil {
		t.Fatal(err)
	}
	msg, _ = store.Get(0)
	if msg.Text != "a different reply" || msg.Swipes[1] != "a different reply" {
		t.Errorf("swipe text = %q, slots = %q", msg.Text, msg.Swipes)
	}
}

func TestImpersonateNeverTouchesChat(t *testing.T) {
	rec, store, gen := newTestReconciler(t, types.GenImpersonate, nil)

	var captured string
	rec.OnImpersonate = func(text string) { captured = text }

	_, stream := gen.Subscribe(context.Background())

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Progress(types.StreamChunk{Text: "I lean closer."}, true); err != nil {
		t.Fatal(err)
	}

	if store.Len() != 0 {
		t.Errorf("impersonation wrote to the chat, len = %d", store.Len())
	}
	if captured != "I lean closer." {
		t.Errorf("captured = %q", captured)
	}

	// the compose-box text still rides the session stream
	select {
	case event := <-stream:
		if !strings.Contains(event, "I lean closer.") {
			t.Errorf("stream event = %q", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stream event for impersonation output")
	}
}

func TestFinishMergesSwipeCandidates(t *testing.T) {
	rec, store, gen := newTestReconciler(t, types.GenNormal, nil)

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	gen.RecordChunk(types.StreamChunk{Text: "primary", Swipes: []string{"alternate one", "alternate two"}})
	if err := rec.Progress(types.StreamChunk{Text: "primary"}, true); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg, _ := store.Get(0)
	if len(msg.Swipes) != 3 {
		t.Errorf("swipes after merge = %q", msg.Swipes)
	}
	if msg.Text != "primary" {
		t.Errorf("merge changed current text: %q", msg.Text)
	}
	if got := store.GenerationTarget(); got != -1 {
		t.Errorf("GenerationTarget() after finish = %d", got)
	}
}

func TestFinishIsIdempotentAndProgressStopsAfter(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenNormal, nil)

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Progress(types.StreamChunk{Text: "done"}, true); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(context.Background()); err != nil {
		t.Fatal(err)
	}

	// increments after finalization are ignored
	if err := rec.Progress(types.StreamChunk{Text: "late chunk"}, false); err != nil {
		t.Fatal(err)
	}
	msg, _ := store.Get(0)
	if msg.Text != "done" {
		t.Errorf("text after late chunk = %q", msg.Text)
	}
}

func TestStopPreservesPartialText(t *testing.T) {
	rec, store, _ := newTestReconciler(t, types.GenNormal, nil)

	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Progress(types.StreamChunk{Text: "partial out"}, false); err != nil {
		t.Fatal(err)
	}

	rec.Stop()

	msg, _ := store.Get(0)
	if msg.Text != "partial out" {
		t.Errorf("partial text lost on stop: %q", msg.Text)
	}
	if got := store.GenerationTarget(); got != -1 {
		t.Errorf("GenerationTarget() after stop = %d", got)
	}
	if rec.State() != StateStopped {
		t.Errorf("State() = %d", rec.State())
	}
}
