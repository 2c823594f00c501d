// Package reconcile applies streaming output to the chat log: cleanup and
// truncation on every increment, one finalization, and consistent settling on
// stop or error.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"fable-server/assembly"
	"fable-server/chatlog"
	"fable-server/events"
	"fable-server/stopping"
	"fable-server/tokens"
	"fable-server/types"
)

type State int

const (
	StateIdle State = iota
	StateStarted
	StateStreaming
	StateFinished
	StateStopped
	StateErrored
)

// Reconciler is the stateful session object driving one generation's writes
// into the chat log. It never reorders or drops an increment; only the
// expensive display work is throttled.
type Reconciler struct {
	Store *chatlog.Store
	Bus   *events.Bus
	Gen   *types.ActiveGeneration

	CharName  string
	Extra     types.MessageExtra
	Transform assembly.RegexTransform

	// OnImpersonate receives the output for impersonation mode, where
	// nothing is written to the chat at all.
	OnImpersonate func(text string)

	state        State
	messageIndex int
	prefix       string // existing text being extended by a continue
	finalized    bool
}

func (r *Reconciler) State() State {
	return r.state
}

func (r *Reconciler) MessageIndex() int {
	return r.messageIndex
}

// Start transitions idle → started: appends the placeholder assistant
// message (or binds the existing tail for continue/swipe), stamping the
// generation-start time once for the whole session.
func (r *Reconciler) Start() error {
	if r.state != StateIdle {
		return fmt.Errorf("reconciler already started")
	}
	r.state = StateStarted
	r.messageIndex = -1

	if r.Gen.Type == types.GenImpersonate {
		return nil
	}

	now := time.Now()

	switch r.Gen.Type {
	case types.GenContinue:
		idx := r.Store.Len() - 1
		if idx < 0 {
			return fmt.Errorf("nothing to continue")
		}
		tail, _ := r.Store.Get(idx)
		r.prefix = tail.Text
		r.messageIndex = idx
		if err := r.Store.Update(idx, func(m *types.Message) {
			m.GenStarted = now
		}); err != nil {
			return err
		}
	case types.GenSwipe:
		idx := r.Store.Len() - 1
		if idx < 0 {
			return fmt.Errorf("nothing to swipe")
		}
		if err := r.Store.AddSwipe(idx, "...", r.Extra); err != nil {
			return err
		}
		r.messageIndex = idx
		if err := r.Store.Update(idx, func(m *types.Message) {
			m.GenStarted = now
		}); err != nil {
			return err
		}
	default:
		msg := chatlog.NewMessage(r.CharName, "...", false)
		msg.GenStarted = now
		msg.Extra = r.Extra
		r.messageIndex = r.Store.Append(msg)
	}

	r.Store.SetGenerationTarget(r.messageIndex)
	return nil
}

// Progress applies one cumulative increment. The authoritative text state is
// updated on every call; only the human-readable timer is deferred to the
// final tick.
func (r *Reconciler) Progress(chunk types.StreamChunk, isFinal bool) error {
	if r.state == StateStopped || r.state == StateErrored || r.state == StateFinished {
		return nil
	}
	r.state = StateStreaming

	r.Gen.RecordChunk(chunk)

	text := r.cleanUp(chunk.Text, isFinal)

	if r.Gen.Type == types.GenImpersonate {
		if r.OnImpersonate != nil {
			r.OnImpersonate(text)
		}
		// the compose-box text travels over the session stream like any
		// other output
		r.streamEvent(types.StreamChunk{Text: text}, isFinal)
		return nil
	}

	now := time.Now()
	err := r.Store.Update(r.messageIndex, func(m *types.Message) {
		m.Text = r.prefix + text
		m.GenFinished = now
		if isFinal {
			m.Extra.Timer = formatTimer(r.Gen.StartedAt, now, m.Text)
			m.Extra.TokenCount = tokens.GetNumTokensEstimate(m.Text)
		}
	})
	if err != nil {
		return err
	}

	r.streamEvent(chunk, isFinal)
	return nil
}

// Finish transitions to the finished terminal exactly once: final cleanup,
// swipe-candidate merge, lifecycle notifications, then the save.
func (r *Reconciler) Finish(ctx context.Context) error {
	if r.finalized {
		return nil
	}
	r.finalized = true
	r.state = StateFinished

	if r.Gen.Type == types.GenImpersonate {
		r.Bus.Emit(events.GenerationEnded, events.GenerationEndedPayload{MessageCount: r.Store.Len()})
		return nil
	}

	if candidates := r.Gen.SwipeCandidates(); len(candidates) > 0 &&
		r.Gen.Type != types.GenContinue && r.Gen.Type != types.GenQuiet {
		cleaned := make([]string, 0, len(candidates))
		for _, candidate := range candidates {
			cleaned = append(cleaned, r.cleanUp(candidate, true))
		}
		if err := r.Store.MergeSwipeCandidates(r.messageIndex, cleaned, r.Extra); err != nil {
			log.Printf("Error merging swipe candidates: %v\n", err)
		}
	}

	r.Bus.Emit(events.MessageReceived, events.MessagePayload{Index: r.messageIndex})
	r.Bus.Emit(events.MessageUpdated, events.MessagePayload{Index: r.messageIndex})
	r.Bus.Emit(events.GenerationEnded, events.GenerationEndedPayload{MessageCount: r.Store.Len()})

	// completion is reported before the save resolves
	go func() {
		if err := r.Store.Save(context.WithoutCancel(ctx)); err != nil {
			log.Printf("Error saving chat after generation: %v\n", err)
		}
	}()

	r.Store.SetGenerationTarget(-1)
	return nil
}

// Stop settles the stopped terminal, preserving whatever partial text exists.
func (r *Reconciler) Stop() {
	if r.finalized {
		return
	}
	r.finalized = true
	r.state = StateStopped
	r.settleAfterAbort()
}

// Fail settles the errored terminal. Partial text already written stays; no
// silent rollback.
func (r *Reconciler) Fail(genErr *types.GenError) {
	if r.finalized {
		return
	}
	r.finalized = true
	r.state = StateErrored
	log.Printf("Streaming error: %v\n", genErr)
	r.settleAfterAbort()
}

// settleAfterAbort emits the rendered notifications for modes that appended a
// visible message, so UI observers settle into a consistent state.
func (r *Reconciler) settleAfterAbort() {
	r.Store.SetGenerationTarget(-1)
	switch r.Gen.Type {
	case types.GenSwipe, types.GenImpersonate, types.GenContinue:
		return
	}
	if r.messageIndex >= 0 {
		r.Bus.Emit(events.MessageReceived, events.MessagePayload{Index: r.messageIndex})
		r.Bus.Emit(events.MessageUpdated, events.MessagePayload{Index: r.messageIndex})
	}
}

func (r *Reconciler) cleanUp(text string, isFinal bool) string {
	text = stopping.Truncate(text, r.Gen.StoppingStrings)
	if !isFinal {
		text = stopping.TrimPartialTail(text, r.Gen.StoppingStrings)
	}
	if r.Transform != nil {
		text = r.Transform(text)
	}
	if !isFinal {
		text = balanceMarkdown(text)
	} else {
		text = strings.TrimSpace(text)
	}
	return text
}

func (r *Reconciler) streamEvent(chunk types.StreamChunk, isFinal bool) {
	payload, err := json.Marshal(map[string]any{
		"index": r.messageIndex,
		"text":  chunk.Text,
		"final": isFinal,
	})
	if err != nil {
		return
	}
	r.Gen.Stream(string(payload))
}

func formatTimer(start, finish time.Time, text string) string {
	seconds := finish.Sub(start).Seconds()
	if seconds <= 0 {
		return ""
	}
	rate := float64(tokens.GetNumTokensEstimate(text)) / seconds
	return fmt.Sprintf("%.1fs (%.1f t/s)", seconds, rate)
}

// balanceMarkdown speculatively closes unterminated emphasis, quote and code
// markers so partial output renders sanely. Never applied to the final text.
func balanceMarkdown(text string) string {
	if strings.Count(text, "```")%2 != 0 {
		text += "\n```"
	}
	if strings.Count(strings.ReplaceAll(text, "```", ""), "*")%2 != 0 {
		text += "*"
	}
	if strings.Count(text, `"`)%2 != 0 {
		text += `"`
	}
	return text
}
