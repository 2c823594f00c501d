package generate

import (
	"log"

	"fable-server/events"
	"fable-server/types"
)

// ActiveSession returns the in-flight foreground session for this chat, if
// any. Quiet generations are never exposed here.
func (o *Orchestrator) ActiveSession() (*types.ActiveGeneration, bool) {
	return o.active.GetOk(o.Store.ChatId())
}

// Stop aborts the in-flight foreground generation. Partial text already
// written stays in the chat; observers are notified through the reconciler's
// stop settling inside the generation loop. Returns false when nothing was
// running.
func (o *Orchestrator) Stop() bool {
	session, ok := o.active.GetOk(o.Store.ChatId())
	if !ok {
		return false
	}
	log.Printf("Stopping generation %s for chat %s\n", session.Id, session.ChatId)
	session.CancelModelFn()
	session.CancelFn()
	return true
}

// NumActive reports in-flight foreground sessions across the registry.
func (o *Orchestrator) NumActive() int {
	return o.active.Len()
}

// emitStopped is shared by the abort paths that settle without a reconciler.
func (o *Orchestrator) emitStopped() {
	o.Bus.Emit(events.GenerationStopped, events.GenerationEndedPayload{MessageCount: o.Store.Len()})
}
