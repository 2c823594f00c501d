// Package events is the synchronous publish-subscribe bus for generation
// lifecycle notifications. Subscribers run inline on the emitting goroutine
// and may mutate "before/after" payloads in place; the emitter honors those
// mutations.
package events

import (
	"log"
	"sync"

	"fable-server/types"
)

type Name string

const (
	GenerationStarted       Name = "generation_started"
	GenerationAfterCommands Name = "generation_after_commands"
	BeforeCombinePrompts    Name = "before_combine_prompts"
	AfterCombinePrompts     Name = "after_combine_prompts"
	AfterDataBuilt          Name = "after_data_built"
	MessageReceived         Name = "message_received"
	MessageUpdated          Name = "message_updated"
	GenerationEnded         Name = "generation_ended"
	GenerationStopped       Name = "generation_stopped"
)

// GenerationStartedPayload accompanies GenerationStarted; it is observable
// even if the generation is later cancelled by a slash command.
type GenerationStartedPayload struct {
	Type   types.GenerationType
	DryRun bool
}

// CombinePromptsPayload accompanies BeforeCombinePrompts and
// AfterCombinePrompts. A subscriber that writes a non-empty Override wins
// over the assembled prompt.
type CombinePromptsPayload struct {
	Pieces   []string
	Prompt   string
	Override string
}

// MessagePayload accompanies MessageReceived and MessageUpdated.
type MessagePayload struct {
	Index int
}

// GenerationEndedPayload accompanies GenerationEnded.
type GenerationEndedPayload struct {
	MessageCount int
}

type Handler func(payload any)

type Bus struct {
	mu       sync.Mutex
	handlers map[Name][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: map[Name][]Handler{}}
}

func (b *Bus) On(name Name, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

func (b *Bus) Emit(name Name, payload any) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[name]))
	copy(handlers, b.handlers[name])
	b.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Recovered in %s event handler: %v\n", name, r)
				}
			}()
			handler(payload)
		}()
	}
}
