// Package provider abstracts the generation backends. Each backend family
// implements Adapter; the orchestrator selects one per call through the
// registry instead of branching on provider names.
package provider

import (
	"fable-server/assembly"
	"fable-server/types"
)

type Id string

const (
	ProviderKobold  Id = "kobold"
	ProviderTextGen Id = "textgen"
	ProviderNovel   Id = "novel"
	ProviderOpenAI  Id = "openai"
	ProviderHorde   Id = "horde"
	ProviderPoe     Id = "poe"
)

// Mode distinguishes background utility calls, which may disable streaming
// and bias, from normal foreground calls.
type Mode int

const (
	ModeNormal Mode = iota
	ModeQuiet
)

// GenerationParams are the sampling and sizing knobs shared across backends.
// Adapters ignore what their backend doesn't support.
type GenerationParams struct {
	Model             string
	MaxContextLength  int
	ResponseLength    int
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	StoppingStrings   []string
	SingleLine        bool
	Streaming         bool

	// NumCompletions asks for extra full completions to store as swipe
	// candidates. Excluded entirely for continue/impersonate/quiet calls.
	NumCompletions int

	Logprobs bool
}

// Request is a provider-specific HTTP request, ready for the dispatcher.
type Request struct {
	Url       string
	Body      any
	Headers   map[string]string
	Streaming bool
}

// Adapter translates between the assembled prompt and one backend family's
// wire shapes.
type Adapter interface {
	Id() Id

	// ChatCompletion reports whether this backend consumes a role-tagged
	// message list instead of a single prompt string.
	ChatCompletion() bool

	// MaxContext computes the token budget available for the prompt given
	// the reserved response length. The formula is provider-specific.
	MaxContext(reservedResponseTokens int) int

	BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error)

	// ExtractText pulls the generated text out of a buffered response body.
	// A structured error in the body surfaces as *types.GenError.
	ExtractText(body []byte) (string, error)

	// ExtractTitle reports worker/model identity where the backend exposes
	// it (crowdsourced compute), "" otherwise.
	ExtractTitle(body []byte) string

	// ExtractAlternates surfaces extra completion candidates, if any.
	ExtractAlternates(body []byte) []string

	ExtractLogprobs(body []byte) []types.LogprobRecord

	// ExtractStreamDelta parses one streaming event into a text delta plus
	// any extras. The dispatcher accumulates deltas into cumulative chunks.
	ExtractStreamDelta(data []byte) (string, []types.LogprobRecord, error)
}

// Registry maps provider ids to adapters. Selection happens once per
// generation call.
type Registry struct {
	adapters map[Id]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[Id]Adapter{}}
}

func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Id()] = adapter
}

func (r *Registry) Get(id Id) (Adapter, bool) {
	adapter, ok := r.adapters[id]
	return adapter, ok
}
