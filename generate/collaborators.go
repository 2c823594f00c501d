package generate

import (
	"context"

	"fable-server/types"
)

// WorldInfoResult is the rendered output of the world-info subsystem for one
// generation. Only the strings are consumed here; entry activation is an
// external concern.
type WorldInfoResult struct {
	Before            string
	After             string
	ExampleInjections []string
	DepthInjections   []DepthInjection
}

// DepthInjection positions one world-info entry inside the chat window.
type DepthInjection struct {
	Key   string
	Value string
	Depth int
	Role  types.InjectionRole
}

// WorldInfoProvider renders world-info text for the current chat window.
type WorldInfoProvider interface {
	WorldInfoPrompt(ctx context.Context, chatWindow []string, maxContext int, dryRun bool) (WorldInfoResult, error)
}

// SlashInterceptor inspects the send-box text before prompt assembly, for
// user-initiated sends only. Returning true consumes the input and aborts
// the orchestration without error.
type SlashInterceptor func(text string, genType types.GenerationType) bool

// ExtensionInterceptor runs after chat-history collection but before
// budget fitting. Returning true aborts the generation without error.
// Skipped for quiet and dry-run calls.
type ExtensionInterceptor func(messages []types.Message, genType types.GenerationType) bool

// GroupWrapper delegates a generation to the group-chat turn machinery. When
// a group is active, the orchestrator hands over and the rest of its state
// machine does not apply.
type GroupWrapper func(ctx context.Context, genType types.GenerationType) error

// StatusProber re-validates backend reachability before a generation. Probes
// use their own short-lived controller so switching backends mid-check never
// leaves a stale check corrupting displayed status.
type StatusProber interface {
	Probe(ctx context.Context) error
}
