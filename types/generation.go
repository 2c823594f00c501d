package types

// GenerationType distinguishes the flows through the orchestrator. Most of
// them share the same pipeline but differ in how the chat tail is treated.
type GenerationType string

const (
	GenNormal      GenerationType = "normal"
	GenContinue    GenerationType = "continue"
	GenSwipe       GenerationType = "swipe"
	GenRegenerate  GenerationType = "regenerate"
	GenImpersonate GenerationType = "impersonate"
	GenQuiet       GenerationType = "quiet"
)

// IsQuiet reports whether this is a background utility generation that must
// not touch the visible chat tail.
func (t GenerationType) IsQuiet() bool {
	return t == GenQuiet
}

// KeepsTail reports whether the flow extends or replaces the current tail
// message instead of appending a new one.
func (t GenerationType) KeepsTail() bool {
	return t == GenContinue || t == GenSwipe || t == GenRegenerate
}

// LogprobRecord is one generated token with its candidate alternatives, as
// reported by providers that expose per-token log-probabilities.
type LogprobRecord struct {
	Token      string             `json:"token"`
	Candidates map[string]float64 `json:"candidates,omitempty"`
}

// StreamChunk is one increment of a streaming generation. Text is the
// cumulative output so far, not a delta.
type StreamChunk struct {
	Text     string          `json:"text"`
	Swipes   []string        `json:"swipes,omitempty"`
	Logprobs []LogprobRecord `json:"logprobs,omitempty"`
}
