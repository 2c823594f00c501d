package types

// InjectionPosition says where an injected fragment lands in the assembled
// prompt.
type InjectionPosition int

const (
	// InjectBeforePrompt places the fragment before the story string.
	InjectBeforePrompt InjectionPosition = iota
	// InjectInPrompt places the fragment after the story string.
	InjectInPrompt
	// InjectInChat places the fragment between chat lines at a depth counted
	// from the tail (0 = immediately before the most recent line).
	InjectInChat
)

type InjectionRole int

const (
	InjectionRoleSystem InjectionRole = iota
	InjectionRoleUser
	InjectionRoleAssistant
)

// InjectionSlot is a named, positioned prompt fragment contributed by an
// external collaborator (world info, author's note, persona, extensions) or
// by the core itself.
type InjectionSlot struct {
	Key      string
	Value    string
	Position InjectionPosition
	Depth    int
	Scan     bool
	Role     InjectionRole
}
