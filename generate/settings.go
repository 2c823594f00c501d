package generate

import (
	"fable-server/assembly"
	"fable-server/instruct"
	"fable-server/provider"
)

// Settings is the per-chat configuration the orchestrator reads on every
// call. Handlers swap it wholesale when the user changes character, backend
// or formatting options; one Generate call never sees a partial update.
type Settings struct {
	UserName string
	CharName string

	Provider provider.Id
	Params   provider.GenerationParams

	Character assembly.CharacterFields
	Instruct  instruct.Settings

	NamesAsStopStrings    bool
	SingleLineMode        bool
	CustomStoppingStrings []string

	// GroupMembers are the enabled members of the active group, empty for a
	// one-on-one chat.
	GroupMembers []string

	PinExamples         bool
	CustomChatSeparator string
	CollapseNewlines    bool

	DisableDescriptionFormatting bool
	DisablePersonalityFormatting bool
	DisableScenarioFormatting    bool

	AlignmentMessage string
	JailbreakText    string
	TokenPadding     int

	Transform assembly.RegexTransform

	AutoContinue AutoContinue
}

// AutoContinue configures the programmatic continuation pass that runs after
// a completion finishes short of the target length.
type AutoContinue struct {
	Enabled bool

	// TargetTokens is the total size the finished message should reach.
	// Continuation passes repeat until the message crosses it or a pass
	// produces nothing new.
	TargetTokens int
}
