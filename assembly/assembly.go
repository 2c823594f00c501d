// Package assembly builds the final prompt for one generation: story
// metadata, world-info injections, example dialogues, the fitted chat window
// with depth-indexed injections interleaved, and the continuation tail, all
// trimmed to the provider's token budget.
package assembly

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"fable-server/injection"
	"fable-server/instruct"
	"fable-server/macros"
	"fable-server/tokens"
	"fable-server/types"
)

// CharacterFields are the raw story fields of the responding character.
type CharacterFields struct {
	Description     string
	Personality     string
	Scenario        string
	SystemPrompt    string
	ExampleDialogue string
}

// RegexTransform is the external formatting collaborator applied to every
// retained message before it is formatted into a prompt line.
type RegexTransform func(text string) string

// Options carries everything that varies per generation call.
type Options struct {
	Type          types.GenerationType
	UserName      string
	CharName      string
	ForceCharName bool

	Instruct instruct.Settings

	PinExamples         bool
	CustomChatSeparator string
	CollapseNewlines    bool

	DisableDescriptionFormatting bool
	DisablePersonalityFormatting bool
	DisableScenarioFormatting    bool

	// AlignmentMessage is prepended when the fitted window doesn't end on a
	// user turn, so instruct models keep role alternation.
	AlignmentMessage string

	// JailbreakText is appended as a trailing synthetic user turn after
	// budget fitting. It is never evicted and may push the final size over
	// budget; that overflow is accepted.
	JailbreakText string

	QuietPrompt string
	PromptBias  string

	// PromptCache is the one-shot continuation tail carried over from the
	// text already generated for this turn.
	PromptCache string

	WorldInfoBefore string
	WorldInfoAfter  string

	Transform RegexTransform

	// TokenPadding is a safety margin added to every count, covering join
	// characters the per-piece estimates can't see.
	TokenPadding int
}

// AssembledPrompt is the budget-fitted result of one assembler run. Either
// Text (text-completion providers) or ChatMessages (chat-completion
// providers) is populated, never both.
type AssembledPrompt struct {
	Text           string
	ChatMessages   []openai.ChatCompletionMessage
	TokenCount     int
	InContextCount int
	Itemization    Itemization
}

// Itemization is a diagnostic snapshot of how the budget was spent.
type Itemization struct {
	Budget           int
	StoryTokens      int
	ExampleTokens    int
	ChatTokens       int
	TailTokens       int
	TotalTokens      int
	ExamplesIncluded int
	ChatIncluded     int
}

type Assembler struct {
	Counter    tokens.Counter
	Injections *injection.Table
}

func NewAssembler(counter tokens.Counter, injections *injection.Table) *Assembler {
	return &Assembler{Counter: counter, Injections: injections}
}

func (a *Assembler) count(ctx context.Context, text string, padding int) (int, error) {
	return a.Counter.Count(ctx, text, padding)
}

// formatted is one chat line after macro substitution, regex transform and
// instruct formatting, ordered oldest-first.
type formatted struct {
	text   string
	isUser bool
}

// formatHistory runs steps 1-2: filter system messages, drop the tail on a
// swipe regeneration, and format each retained message into a prompt line.
func formatHistory(history []types.Message, opts Options) []formatted {
	retained := make([]types.Message, 0, len(history))
	for _, msg := range history {
		if msg.IsSystem {
			continue
		}
		retained = append(retained, msg)
	}

	if (opts.Type == types.GenSwipe || opts.Type == types.GenRegenerate) && len(retained) > 0 {
		retained = retained[:len(retained)-1]
	}

	lastUserIdx := -1
	firstAssistantIdx := -1
	for i, msg := range retained {
		if msg.IsUser {
			lastUserIdx = i
		} else if firstAssistantIdx == -1 {
			firstAssistantIdx = i
		}
	}

	lines := make([]formatted, 0, len(retained))
	for i, msg := range retained {
		text := msg.Text
		if opts.Transform != nil {
			text = opts.Transform(text)
		}
		text = macros.Substitute(text, opts.UserName, opts.CharName)
		text = macros.StripBias(text)

		name := opts.CharName
		if msg.IsUser {
			name = opts.UserName
		} else if msg.Name != "" {
			name = msg.Name
		}

		variant := instruct.VariantNone
		if i == firstAssistantIdx {
			variant = instruct.VariantFirstOutput
		}
		if i == lastUserIdx && i == len(retained)-1 {
			variant = instruct.VariantLastInput
		}

		lines = append(lines, formatted{
			text:   opts.Instruct.FormatTurn(name, text, msg.IsUser, variant),
			isUser: msg.IsUser,
		})
	}

	// a fresh chat still needs a valid non-empty buffer so downstream
	// indexing doesn't fail
	if len(lines) == 0 {
		lines = append(lines, formatted{text: ""})
	}

	return lines
}

// parseExamples splits the raw example dialogue into separator-delimited
// blocks, most recently configured first.
func parseExamples(raw string, opts Options) []string {
	raw = strings.TrimSpace(macros.Substitute(raw, opts.UserName, opts.CharName))
	if raw == "" {
		return nil
	}
	if !strings.HasPrefix(raw, "<START>") {
		raw = "<START>\n" + raw
	}
	if strings.TrimSpace(strings.ReplaceAll(raw, "<START>", "")) == "" {
		return nil
	}

	separator := "This is how " + opts.CharName + " should talk"
	if opts.CustomChatSeparator != "" {
		separator = opts.CustomChatSeparator
	}

	parts := strings.Split(raw, "<START>")
	blocks := make([]string, 0, len(parts))
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		blocks = append(blocks, separator+"\n"+part+"\n")
	}
	return blocks
}
