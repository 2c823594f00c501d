// Package instruct wraps chat turns in model-specific role-delimiter
// sequences instead of plain "Name: text" lines. All functions are pure
// string transforms.
package instruct

import "strings"

// Settings is one instruct-mode preset.
type Settings struct {
	Enabled          bool
	Wrap             bool
	IncludeNames     bool
	SystemPrompt     string
	SystemSequence   string
	InputSequence    string
	OutputSequence   string
	FirstOutputSequence string
	LastOutputSequence  string
	LastInputSequence   string
	SeparatorSequence string
	StopSequence      string
}

// SequenceVariant forces a positional variant of the role sequence.
type SequenceVariant int

const (
	VariantNone SequenceVariant = iota
	// VariantFirstOutput applies to the first assistant turn in the window.
	VariantFirstOutput
	// VariantLastInput applies to the final user turn before the response.
	VariantLastInput
	// VariantLastOutput applies to the assistant cue that ends the prompt.
	VariantLastOutput
)

// FormatTurn renders one chat turn. Outside instruct mode this is the plain
// "Name: text" line with a trailing newline.
func (s Settings) FormatTurn(name, text string, isUser bool, variant SequenceVariant) string {
	if !s.Enabled {
		return name + ": " + text + "\n"
	}

	sequence := s.OutputSequence
	if isUser {
		sequence = s.InputSequence
	}

	switch variant {
	case VariantFirstOutput:
		if s.FirstOutputSequence != "" {
			sequence = s.FirstOutputSequence
		}
	case VariantLastInput:
		if s.LastInputSequence != "" {
			sequence = s.LastInputSequence
		}
	case VariantLastOutput:
		if s.LastOutputSequence != "" {
			sequence = s.LastOutputSequence
		}
	}

	var b strings.Builder
	b.WriteString(sequence)
	if s.Wrap {
		b.WriteString("\n")
	}
	if s.IncludeNames {
		b.WriteString(name + ": ")
	}
	b.WriteString(text)
	if s.Wrap {
		b.WriteString("\n")
	}
	if s.SeparatorSequence != "" {
		b.WriteString(s.SeparatorSequence)
	}
	return b.String()
}

// ResponseCue renders the sequence that prompts the model to answer as the
// given character. Plain mode always cues with the name; in instruct mode the
// name rides on IncludeNames unless forceName overrides it.
func (s Settings) ResponseCue(name string, forceName bool) string {
	if !s.Enabled {
		return name + ":"
	}
	cue := s.OutputSequence
	if s.LastOutputSequence != "" {
		cue = s.LastOutputSequence
	}
	if s.Wrap {
		cue += "\n"
	}
	if forceName || s.IncludeNames {
		cue += name + ":"
	}
	return cue
}
