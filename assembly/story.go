package assembly

import (
	"strings"

	"fable-server/macros"
	"fable-server/types"
)

// buildStoryString renders the character's description/personality/scenario
// and the system prompt template into the block that leads the prompt.
func buildStoryString(fields CharacterFields, opts Options) string {
	sub := func(s string) string {
		return strings.TrimSpace(macros.Substitute(s, opts.UserName, opts.CharName))
	}

	var b strings.Builder

	if opts.Instruct.Enabled && opts.Instruct.SystemPrompt != "" {
		b.WriteString(sub(opts.Instruct.SystemPrompt) + "\n")
	} else if fields.SystemPrompt != "" {
		b.WriteString(sub(fields.SystemPrompt) + "\n")
	}

	if description := sub(fields.Description); description != "" {
		b.WriteString(description + "\n")
	}

	if personality := sub(fields.Personality); personality != "" {
		if !opts.DisablePersonalityFormatting {
			personality = opts.CharName + "'s personality: " + personality
		}
		b.WriteString(personality + "\n")
	}

	if scenario := sub(fields.Scenario); scenario != "" {
		if !opts.DisableScenarioFormatting {
			scenario = "Circumstances and context of the dialogue: " + scenario
		}
		b.WriteString(scenario + "\n")
	}

	return b.String()
}

// finalLine renders the prompt tail: the quiet prompt, the impersonation cue,
// or the responding character's name cue, whichever applies.
func finalLine(opts Options, suppressNameCue bool) string {
	if opts.QuietPrompt != "" {
		return macros.Substitute(opts.QuietPrompt, opts.UserName, opts.CharName) + "\n"
	}

	if opts.Type == types.GenImpersonate {
		return opts.Instruct.ResponseCue(opts.UserName, true)
	}

	if opts.Type == types.GenContinue {
		// the model picks up mid-message; no cue at all
		return ""
	}

	if suppressNameCue {
		return ""
	}

	return opts.Instruct.ResponseCue(opts.CharName, opts.ForceCharName)
}
