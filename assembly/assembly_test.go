package assembly

import (
	"strings"
	"testing"

	"fable-server/instruct"
	"fable-server/types"
)

func plainOpts() Options {
	return Options{
		Type:     types.GenNormal,
		UserName: "Alice",
		CharName: "Sera",
	}
}

func chatHistory() []types.Message {
	return []types.Message{
		{Name: "Alice", IsUser: true, Text: "one"},
		{Name: "Sera", Text: "two"},
		{Name: "Alice", IsUser: true, Text: "three"},
	}
}

func TestFormatHistoryFiltersSystemMessages(t *testing.T) {
	history := []types.Message{
		{Name: "Alice", IsUser: true, Text: "hello"},
		{Name: "system", IsSystem: true, Text: "narrator note"},
		{Name: "Sera", Text: "hi there"},
	}

	lines := formatHistory(history, plainOpts())
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	for _, line := range lines {
		if strings.Contains(line.text, "narrator note") {
			t.Errorf("system message leaked into %q", line.text)
		}
	}
}

func TestFormatHistoryDropsTailForRegeneration(t *testing.T) {
	for _, genType := range []types.GenerationType{types.GenSwipe, types.GenRegenerate} {
		opts := plainOpts()
		opts.Type = genType

		lines := formatHistory(chatHistory(), opts)
		if len(lines) != 2 {
			t.Fatalf("%s: got %d lines", genType, len(lines))
		}
		if strings.Contains(lines[len(lines)-1].text, "three") {
			t.Errorf("%s: tail message survived: %q", genType, lines[len(lines)-1].text)
		}
	}
}

func TestFormatHistoryEmptyChatGetsPlaceholder(t *testing.T) {
	lines := formatHistory(nil, plainOpts())
	if len(lines) != 1 || lines[0].text != "" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestFormatHistoryInstructVariants(t *testing.T) {
	opts := plainOpts()
	opts.Instruct = instruct.Settings{
		Enabled:             true,
		InputSequence:       "<|in|>",
		OutputSequence:      "<|out|>",
		FirstOutputSequence: "<|first|>",
	}

	lines := formatHistory(chatHistory(), opts)
	if len(lines) != 3 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0].text != "<|in|>one" {
		t.Errorf("user line = %q", lines[0].text)
	}
	if lines[1].text != "<|first|>two" {
		t.Errorf("first assistant line = %q", lines[1].text)
	}
	// no LastInputSequence configured, so the final user turn falls back
	if lines[2].text != "<|in|>three" {
		t.Errorf("last user line = %q", lines[2].text)
	}
}

func TestParseExamples(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		opts Options
		want []string
	}{
		{
			name: "empty",
			raw:  "",
			opts: plainOpts(),
			want: nil,
		},
		{
			name: "only start markers",
			raw:  "<START>\n<START>",
			opts: plainOpts(),
			want: nil,
		},
		{
			name: "missing start marker gets one",
			raw:  "Alice: hi\nSera: hey",
			opts: plainOpts(),
			want: []string{"This is how Sera should talk\nAlice: hi\nSera: hey\n"},
		},
		{
			name: "custom separator",
			raw:  "<START>\nAlice: hi",
			opts: func() Options {
				o := plainOpts()
				o.CustomChatSeparator = "[Example Chat]"
				return o
			}(),
			want: []string{"[Example Chat]\nAlice: hi\n"},
		},
		{
			name: "multiple blocks keep order",
			raw:  "<START>\nfirst block\n<START>\nsecond block",
			opts: plainOpts(),
			want: []string{
				"This is how Sera should talk\nfirst block\n",
				"This is how Sera should talk\nsecond block\n",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseExamples(tt.raw, tt.opts)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d blocks, want %d: %q", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("block %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildStoryString(t *testing.T) {
	fields := CharacterFields{
		SystemPrompt: "Write as {{char}}.",
		Description:  "A silver dragon.",
		Personality:  "curious",
		Scenario:     "a cave at dusk",
	}

	got := buildStoryString(fields, plainOpts())
	want := "Write as Sera.\n" +
		"A silver dragon.\n" +
		"Sera's personality: curious\n" +
		"Circumstances and context of the dialogue: a cave at dusk\n"
	if got != want {
		t.Errorf("story string = %q, want %q", got, want)
	}
}

func TestBuildStoryStringRawFlags(t *testing.T) {
	opts := plainOpts()
	opts.DisablePersonalityFormatting = true
	opts.DisableScenarioFormatting = true

	got := buildStoryString(CharacterFields{Personality: "curious", Scenario: "a cave"}, opts)
	if got != "curious\na cave\n" {
		t.Errorf("story string = %q", got)
	}
}

func TestBuildStoryStringInstructSystemPromptWins(t *testing.T) {
	opts := plainOpts()
	opts.Instruct = instruct.Settings{Enabled: true, SystemPrompt: "You are {{char}}."}

	got := buildStoryString(CharacterFields{SystemPrompt: "ignored"}, opts)
	if !strings.HasPrefix(got, "You are Sera.\n") {
		t.Errorf("story string = %q", got)
	}
	if strings.Contains(got, "ignored") {
		t.Errorf("character system prompt not overridden: %q", got)
	}
}

func TestFinalLine(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Options)
		suppress bool
		want     string
	}{
		{
			name:   "default name cue",
			mutate: func(o *Options) {},
			want:   "Sera:",
		},
		{
			name:   "quiet prompt wins",
			mutate: func(o *Options) { o.QuietPrompt = "Summarize for {{user}}." },
			want:   "Summarize for Alice.\n",
		},
		{
			name:   "impersonation cues the user",
			mutate: func(o *Options) { o.Type = types.GenImpersonate },
			want:   "Alice:",
		},
		{
			name:   "continue has no cue",
			mutate: func(o *Options) { o.Type = types.GenContinue },
			want:   "",
		},
		{
			name:     "suppressed cue",
			mutate:   func(o *Options) {},
			suppress: true,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := plainOpts()
			tt.mutate(&opts)
			if got := finalLine(opts, tt.suppress); got != tt.want {
				t.Errorf("finalLine() = %q, want %q", got, tt.want)
			}
		})
	}
}
