package instruct

import "testing"

func TestFormatTurnPlain(t *testing.T) {
	s := Settings{}
	got := s.FormatTurn("Alice", "hello", true, VariantNone)
	if got != "Alice: hello\n" {
		t.Errorf("FormatTurn() = %q", got)
	}
}

func TestFormatTurnInstruct(t *testing.T) {
	s := Settings{
		Enabled:             true,
		Wrap:                true,
		IncludeNames:        true,
		InputSequence:       "### Instruction:",
		OutputSequence:      "### Response:",
		FirstOutputSequence: "### First Response:",
		LastInputSequence:   "### Final Instruction:",
	}

	tests := []struct {
		name    string
		isUser  bool
		variant SequenceVariant
		want    string
	}{
		{
			name:    "user turn",
			isUser:  true,
			variant: VariantNone,
			want:    "### Instruction:\nAlice: hi\n",
		},
		{
			name:    "assistant turn",
			isUser:  false,
			variant: VariantNone,
			want:    "### Response:\nAlice: hi\n",
		},
		{
			name:    "first output variant",
			isUser:  false,
			variant: VariantFirstOutput,
			want:    "### First Response:\nAlice: hi\n",
		},
		{
			name:    "last input variant",
			isUser:  true,
			variant: VariantLastInput,
			want:    "### Final Instruction:\nAlice: hi\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.FormatTurn("Alice", "hi", tt.isUser, tt.variant)
			if got != tt.want {
				t.Errorf("FormatTurn() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatTurnVariantFallback(t *testing.T) {
	// an unset variant sequence falls back to the plain role sequence
	s := Settings{
		Enabled:        true,
		InputSequence:  "<|user|>",
		OutputSequence: "<|model|>",
	}
	got := s.FormatTurn("Seraphina", "hey", false, VariantFirstOutput)
	if got != "<|model|>hey" {
		t.Errorf("FormatTurn() = %q", got)
	}
}

func TestResponseCue(t *testing.T) {
	plain := Settings{}
	if got := plain.ResponseCue("Seraphina", false); got != "Seraphina:" {
		t.Errorf("plain ResponseCue() = %q", got)
	}

	instruct := Settings{
		Enabled:        true,
		Wrap:           true,
		OutputSequence: "### Response:",
	}
	if got := instruct.ResponseCue("Seraphina", false); got != "### Response:\n" {
		t.Errorf("instruct ResponseCue() = %q", got)
	}
	if got := instruct.ResponseCue("Seraphina", true); got != "### Response:\nSeraphina:" {
		t.Errorf("forced ResponseCue() = %q", got)
	}

	lastOutput := Settings{
		Enabled:            true,
		OutputSequence:     "### Response:",
		LastOutputSequence: "### Final Response:",
	}
	if got := lastOutput.ResponseCue("Seraphina", false); got != "### Final Response:" {
		t.Errorf("last output ResponseCue() = %q", got)
	}
}
