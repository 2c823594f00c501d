package stopping

import (
	"reflect"
	"testing"

	"fable-server/instruct"
)

func TestCompute(t *testing.T) {
	base := Policy{
		UserName:           "Alice",
		CharName:           "Seraphina",
		NamesAsStopStrings: true,
	}

	tests := []struct {
		name          string
		policy        Policy
		isImpersonate bool
		isContinue    bool
		want          []string
	}{
		{
			name:   "normal chat",
			policy: base,
			want:   []string{"\nAlice:"},
		},
		{
			name:          "impersonation stops at character form",
			policy:        base,
			isImpersonate: true,
			want:          []string{"\nSeraphina:", "\nAlice:"},
		},
		{
			name: "continue on user tail adds character form",
			policy: func() Policy {
				p := base
				p.LastTurnWasUser = true
				return p
			}(),
			isContinue: true,
			want:       []string{"\nAlice:", "\nSeraphina:"},
		},
		{
			name: "continue on assistant tail does not",
			policy: func() Policy {
				p := base
				p.LastTurnWasUser = false
				return p
			}(),
			isContinue: true,
			want:       []string{"\nAlice:"},
		},
		{
			name: "single line mode comes first",
			policy: func() Policy {
				p := base
				p.SingleLineMode = true
				return p
			}(),
			want: []string{"\n", "\nAlice:"},
		},
		{
			name: "group members except responder",
			policy: func() Policy {
				p := base
				p.GroupMembers = []string{"Seraphina", "Marcus", ""}
				p.Responder = "Seraphina"
				return p
			}(),
			want: []string{"\nAlice:", "\nMarcus:"},
		},
		{
			name: "custom strings last",
			policy: func() Policy {
				p := base
				p.CustomStrings = []string{"</s>", "\nAlice:"}
				return p
			}(),
			want: []string{"\nAlice:", "</s>"},
		},
		{
			name: "instruct sequences substituted and trimmed",
			policy: func() Policy {
				p := base
				p.Instruct = instruct.Settings{
					Enabled:       true,
					StopSequence:  " </chat> ",
					InputSequence: "### {{user}}:",
				}
				return p
			}(),
			want: []string{"\nAlice:", "</chat>", "### Alice:"},
		},
		{
			name: "names disabled",
			policy: Policy{
				UserName: "Alice",
				CharName: "Seraphina",
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Compute(tt.isImpersonate, tt.isContinue)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Compute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComputeDedupePreservesFirstOccurrence(t *testing.T) {
	p := Policy{
		UserName:           "Alice",
		CharName:           "Alice", // same form for both sides
		NamesAsStopStrings: true,
		CustomStrings:      []string{"\nAlice:", "stop"},
	}
	got := p.Compute(true, false)
	want := []string{"\nAlice:", "stop"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Compute() = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		stops []string
		want  string
	}{
		{
			name:  "earliest occurrence wins",
			text:  "hello there\nAlice: hi\nSeraphina: yo",
			stops: []string{"\nSeraphina:", "\nAlice:"},
			want:  "hello there",
		},
		{
			name:  "no stop present",
			text:  "clean output",
			stops: []string{"\nAlice:"},
			want:  "clean output",
		},
		{
			name:  "idempotent on clean text",
			text:  "already truncated",
			stops: []string{"\nAlice:"},
			want:  "already truncated",
		},
		{
			name:  "stop at start empties the text",
			text:  "\nAlice: hi",
			stops: []string{"\nAlice:"},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.text, tt.stops)
			if got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
			// applying again must be a no-op
			if again := Truncate(got, tt.stops); again != got {
				t.Errorf("Truncate() not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestTrimPartialTail(t *testing.T) {
	stops := []string{"\nAlice:"}

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "partial stop at tail removed",
			text: "she smiles\nAli",
			want: "she smiles",
		},
		{
			name: "single newline tail removed",
			text: "she smiles\n",
			want: "she smiles",
		},
		{
			name: "no partial tail",
			text: "she smiles",
			want: "she smiles",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrimPartialTail(tt.text, stops)
			if got != tt.want {
				t.Errorf("TrimPartialTail() = %q, want %q", got, tt.want)
			}
		})
	}
}
