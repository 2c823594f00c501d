package assembly

import (
	"context"
	"strings"
	"testing"

	"fable-server/injection"
	"fable-server/types"
)

// charCounter counts one token per byte so the budget arithmetic in these
// tests is exact.
type charCounter struct{}

func (charCounter) Count(_ context.Context, text string, padding int) (int, error) {
	return len(text) + padding, nil
}

func fitOpts() Options {
	opts := plainOpts()
	opts.CustomChatSeparator = "SEP"
	return opts
}

func newFitAssembler() *Assembler {
	return NewAssembler(charCounter{}, injection.NewTable())
}

// With the byte counter the formatted lines cost:
//
//	"Alice: one\n"   11
//	"Sera: two\n"    10
//	"Alice: three\n" 13
//
// and the fixed frame ("SEP\n" + "Sera:") costs 9.
func TestAssembleKeepsNewestUnderBudget(t *testing.T) {
	a := newFitAssembler()

	prompt, err := a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 35, fitOpts())
	if err != nil {
		t.Fatal(err)
	}

	want := "SEP\nSera: two\nAlice: three\nSera:"
	if prompt.Text != want {
		t.Errorf("prompt = %q, want %q", prompt.Text, want)
	}
	if prompt.InContextCount != 2 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
	if prompt.TokenCount != 32 {
		t.Errorf("TokenCount = %d", prompt.TokenCount)
	}
	if prompt.Itemization.ChatIncluded != 2 || prompt.Itemization.Budget != 35 {
		t.Errorf("itemization = %+v", prompt.Itemization)
	}
}

func TestAssembleInterleavesDepthInjection(t *testing.T) {
	a := newFitAssembler()
	a.Injections.Set("note", "[Author note]", types.InjectInChat, 1, false, types.InjectionRoleSystem)

	prompt, err := a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 100, fitOpts())
	if err != nil {
		t.Fatal(err)
	}

	// depth counts back from the newest line, so the fragment lands between
	// the last two messages
	if !strings.Contains(prompt.Text, "Sera: two\n\n[Author note]\nAlice: three\n") {
		t.Errorf("injection misplaced in %q", prompt.Text)
	}
	if prompt.InContextCount != 3 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
}

func TestAssembleSkipsInjectionThatDoesNotFit(t *testing.T) {
	a := newFitAssembler()
	a.Injections.Set("note", strings.Repeat("x", 60), types.InjectInChat, 1, false, types.InjectionRoleSystem)

	prompt, err := a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 45, fitOpts())
	if err != nil {
		t.Fatal(err)
	}

	// the fragment is skipped; no chat history is evicted to make room
	if strings.Contains(prompt.Text, "xxx") {
		t.Errorf("oversized injection included: %q", prompt.Text)
	}
	if prompt.InContextCount != 3 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
}

func TestAssembleBeyondWindowInjectionRidesOldestLine(t *testing.T) {
	a := newFitAssembler()
	a.Injections.Set("lore", "[deep lore]", types.InjectInChat, 5, false, types.InjectionRoleSystem)

	prompt, err := a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 200, fitOpts())
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(prompt.Text, "[deep lore]\nAlice: one\n") {
		t.Errorf("beyond-window fragment not prepended: %q", prompt.Text)
	}
}

func TestAssembleZeroDepthAnchorEndsPrompt(t *testing.T) {
	a := newFitAssembler()
	a.Injections.Set("anchor", "stay in character", types.InjectInChat, 0, false, types.InjectionRoleSystem)

	prompt, err := a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 200, fitOpts())
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(prompt.Text, "Sera: stay in character ") {
		t.Errorf("zero-depth anchor misplaced: %q", prompt.Text)
	}
}

func TestAssembleAlignmentMessage(t *testing.T) {
	history := []types.Message{
		{Name: "Alice", IsUser: true, Text: "one"},
		{Name: "Sera", Text: "two"},
	}

	opts := fitOpts()
	opts.AlignmentMessage = "[{{char}} continues]"

	a := newFitAssembler()
	prompt, err := a.Assemble(context.Background(), history, CharacterFields{}, 200, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt.Text, "SEP\n[Sera continues]\nAlice: one\n") {
		t.Errorf("alignment missing or misplaced: %q", prompt.Text)
	}

	// a window ending on a user turn needs no alignment
	prompt, err = a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 200, opts)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(prompt.Text, "[Sera continues]") {
		t.Errorf("alignment added after a user turn: %q", prompt.Text)
	}
}

func TestAssembleShrinkDropsExamplesBeforeChat(t *testing.T) {
	history := []types.Message{
		{Name: "Alice", IsUser: true, Text: "one"},
		{Name: "Sera", Text: "two"},
	}
	fields := CharacterFields{ExampleDialogue: "<START>\nAlice: hi\nSera: hey"}

	opts := fitOpts()
	opts.AlignmentMessage = "[{{char}} continues]"
	opts.PinExamples = true

	// the alignment line is added after the window fit, pushing the total
	// over; the example block goes first, the chat stays whole
	a := newFitAssembler()
	prompt, err := a.Assemble(context.Background(), history, fields, 50, opts)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(prompt.Text, "Alice: hi") {
		t.Errorf("example block survived the shrink: %q", prompt.Text)
	}
	if prompt.InContextCount != 2 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
	if prompt.Itemization.ExamplesIncluded != 0 {
		t.Errorf("ExamplesIncluded = %d", prompt.Itemization.ExamplesIncluded)
	}
}

func TestAssembleShrinkDropsOldestLines(t *testing.T) {
	history := []types.Message{
		{Name: "Alice", IsUser: true, Text: "one"},
		{Name: "Sera", Text: "two"},
	}

	opts := fitOpts()
	opts.AlignmentMessage = "[{{char}} continues]"

	a := newFitAssembler()
	prompt, err := a.Assemble(context.Background(), history, CharacterFields{}, 45, opts)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(prompt.Text, "Alice: one") {
		t.Errorf("oldest line survived the shrink: %q", prompt.Text)
	}
	if !strings.Contains(prompt.Text, "Sera: two") {
		t.Errorf("newest line evicted: %q", prompt.Text)
	}
	if prompt.InContextCount != 1 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
}

func TestAssembleShrinkSkipsDepthInjections(t *testing.T) {
	history := []types.Message{
		{Name: "Alice", IsUser: true, Text: "one"},
		{Name: "Sera", Text: "two"},
	}

	opts := fitOpts()
	opts.AlignmentMessage = "[{{char}} continues]"

	a := newFitAssembler()
	a.Injections.Set("lore", "[deep lore]", types.InjectInChat, 9, false, types.InjectionRoleSystem)

	prompt, err := a.Assemble(context.Background(), history, CharacterFields{}, 50, opts)
	if err != nil {
		t.Fatal(err)
	}

	// the oldest chat line goes; the depth fragment stays put
	if strings.Contains(prompt.Text, "Alice: one") {
		t.Errorf("oldest line survived the shrink: %q", prompt.Text)
	}
	if !strings.Contains(prompt.Text, "[deep lore]") {
		t.Errorf("depth fragment evicted: %q", prompt.Text)
	}
	if !strings.Contains(prompt.Text, "Sera: two") {
		t.Errorf("newest line evicted: %q", prompt.Text)
	}
	if prompt.InContextCount != 1 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
}

func TestAssembleExampleFitIgnoresTail(t *testing.T) {
	fields := CharacterFields{ExampleDialogue: "<START>\nAlice: hi\nSera: hey"}

	opts := fitOpts()
	opts.JailbreakText = "[Always stay wholesome]"

	// without the tail the example block fits: window 34 + frame 9 + block 24
	// stays under 70, and the exempt tail overflows on top as usual
	a := newFitAssembler()
	prompt, err := a.Assemble(context.Background(), chatHistory(), fields, 70, opts)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(prompt.Text, "Alice: hi") {
		t.Errorf("example block missing: %q", prompt.Text)
	}
	if prompt.Itemization.ExamplesIncluded != 1 {
		t.Errorf("ExamplesIncluded = %d", prompt.Itemization.ExamplesIncluded)
	}
	if !strings.Contains(prompt.Text, "Alice: [Always stay wholesome]\n") {
		t.Errorf("jailbreak missing: %q", prompt.Text)
	}
	if prompt.InContextCount != 3 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
}

func TestAssembleTailIsExemptFromEviction(t *testing.T) {
	opts := fitOpts()
	opts.JailbreakText = "[Always stay wholesome]"
	opts.PromptBias = "*smiles*"

	a := newFitAssembler()
	prompt, err := a.Assemble(context.Background(), chatHistory(), CharacterFields{}, 40, opts)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(prompt.Text, "Alice: [Always stay wholesome]\n") {
		t.Errorf("jailbreak missing: %q", prompt.Text)
	}
	if !strings.Contains(prompt.Text, "*smiles*\n") {
		t.Errorf("bias missing: %q", prompt.Text)
	}
	// the tail may leave the final size over budget; the window itself still
	// respects the limit
	if prompt.TokenCount <= 40 {
		t.Errorf("TokenCount = %d, expected accepted overflow", prompt.TokenCount)
	}
	if prompt.InContextCount != 2 {
		t.Errorf("InContextCount = %d", prompt.InContextCount)
	}
}

func TestAssembleEmptyHistory(t *testing.T) {
	a := newFitAssembler()
	prompt, err := a.Assemble(context.Background(), nil, CharacterFields{}, 100, fitOpts())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(prompt.Text, "Sera:") {
		t.Errorf("prompt = %q", prompt.Text)
	}
}
