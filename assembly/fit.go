package assembly

import (
	"context"
	"strings"

	"fable-server/injection"
	"fable-server/instruct"
	"fable-server/macros"
	"fable-server/types"
)

// assemblyContext threads the intermediate state of one assembler run through
// the fitting steps. Each step returns an updated value rather than mutating
// shared locals, so the budget-fitting loop is independently testable.
type assemblyContext struct {
	budget int

	preamble  string
	separator string

	lines      []formatted // all formatted chat lines, oldest-first
	injections map[int]string

	window         []windowPiece // fitted window, oldest-first, injections interleaved
	windowLines    int           // chat lines retained in window (excludes injections)
	windowEndsUser bool

	examples      []string // candidate example blocks
	examplesTaken int

	alignment string
	tail      string // jailbreak + cache + bias, exempt from eviction
	finalLine string
	zeroDepth string
}

// windowPiece is one element of the fitted window: a chat line or a
// depth-anchored injection fragment riding between lines.
type windowPiece struct {
	text   string
	isLine bool
	isUser bool
}

// Assemble runs the full pipeline for text-completion providers. budget is
// the provider's max context minus the reserved response length.
func (a *Assembler) Assemble(ctx context.Context, history []types.Message, fields CharacterFields, budget int, opts Options) (*AssembledPrompt, error) {
	actx := assemblyContext{
		budget:     budget,
		lines:      formatHistory(history, opts),
		injections: a.collectChatInjections(),
		examples:   parseExamples(fields.ExampleDialogue, opts),
	}

	actx.preamble = a.buildPreamble(fields, opts)
	actx.separator = chatSeparator(opts)
	actx.zeroDepth = a.Injections.Prompt(types.InjectInChat, 0, " ", injection.RoleAny, true)
	actx.tail = buildTail(opts)

	suppressNameCue := opts.Type == types.GenContinue && len(history) <= 1
	actx.finalLine = finalLine(opts, suppressNameCue)

	actx, err := a.fitChatWindow(ctx, actx, opts)
	if err != nil {
		return nil, err
	}

	actx = applyAlignment(actx, opts)

	actx, err = a.fitExamples(ctx, actx, opts)
	if err != nil {
		return nil, err
	}

	actx, err = a.shrinkToFit(ctx, actx)
	if err != nil {
		return nil, err
	}

	text := compose(actx, opts)
	total, err := a.count(ctx, text, opts.TokenPadding)
	if err != nil {
		return nil, err
	}

	itemization, err := a.itemize(ctx, actx, total, opts)
	if err != nil {
		return nil, err
	}

	return &AssembledPrompt{
		Text:           text,
		TokenCount:     total,
		InContextCount: actx.windowLines,
		Itemization:    itemization,
	}, nil
}

// collectChatInjections snapshots the in-chat slot values per depth. Depth 0
// is the zero-depth anchor and is handled on the prompt tail instead.
func (a *Assembler) collectChatInjections() map[int]string {
	injections := map[int]string{}
	maxDepth := a.Injections.MaxDepth()
	for depth := 1; depth <= maxDepth; depth++ {
		if text := a.Injections.Prompt(types.InjectInChat, depth, "\n", injection.RoleAny, true); text != "" {
			injections[depth] = text
		}
	}
	return injections
}

func (a *Assembler) buildPreamble(fields CharacterFields, opts Options) string {
	var b strings.Builder
	if opts.WorldInfoBefore != "" {
		b.WriteString(strings.TrimSpace(opts.WorldInfoBefore) + "\n")
	}
	if before := a.Injections.Prompt(types.InjectBeforePrompt, injection.DepthAny, "\n", injection.RoleAny, false); before != "" {
		b.WriteString(before + "\n")
	}
	b.WriteString(buildStoryString(fields, opts))
	if opts.WorldInfoAfter != "" {
		b.WriteString(strings.TrimSpace(opts.WorldInfoAfter) + "\n")
	}
	b.WriteString(a.Injections.Prompt(types.InjectInPrompt, injection.DepthAny, "\n", injection.RoleAny, true))
	return b.String()
}

func chatSeparator(opts Options) string {
	if opts.CustomChatSeparator != "" {
		return opts.CustomChatSeparator + "\n"
	}
	if opts.Instruct.Enabled {
		return ""
	}
	return "\nThen the roleplay chat between " + opts.UserName + " and " + opts.CharName + " begins.\n"
}

func buildTail(opts Options) string {
	var b strings.Builder
	if opts.JailbreakText != "" {
		jb := macros.Substitute(opts.JailbreakText, opts.UserName, opts.CharName)
		b.WriteString(opts.Instruct.FormatTurn(opts.UserName, jb, true, instruct.VariantNone))
	}
	b.WriteString(opts.PromptCache)
	if opts.PromptBias != "" {
		b.WriteString(strings.TrimSpace(opts.PromptBias) + "\n")
	}
	return b.String()
}

// fitChatWindow greedily fills the window newest-to-oldest under the budget
// that remains after the preamble. Depth-indexed injections are allocated at
// their exact target positions ahead of the walk; an injection that doesn't
// fit is skipped without evicting chat history around it.
func (a *Assembler) fitChatWindow(ctx context.Context, actx assemblyContext, opts Options) (assemblyContext, error) {
	fixedCost, err := a.count(ctx, actx.preamble+actx.separator+actx.finalLine+actx.zeroDepth, opts.TokenPadding)
	if err != nil {
		return actx, err
	}

	total := fixedCost
	var picked []windowPiece // newest-first

	tail := len(actx.lines) - 1
	for i := tail; i >= 0; i-- {
		depth := tail - i

		injText := actx.injections[depth]
		injCost := 0
		if injText != "" {
			injCost, err = a.count(ctx, injText, 0)
			if err != nil {
				return actx, err
			}
			if total+injCost > actx.budget {
				injText = ""
				injCost = 0
			}
		}

		lineCost, err := a.count(ctx, actx.lines[i].text, 0)
		if err != nil {
			return actx, err
		}

		if total+injCost+lineCost > actx.budget {
			break
		}

		// injection attaches after its line, so it lands before everything
		// newer already picked
		if injText != "" {
			picked = append(picked, windowPiece{text: injText})
		}
		picked = append(picked, windowPiece{text: actx.lines[i].text, isLine: true, isUser: actx.lines[i].isUser})
		total += injCost + lineCost
	}

	// reverse into oldest-first order
	window := make([]windowPiece, 0, len(picked))
	lines := 0
	for i := len(picked) - 1; i >= 0; i-- {
		window = append(window, picked[i])
		if picked[i].isLine {
			lines++
		}
	}

	// fragments anchored beyond the fitted window still ride in on the
	// oldest retained line
	for depth := maxInjectionDepth(actx.injections); depth > tail; depth-- {
		if injText := actx.injections[depth]; injText != "" {
			window = append([]windowPiece{{text: injText}}, window...)
		}
	}

	actx.window = window
	actx.windowLines = lines
	if len(picked) > 0 && picked[0].isLine {
		actx.windowEndsUser = picked[0].isUser
	}
	return actx, nil
}

func maxInjectionDepth(injections map[int]string) int {
	max := 0
	for depth := range injections {
		if depth > max {
			max = depth
		}
	}
	return max
}

func applyAlignment(actx assemblyContext, opts Options) assemblyContext {
	if opts.AlignmentMessage == "" || actx.windowEndsUser {
		return actx
	}
	actx.alignment = macros.Substitute(opts.AlignmentMessage, opts.UserName, opts.CharName) + "\n"
	return actx
}

// fitExamples estimates how many example blocks still fit, most recently
// configured first, stopping at the first overflow. Pinned examples are
// included unconditionally.
func (a *Assembler) fitExamples(ctx context.Context, actx assemblyContext, opts Options) (assemblyContext, error) {
	if opts.PinExamples {
		actx.examplesTaken = len(actx.examples)
		return actx, nil
	}

	// the exempt tail is not charged against the example allotment
	withoutTail := actx
	withoutTail.tail = ""
	used, err := a.count(ctx, compose(withoutTail, opts), opts.TokenPadding)
	if err != nil {
		return actx, err
	}

	for _, block := range actx.examples {
		blockCost, err := a.count(ctx, block, 0)
		if err != nil {
			return actx, err
		}
		if used+blockCost > actx.budget {
			break
		}
		used += blockCost
		actx.examplesTaken++
	}
	return actx, nil
}

// shrinkToFit re-measures the joined prompt, which can exceed the sum of the
// per-piece estimates, and drops example blocks first, then the oldest chat
// lines, until it fits. The tail (jailbreak/cache/bias) is exempt and can
// leave the final size slightly over budget; that is accepted, not fixed.
func (a *Assembler) shrinkToFit(ctx context.Context, actx assemblyContext) (assemblyContext, error) {
	for {
		withoutTail := actx
		withoutTail.tail = ""
		total, err := a.count(ctx, compose(withoutTail, Options{}), 0)
		if err != nil {
			return actx, err
		}
		if total <= actx.budget {
			return actx, nil
		}

		if actx.examplesTaken > 0 {
			actx.examplesTaken--
			continue
		}
		// only chat lines are evicted; depth-anchored fragments stay put
		dropped := false
		for i, piece := range actx.window {
			if !piece.isLine {
				continue
			}
			actx.window = append(actx.window[:i], actx.window[i+1:]...)
			actx.windowLines--
			dropped = true
			break
		}
		if !dropped {
			return actx, nil
		}
	}
}

func compose(actx assemblyContext, opts Options) string {
	var b strings.Builder
	b.WriteString(actx.preamble)
	for i := 0; i < actx.examplesTaken && i < len(actx.examples); i++ {
		b.WriteString(actx.examples[i])
	}
	b.WriteString(actx.separator)
	b.WriteString(actx.alignment)
	for _, piece := range actx.window {
		b.WriteString(piece.text)
	}
	b.WriteString(actx.tail)
	b.WriteString(actx.finalLine)
	b.WriteString(strings.TrimRight(actx.zeroDepth, "\n"))

	text := strings.ReplaceAll(b.String(), "\r", "")
	if opts.CollapseNewlines {
		text = macros.CollapseNewlines(text)
	}
	return text
}

func (a *Assembler) itemize(ctx context.Context, actx assemblyContext, total int, opts Options) (Itemization, error) {
	story, err := a.count(ctx, actx.preamble, 0)
	if err != nil {
		return Itemization{}, err
	}
	var examples int
	for i := 0; i < actx.examplesTaken && i < len(actx.examples); i++ {
		n, err := a.count(ctx, actx.examples[i], 0)
		if err != nil {
			return Itemization{}, err
		}
		examples += n
	}
	var chat int
	for _, piece := range actx.window {
		n, err := a.count(ctx, piece.text, 0)
		if err != nil {
			return Itemization{}, err
		}
		chat += n
	}
	tail, err := a.count(ctx, actx.tail+actx.finalLine, 0)
	if err != nil {
		return Itemization{}, err
	}

	return Itemization{
		Budget:           actx.budget,
		StoryTokens:      story,
		ExampleTokens:    examples,
		ChatTokens:       chat,
		TailTokens:       tail,
		TotalTokens:      total,
		ExamplesIncluded: actx.examplesTaken,
		ChatIncluded:     actx.windowLines,
	}, nil
}
