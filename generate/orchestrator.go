// Package generate drives one generation end to end: interception, history
// collection, world-info injection, prompt assembly, dispatch, and streaming
// reconciliation, with at most one visible generation per chat.
package generate

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"fable-server/assembly"
	"fable-server/chatlog"
	"fable-server/dispatch"
	"fable-server/events"
	"fable-server/injection"
	"fable-server/macros"
	"fable-server/provider"
	"fable-server/reconcile"
	"fable-server/stopping"
	"fable-server/tokens"
	"fable-server/types"
)

// WorldInfoDepthPrefix namespaces the injection-table keys owned by world-info
// depth entries. They are flushed at the start of every call so stale entries
// from the previous generation never linger.
const WorldInfoDepthPrefix = "world_info_depth_"

const statusProbeTimeout = 10 * time.Second

type Orchestrator struct {
	Registry   *provider.Registry
	Dispatcher *dispatch.Dispatcher
	Assembler  *assembly.Assembler
	Injections *injection.Table
	Bus        *events.Bus
	Store      *chatlog.Store

	WorldInfo     WorldInfoProvider
	SlashCommands SlashInterceptor
	Interceptors  []ExtensionInterceptor
	Group         GroupWrapper
	GroupActive   bool
	Prober        StatusProber

	// OnImpersonate receives impersonation output; nothing is written to the
	// chat in that mode.
	OnImpersonate func(text string)

	Settings Settings

	active       *types.SafeMap[*types.ActiveGeneration]
	itemizations *types.SafeMap[assembly.Itemization]

	mu          sync.Mutex
	promptCache string
	chatTainted bool
}

func NewOrchestrator(
	registry *provider.Registry,
	dispatcher *dispatch.Dispatcher,
	assembler *assembly.Assembler,
	injections *injection.Table,
	bus *events.Bus,
	store *chatlog.Store,
	settings Settings,
) *Orchestrator {
	return &Orchestrator{
		Registry:     registry,
		Dispatcher:   dispatcher,
		Assembler:    assembler,
		Injections:   injections,
		Bus:          bus,
		Store:        store,
		Settings:     settings,
		active:       types.NewSafeMap[*types.ActiveGeneration](),
		itemizations: types.NewSafeMap[assembly.Itemization](),
	}
}

// GenerateArgs are the per-call inputs to one orchestration.
type GenerateArgs struct {
	Type types.GenerationType

	// Text is the send-box content for a normal user send. Empty means
	// generate on the existing history without appending a user turn.
	Text string

	QuietPrompt   string
	ForceCharName bool

	// DryRun assembles and counts the prompt but never dispatches.
	DryRun bool

	// GroupDelegated marks a call arriving back from the group wrapper, so
	// fan-out is not re-entered.
	GroupDelegated bool

	autoContinue bool
}

// Result is the outcome of one finished (or stopped) orchestration.
type Result struct {
	Text         string
	MessageIndex int

	// Stopped is set when the user aborted; partial text is preserved.
	Stopped bool

	// Prompt is populated for dry runs.
	Prompt *assembly.AssembledPrompt
}

// SetPromptCache stages a one-shot continuation tail consumed by the next
// generation. Cleared after use and on any failure.
func (o *Orchestrator) SetPromptCache(text string) {
	o.mu.Lock()
	o.promptCache = text
	o.mu.Unlock()
}

func (o *Orchestrator) takePromptCache() string {
	o.mu.Lock()
	cache := o.promptCache
	o.promptCache = ""
	o.mu.Unlock()
	return cache
}

// ChatTainted reports whether any non-dry-run generation has touched this
// chat since the orchestrator was created.
func (o *Orchestrator) ChatTainted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatTainted
}

// ItemizedPrompt returns the retained budget breakdown for a finished
// message, keyed by message id.
func (o *Orchestrator) ItemizedPrompt(messageId string) (assembly.Itemization, bool) {
	return o.itemizations.GetOk(messageId)
}

// Generate runs one full orchestration. A stopped generation returns a
// Result with Stopped set and no error; interception by a slash command or
// extension returns (nil, nil).
func (o *Orchestrator) Generate(ctx context.Context, args GenerateArgs) (*Result, error) {
	o.Bus.Emit(events.GenerationStarted, events.GenerationStartedPayload{
		Type:   args.Type,
		DryRun: args.DryRun,
	})

	// slash interception applies to user-initiated sends only
	if args.Type == types.GenNormal && !args.DryRun && !args.autoContinue && o.SlashCommands != nil {
		if o.SlashCommands(args.Text, args.Type) {
			return nil, nil
		}
	}
	o.Bus.Emit(events.GenerationAfterCommands, events.GenerationStartedPayload{
		Type:   args.Type,
		DryRun: args.DryRun,
	})

	if o.GroupActive && o.Group != nil && !args.GroupDelegated && !args.Type.IsQuiet() {
		return nil, o.Group(ctx, args.Type)
	}

	// the foreground slot is claimed atomically up front, so two concurrent
	// sends can never both pass the guard
	quiet := args.Type.IsQuiet()
	var session *types.ActiveGeneration
	var release func()
	if !quiet {
		session = types.NewActiveGeneration(o.Store.ChatId(), args.Type, ctx)
		session.DryRun = args.DryRun
		if !o.active.SetIfAbsent(o.Store.ChatId(), session) {
			session.CancelFn()
			return nil, types.NewGenError(types.ErrOther, "a generation is already in progress for this chat")
		}
		released := false
		release = func() {
			if released {
				return
			}
			released = true
			session.CancelFn()
			o.active.Delete(o.Store.ChatId())
		}
		defer release()
	}

	adapter, ok := o.Registry.Get(o.Settings.Provider)
	if !ok {
		return nil, types.NewGenError(types.ErrOther, "no adapter registered for provider "+string(o.Settings.Provider))
	}

	if !args.DryRun && o.Prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
		err := o.Prober.Probe(probeCtx)
		cancel()
		if err != nil {
			return nil, o.fail(&types.GenError{Kind: types.ErrUnreachable, Msg: err.Error()})
		}
	}

	if !args.DryRun {
		o.mu.Lock()
		o.chatTainted = true
		o.mu.Unlock()
	}

	promptBias := o.appendUserTurn(args)

	history := o.Store.Messages()
	if promptBias == "" {
		promptBias = latestBias(history)
	}

	if !quiet && !args.DryRun {
		for _, intercept := range o.Interceptors {
			if intercept(history, args.Type) {
				o.emitStopped()
				return nil, nil
			}
		}
	}

	params := o.Settings.Params
	if adjuster, ok := adapter.(interface{ AdjustParams(int) int }); ok {
		params.ResponseLength = adjuster.AdjustParams(params.ResponseLength)
	}

	stops := o.computeStops(args, history)
	params.StoppingStrings = stops
	if session != nil {
		session.StoppingStrings = stops
	}
	budget := adapter.MaxContext(params.ResponseLength)

	wi, err := o.collectWorldInfo(ctx, history, budget, args.DryRun)
	if err != nil {
		return nil, o.fail(asGenError(err))
	}

	opts := o.buildOptions(args, promptBias, wi)

	prompt, err := o.assemble(ctx, adapter, history, budget, opts)
	if err != nil {
		return nil, o.fail(asGenError(err))
	}

	if args.DryRun {
		return &Result{MessageIndex: -1, Prompt: prompt}, nil
	}

	mode := provider.ModeNormal
	if quiet {
		mode = provider.ModeQuiet
	}
	req, err := adapter.BuildRequest(prompt, params, mode)
	if err != nil {
		return nil, o.fail(asGenError(err))
	}
	o.Bus.Emit(events.AfterDataBuilt, req.Body)

	if quiet {
		return o.runQuiet(ctx, adapter, req, stops)
	}

	// regeneration replaces the tail assistant message; the snapshot taken
	// above still contained it, so assembly saw the pre-drop history
	if args.Type == types.GenRegenerate {
		if n := o.Store.Len(); n > 0 {
			if tail, ok := o.Store.Get(n - 1); ok && !tail.IsUser {
				o.Store.Truncate(n - 1)
			}
		}
	}

	rec := &reconcile.Reconciler{
		Store:    o.Store,
		Bus:      o.Bus,
		Gen:      session,
		CharName: o.Settings.CharName,
		Extra: types.MessageExtra{
			Api:   string(adapter.Id()),
			Model: params.Model,
			Bias:  promptBias,
		},
		Transform:     o.Settings.Transform,
		OnImpersonate: o.OnImpersonate,
	}
	if err := rec.Start(); err != nil {
		return nil, o.fail(asGenError(err))
	}
	session.TargetIndex = rec.MessageIndex()

	var result *Result
	if req.Streaming {
		result, err = o.runStreaming(ctx, adapter, req, session, rec)
	} else {
		result, err = o.runBuffered(ctx, adapter, req, session, rec, args)
	}
	if err != nil {
		return nil, err
	}

	o.retainItemization(result.MessageIndex, prompt)

	if !result.Stopped && o.shouldAutoContinue(args, result.Text, result.MessageIndex) {
		// the foreground slot must be free before the follow-up pass re-enters
		release()
		return o.Generate(ctx, GenerateArgs{Type: types.GenContinue, autoContinue: true})
	}

	return result, nil
}

// appendUserTurn adds the send-box text as a user message for a normal send,
// returning any {{bias}} extracted from it. Dry runs count the existing
// history and never mutate the chat.
func (o *Orchestrator) appendUserTurn(args GenerateArgs) string {
	if args.DryRun || args.Type != types.GenNormal || strings.TrimSpace(args.Text) == "" {
		return ""
	}
	bias := macros.ExtractBias(args.Text)
	msg := chatlog.NewMessage(o.Settings.UserName, args.Text, true)
	msg.Extra.Bias = bias
	idx := o.Store.Append(msg)
	o.Bus.Emit(events.MessageReceived, events.MessagePayload{Index: idx})
	return bias
}

// latestBias walks the history newest-first for a still-standing bias.
func latestBias(history []types.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Extra.Bias != "" {
			return history[i].Extra.Bias
		}
	}
	return ""
}

func (o *Orchestrator) computeStops(args GenerateArgs, history []types.Message) []string {
	lastWasUser := false
	if len(history) > 0 {
		lastWasUser = history[len(history)-1].IsUser
	}
	policy := stopping.Policy{
		UserName:           o.Settings.UserName,
		CharName:           o.Settings.CharName,
		NamesAsStopStrings: o.Settings.NamesAsStopStrings,
		GroupMembers:       o.Settings.GroupMembers,
		Responder:          o.Settings.CharName,
		Instruct:           o.Settings.Instruct,
		CustomStrings:      o.Settings.CustomStoppingStrings,
		SingleLineMode:     o.Settings.SingleLineMode,
		LastTurnWasUser:    lastWasUser,
	}
	return policy.Compute(args.Type == types.GenImpersonate, args.Type == types.GenContinue)
}

// collectWorldInfo flushes last call's depth entries, renders fresh world
// info for the current window and registers the depth entries in the table.
func (o *Orchestrator) collectWorldInfo(ctx context.Context, history []types.Message, budget int, dryRun bool) (WorldInfoResult, error) {
	o.Injections.FlushPrefix(WorldInfoDepthPrefix)
	if o.WorldInfo == nil {
		return WorldInfoResult{}, nil
	}

	window := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		window = append(window, macros.Substitute(history[i].Text, o.Settings.UserName, o.Settings.CharName))
	}

	wi, err := o.WorldInfo.WorldInfoPrompt(ctx, window, budget, dryRun)
	if err != nil {
		return WorldInfoResult{}, err
	}

	for _, entry := range wi.DepthInjections {
		o.Injections.Set(WorldInfoDepthPrefix+entry.Key, entry.Value, types.InjectInChat, entry.Depth, false, entry.Role)
	}
	return wi, nil
}

func (o *Orchestrator) buildOptions(args GenerateArgs, promptBias string, wi WorldInfoResult) assembly.Options {
	s := o.Settings
	return assembly.Options{
		Type:          args.Type,
		UserName:      s.UserName,
		CharName:      s.CharName,
		ForceCharName: args.ForceCharName,

		Instruct: s.Instruct,

		PinExamples:         s.PinExamples,
		CustomChatSeparator: s.CustomChatSeparator,
		CollapseNewlines:    s.CollapseNewlines,

		DisableDescriptionFormatting: s.DisableDescriptionFormatting,
		DisablePersonalityFormatting: s.DisablePersonalityFormatting,
		DisableScenarioFormatting:    s.DisableScenarioFormatting,

		AlignmentMessage: s.AlignmentMessage,
		JailbreakText:    s.JailbreakText,

		QuietPrompt: args.QuietPrompt,
		PromptBias:  promptBias,
		PromptCache: o.takePromptCache(),

		WorldInfoBefore: wi.Before,
		WorldInfoAfter:  wi.After,

		Transform:    s.Transform,
		TokenPadding: s.TokenPadding,
	}
}

// assemble picks the prompt shape the adapter consumes and runs the combine
// events for the text shape, honoring a subscriber override.
func (o *Orchestrator) assemble(ctx context.Context, adapter provider.Adapter, history []types.Message, budget int, opts assembly.Options) (*assembly.AssembledPrompt, error) {
	if adapter.ChatCompletion() {
		return o.Assembler.AssembleChat(ctx, history, o.Settings.Character, budget, opts)
	}

	prompt, err := o.Assembler.Assemble(ctx, history, o.Settings.Character, budget, opts)
	if err != nil {
		return nil, err
	}

	payload := &events.CombinePromptsPayload{Prompt: prompt.Text}
	o.Bus.Emit(events.BeforeCombinePrompts, payload)
	if payload.Override != "" {
		prompt.Text = payload.Override
	}
	payload.Prompt = prompt.Text
	payload.Override = ""
	o.Bus.Emit(events.AfterCombinePrompts, payload)
	if payload.Override != "" {
		prompt.Text = payload.Override
	}

	return prompt, nil
}

func (o *Orchestrator) runStreaming(ctx context.Context, adapter provider.Adapter, req *provider.Request, session *types.ActiveGeneration, rec *reconcile.Reconciler) (*Result, error) {
	stream, err := o.Dispatcher.Stream(session.ModelCtx, adapter, req)
	if err != nil {
		if isCancellation(err) || session.Ctx.Err() != nil {
			return o.settleStopped(session, rec), nil
		}
		genErr := asGenError(err)
		rec.Fail(genErr)
		session.StreamDoneCh <- genErr
		return nil, o.fail(genErr)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isCancellation(err) || session.Ctx.Err() != nil {
				return o.settleStopped(session, rec), nil
			}
			genErr := asGenError(err)
			rec.Fail(genErr)
			session.StreamDoneCh <- genErr
			return nil, o.fail(genErr)
		}
		if err := rec.Progress(chunk, false); err != nil {
			log.Printf("Error applying stream increment: %v\n", err)
		}
	}

	final := session.CurrentText()
	if final == "" {
		genErr := types.NewGenError(types.ErrEmptyResult, "no text generated")
		rec.Fail(genErr)
		session.StreamDoneCh <- genErr
		return nil, o.fail(genErr)
	}

	if err := rec.Progress(types.StreamChunk{Text: final}, true); err != nil {
		log.Printf("Error applying final increment: %v\n", err)
	}
	if err := rec.Finish(ctx); err != nil {
		log.Printf("Error finalizing generation: %v\n", err)
	}
	session.StreamDoneCh <- nil

	return &Result{Text: final, MessageIndex: rec.MessageIndex()}, nil
}

func (o *Orchestrator) runBuffered(ctx context.Context, adapter provider.Adapter, req *provider.Request, session *types.ActiveGeneration, rec *reconcile.Reconciler, args GenerateArgs) (*Result, error) {
	body, err := o.Dispatcher.Buffered(session.ModelCtx, req)
	if err != nil {
		if isCancellation(err) || session.Ctx.Err() != nil {
			return o.settleStopped(session, rec), nil
		}
		genErr := asGenError(err)
		rec.Fail(genErr)
		session.StreamDoneCh <- genErr
		return nil, o.fail(genErr)
	}

	text, err := adapter.ExtractText(body)
	if err != nil {
		genErr := asGenError(err)
		rec.Fail(genErr)
		session.StreamDoneCh <- genErr
		return nil, o.fail(genErr)
	}

	chunk := types.StreamChunk{
		Text:     text,
		Logprobs: adapter.ExtractLogprobs(body),
	}
	if args.Type != types.GenContinue && args.Type != types.GenImpersonate {
		chunk.Swipes = adapter.ExtractAlternates(body)
	}

	if err := rec.Progress(chunk, true); err != nil {
		log.Printf("Error applying buffered result: %v\n", err)
	}

	if title := adapter.ExtractTitle(body); title != "" && rec.MessageIndex() >= 0 {
		err := o.Store.Update(rec.MessageIndex(), func(m *types.Message) {
			m.Extra.Title = title
		})
		if err != nil {
			log.Printf("Error recording worker title: %v\n", err)
		}
	}

	if err := rec.Finish(ctx); err != nil {
		log.Printf("Error finalizing generation: %v\n", err)
	}
	session.StreamDoneCh <- nil

	return &Result{Text: text, MessageIndex: rec.MessageIndex()}, nil
}

// runQuiet dispatches a background utility call. The chat log is never
// touched; cleaned text goes straight back to the caller.
func (o *Orchestrator) runQuiet(ctx context.Context, adapter provider.Adapter, req *provider.Request, stops []string) (*Result, error) {
	quietCtx, cancel := context.WithTimeout(ctx, types.ActiveGenerationTimeout)
	defer cancel()

	body, err := o.Dispatcher.Buffered(quietCtx, req)
	if err != nil {
		if isCancellation(err) {
			return &Result{MessageIndex: -1, Stopped: true}, nil
		}
		return nil, o.fail(asGenError(err))
	}

	text, err := adapter.ExtractText(body)
	if err != nil {
		return nil, o.fail(asGenError(err))
	}

	text = strings.TrimSpace(stopping.Truncate(text, stops))
	if text == "" {
		return nil, o.fail(types.NewGenError(types.ErrEmptyResult, "no text generated"))
	}

	o.Bus.Emit(events.GenerationEnded, events.GenerationEndedPayload{MessageCount: o.Store.Len()})
	return &Result{Text: text, MessageIndex: -1}, nil
}

// settleStopped handles a user abort: partial text stays, observers are
// notified, no error propagates.
func (o *Orchestrator) settleStopped(session *types.ActiveGeneration, rec *reconcile.Reconciler) *Result {
	rec.Stop()
	session.StreamDoneCh <- nil
	o.emitStopped()
	return &Result{
		Text:         session.CurrentText(),
		MessageIndex: rec.MessageIndex(),
		Stopped:      true,
	}
}

func (o *Orchestrator) retainItemization(messageIndex int, prompt *assembly.AssembledPrompt) {
	if messageIndex < 0 {
		return
	}
	if msg, ok := o.Store.Get(messageIndex); ok {
		o.itemizations.Set(msg.Id, prompt.Itemization)
	}
}

func (o *Orchestrator) shouldAutoContinue(args GenerateArgs, chunk string, messageIndex int) bool {
	ac := o.Settings.AutoContinue
	if !ac.Enabled || ac.TargetTokens <= 0 || args.DryRun {
		return false
	}
	if args.Type == types.GenImpersonate || args.Type.IsQuiet() {
		return false
	}
	if o.GroupActive {
		return false
	}
	if strings.TrimSpace(chunk) == "" || messageIndex < 0 {
		return false
	}
	msg, ok := o.Store.Get(messageIndex)
	if !ok {
		return false
	}
	return tokens.GetNumTokensEstimate(msg.Text) < ac.TargetTokens
}

// fail is the uniform failure epilogue: the one-shot prompt cache is dropped
// and observers settle before the error propagates.
func (o *Orchestrator) fail(genErr *types.GenError) error {
	o.mu.Lock()
	o.promptCache = ""
	o.mu.Unlock()
	o.emitStopped()
	return genErr
}

func asGenError(err error) *types.GenError {
	var genErr *types.GenError
	if errors.As(err, &genErr) {
		return genErr
	}
	return &types.GenError{Kind: types.ErrOther, Msg: err.Error()}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
