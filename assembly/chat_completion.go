package assembly

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"fable-server/injection"
	"fable-server/macros"
	"fable-server/tokens"
	"fable-server/types"
)

// AssembleChat builds the role-tagged message list for chat-completion
// providers. Formatting and the token fit are the chat builder's own
// (per-message overhead included), but depth-based injection interleaving
// follows the same rules as the text path.
func (a *Assembler) AssembleChat(ctx context.Context, history []types.Message, fields CharacterFields, budget int, opts Options) (*AssembledPrompt, error) {
	var system []openai.ChatCompletionMessage

	if preamble := a.buildPreamble(fields, opts); preamble != "" {
		system = append(system, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: preamble,
		})
	}

	for _, block := range parseExamples(fields.ExampleDialogue, opts) {
		system = append(system, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: block,
		})
	}

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

	chat := make([]openai.ChatCompletionMessage, 0, len(retained))
	tail := len(retained) - 1
	for i, msg := range retained {
		text := msg.Text
		if opts.Transform != nil {
			text = opts.Transform(text)
		}
		text = macros.StripBias(macros.Substitute(text, opts.UserName, opts.CharName))

		role := openai.ChatMessageRoleAssistant
		if msg.IsUser {
			role = openai.ChatMessageRoleUser
		}
		chat = append(chat, openai.ChatCompletionMessage{Role: role, Content: text})

		depth := tail - i
		if depth > 0 {
			if injText := a.Injections.Prompt(types.InjectInChat, depth, "\n", injection.RoleAny, false); injText != "" {
				chat = append(chat, chatInjectionMessage(a, depth))
			}
		}
	}

	var tailMsgs []openai.ChatCompletionMessage
	if zero := a.Injections.Prompt(types.InjectInChat, 0, "\n", injection.RoleAny, false); zero != "" {
		tailMsgs = append(tailMsgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: zero})
	}
	if opts.JailbreakText != "" {
		tailMsgs = append(tailMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: macros.Substitute(opts.JailbreakText, opts.UserName, opts.CharName),
		})
	}
	if opts.QuietPrompt != "" {
		tailMsgs = append(tailMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: macros.Substitute(opts.QuietPrompt, opts.UserName, opts.CharName),
		})
	}

	// fit by dropping oldest chat messages first, whole messages only
	fixed := tokens.GetMessagesTokenEstimate(system...) +
		tokens.GetMessagesTokenEstimate(tailMsgs...) +
		tokens.TokensPerRequest
	kept := chat
	for len(kept) > 0 && fixed+tokens.GetMessagesTokenEstimate(kept...) > budget {
		kept = kept[1:]
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(system)+len(kept)+len(tailMsgs))
	messages = append(messages, system...)
	messages = append(messages, kept...)
	messages = append(messages, tailMsgs...)

	total := fixed + tokens.GetMessagesTokenEstimate(kept...)

	return &AssembledPrompt{
		ChatMessages:   messages,
		TokenCount:     total,
		InContextCount: len(kept),
		Itemization: Itemization{
			Budget:       budget,
			TotalTokens:  total,
			ChatIncluded: len(kept),
		},
	}, nil
}

func chatInjectionMessage(a *Assembler, depth int) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleSystem
	switch {
	case a.Injections.Prompt(types.InjectInChat, depth, "\n", types.InjectionRoleUser, false) != "":
		role = openai.ChatMessageRoleUser
	case a.Injections.Prompt(types.InjectInChat, depth, "\n", types.InjectionRoleAssistant, false) != "":
		role = openai.ChatMessageRoleAssistant
	}
	return openai.ChatCompletionMessage{
		Role:    role,
		Content: a.Injections.Prompt(types.InjectInChat, depth, "\n", injection.RoleAny, false),
	}
}
