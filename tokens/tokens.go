// Package tokens provides token counting for prompt budget fitting. Counting
// may require a network round trip for the active model's real tokenizer, so
// everything goes through the async Counter contract and results are cached.
package tokens

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

// Counter returns the token length of a string for the currently active
// model/tokenizer. Implementations may be expensive; callers must treat every
// call as a potential network round trip.
type Counter interface {
	Count(ctx context.Context, text string, padding int) (int, error)
}

var tkm *tiktoken.Tiktoken

func init() {
	var err error
	tkm, err = tiktoken.EncodingForModel("gpt-4o")
	if err != nil {
		panic(fmt.Sprintf("error getting encoding for model: %v", err))
	}
}

// GetNumTokensEstimate is the local, synchronous estimate used when the exact
// tokenizer is unavailable or too slow to consult.
func GetNumTokensEstimate(text string) int {
	return len(tkm.Encode(text, nil, nil))
}

const (
	// Per OpenAI's documentation:
	// Every message follows this format: {"role": "role_name", "content": "content"}
	// which has a 4-token overhead per message
	TokensPerMessage = 4

	// System, user, or assistant - each role name costs 1 token
	TokensPerName = 1

	// Tokens per request
	TokensPerRequest = 3
)

// GetMessagesTokenEstimate estimates the cost of a chat-completion message
// list including per-message overhead.
func GetMessagesTokenEstimate(messages ...openai.ChatCompletionMessage) int {
	tokens := 0
	for _, msg := range messages {
		tokens += TokensPerMessage
		tokens += TokensPerName
		tokens += GetNumTokensEstimate(msg.Content)
	}
	return tokens
}

// LocalCounter satisfies Counter with the in-process tiktoken estimate.
type LocalCounter struct{}

func (LocalCounter) Count(_ context.Context, text string, padding int) (int, error) {
	return GetNumTokensEstimate(text) + padding, nil
}
