package provider

import (
	"encoding/json"
	"fmt"

	"fable-server/assembly"
	"fable-server/types"
)

// PoeMaxContext is the service-side prompt ceiling. The configured context
// size never raises it.
const PoeMaxContext = 8192

// PoeAdapter targets the Poe-style hosted bot relay.
type PoeAdapter struct {
	Endpoint    string
	Token       string
	Bot         string
	ContextSize int
}

type poeRequest struct {
	Prompt    string `json:"prompt"`
	Bot       string `json:"bot"`
	Streaming bool   `json:"streaming"`
}

type poeResponse struct {
	Text string `json:"text"`
}

func (p *PoeAdapter) Id() Id               { return ProviderPoe }
func (p *PoeAdapter) ChatCompletion() bool { return false }

// MaxContext clamps the configured size to the service's hardcoded ceiling
// before subtracting the reserved response length.
func (p *PoeAdapter) MaxContext(reservedResponseTokens int) int {
	contextSize := p.ContextSize
	if contextSize > PoeMaxContext || contextSize <= 0 {
		contextSize = PoeMaxContext
	}
	return contextSize - reservedResponseTokens
}

func (p *PoeAdapter) BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error) {
	streaming := params.Streaming && mode != ModeQuiet
	return &Request{
		Url: p.Endpoint + "/generate_poe",
		Body: poeRequest{
			Prompt:    prompt.Text,
			Bot:       p.Bot,
			Streaming: streaming,
		},
		Headers: map[string]string{
			"poe-token": p.Token,
		},
		Streaming: streaming,
	}, nil
}

func (p *PoeAdapter) ExtractText(body []byte) (string, error) {
	if genErr := CheckStructuredError(body); genErr != nil {
		return "", genErr
	}
	var parsed poeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("error parsing response: %w", err)
	}
	if parsed.Text == "" {
		return "", types.NewGenError(types.ErrEmptyResult, "no text returned")
	}
	return parsed.Text, nil
}

func (p *PoeAdapter) ExtractTitle([]byte) string                   { return "" }
func (p *PoeAdapter) ExtractAlternates([]byte) []string            { return nil }
func (p *PoeAdapter) ExtractLogprobs([]byte) []types.LogprobRecord { return nil }

type poeStreamEvent struct {
	Delta string `json:"delta"`
}

func (p *PoeAdapter) ExtractStreamDelta(data []byte) (string, []types.LogprobRecord, error) {
	var event poeStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", nil, fmt.Errorf("error parsing stream event: %w", err)
	}
	return event.Delta, nil, nil
}
