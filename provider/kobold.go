package provider

import (
	"encoding/json"
	"fmt"

	"fable-server/assembly"
	"fable-server/types"
)

// KoboldAdapter targets local KoboldAI-compatible inference servers.
type KoboldAdapter struct {
	Endpoint string

	// Horde-adjusted limits, set before assembly when the crowdsourced
	// network advertises tighter worker capabilities.
	AdjustedContext int
	AdjustedLength  int

	ContextSize int
}

type koboldRequest struct {
	Prompt           string   `json:"prompt"`
	MaxLength        int      `json:"max_length"`
	MaxContextLength int      `json:"max_context_length"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	RepPen           float64  `json:"rep_pen,omitempty"`
	StopSequence     []string `json:"stop_sequence,omitempty"`
	SingleLine       bool     `json:"singleline,omitempty"`
}

type koboldResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

func (k *KoboldAdapter) Id() Id               { return ProviderKobold }
func (k *KoboldAdapter) ChatCompletion() bool { return false }

func (k *KoboldAdapter) MaxContext(reservedResponseTokens int) int {
	contextSize := k.ContextSize
	if k.AdjustedContext > 0 && k.AdjustedContext < contextSize {
		contextSize = k.AdjustedContext
	}
	return contextSize - reservedResponseTokens
}

func (k *KoboldAdapter) BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error) {
	maxLength := params.ResponseLength
	if k.AdjustedLength > 0 && k.AdjustedLength < maxLength {
		maxLength = k.AdjustedLength
	}

	body := koboldRequest{
		Prompt:           prompt.Text,
		MaxLength:        maxLength,
		MaxContextLength: params.MaxContextLength,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		TopK:             params.TopK,
		RepPen:           params.RepetitionPenalty,
		StopSequence:     params.StoppingStrings,
		SingleLine:       params.SingleLine,
	}

	url := k.Endpoint + "/api/v1/generate"
	streaming := params.Streaming && mode != ModeQuiet
	if streaming {
		url = k.Endpoint + "/api/extra/generate/stream"
	}

	return &Request{Url: url, Body: body, Streaming: streaming}, nil
}

func (k *KoboldAdapter) ExtractText(body []byte) (string, error) {
	if genErr := CheckStructuredError(body); genErr != nil {
		return "", genErr
	}
	var parsed koboldResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("error parsing response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return "", types.NewGenError(types.ErrEmptyResult, "no completions returned")
	}
	return parsed.Results[0].Text, nil
}

func (k *KoboldAdapter) ExtractTitle([]byte) string { return "" }

func (k *KoboldAdapter) ExtractAlternates(body []byte) []string {
	var parsed koboldResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Results) < 2 {
		return nil
	}
	alternates := make([]string, 0, len(parsed.Results)-1)
	for _, result := range parsed.Results[1:] {
		alternates = append(alternates, result.Text)
	}
	return alternates
}

func (k *KoboldAdapter) ExtractLogprobs([]byte) []types.LogprobRecord { return nil }

type koboldStreamEvent struct {
	Token string `json:"token"`
}

func (k *KoboldAdapter) ExtractStreamDelta(data []byte) (string, []types.LogprobRecord, error) {
	var event koboldStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", nil, fmt.Errorf("error parsing stream event: %w", err)
	}
	return event.Token, nil, nil
}
