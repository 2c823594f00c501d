package provider

import (
	"encoding/json"
	"fmt"

	"fable-server/assembly"
	"fable-server/types"
)

// NovelAdapter targets the hosted NovelAI text service. Context ceilings are
// subscription-tier derived, not configured.
type NovelAdapter struct {
	Endpoint string
	ApiKey   string
	Model    string
	Tier     int
}

type novelRequest struct {
	Input      string          `json:"input"`
	Model      string          `json:"model"`
	Parameters novelParameters `json:"parameters"`
}

type novelParameters struct {
	UseString         bool     `json:"use_string"`
	Temperature       float64  `json:"temperature"`
	MaxLength         int      `json:"max_length"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
}

type novelResponse struct {
	Output string `json:"output"`
}

func (n *NovelAdapter) Id() Id               { return ProviderNovel }
func (n *NovelAdapter) ChatCompletion() bool { return false }

// MaxContext ignores the configured context size entirely. Tier 1 accounts
// get 1024 tokens; paid tiers get 2048 less a margin for fat tokens, and the
// krake model runs with a further reduced window.
func (n *NovelAdapter) MaxContext(int) int {
	if n.Tier == 1 {
		return 1024
	}
	max := 2048 - 60
	if n.Model == "krake-v2" {
		max -= 160
	}
	return max
}

func (n *NovelAdapter) BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error) {
	body := novelRequest{
		Input: prompt.Text,
		Model: n.Model,
		Parameters: novelParameters{
			UseString:         true,
			Temperature:       params.Temperature,
			MaxLength:         params.ResponseLength,
			RepetitionPenalty: params.RepetitionPenalty,
			StopSequences:     params.StoppingStrings,
		},
	}

	streaming := params.Streaming && mode != ModeQuiet
	return &Request{
		Url:  n.Endpoint + "/ai/generate",
		Body: body,
		Headers: map[string]string{
			"Authorization": "Bearer " + n.ApiKey,
		},
		Streaming: streaming,
	}, nil
}

func (n *NovelAdapter) ExtractText(body []byte) (string, error) {
	if genErr := CheckStructuredError(body); genErr != nil {
		return "", genErr
	}
	var parsed novelResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("error parsing response: %w", err)
	}
	if parsed.Output == "" {
		return "", types.NewGenError(types.ErrEmptyResult, "no output returned")
	}
	return parsed.Output, nil
}

func (n *NovelAdapter) ExtractTitle([]byte) string                  { return "" }
func (n *NovelAdapter) ExtractAlternates([]byte) []string           { return nil }
func (n *NovelAdapter) ExtractLogprobs([]byte) []types.LogprobRecord { return nil }

type novelStreamEvent struct {
	Token string `json:"token"`
	Final bool   `json:"final"`
}

func (n *NovelAdapter) ExtractStreamDelta(data []byte) (string, []types.LogprobRecord, error) {
	var event novelStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", nil, fmt.Errorf("error parsing stream event: %w", err)
	}
	return event.Token, nil, nil
}
