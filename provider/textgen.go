package provider

import (
	"encoding/json"
	"fmt"

	"fable-server/assembly"
	"fable-server/types"
)

// TextGenAdapter targets text-generation-webui style completion servers.
type TextGenAdapter struct {
	Endpoint    string
	ContextSize int
}

type textGenRequest struct {
	Prompt            string   `json:"prompt"`
	MaxNewTokens      int      `json:"max_new_tokens"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	StoppingStrings   []string `json:"stopping_strings,omitempty"`
	Stream            bool     `json:"stream"`
	Logprobs          int      `json:"logprobs,omitempty"`
}

type textGenChoice struct {
	Text     string `json:"text"`
	Logprobs *struct {
		Tokens        []string             `json:"tokens"`
		TopLogprobs   []map[string]float64 `json:"top_logprobs"`
	} `json:"logprobs"`
}

type textGenResponse struct {
	Choices []textGenChoice `json:"choices"`
}

func (t *TextGenAdapter) Id() Id               { return ProviderTextGen }
func (t *TextGenAdapter) ChatCompletion() bool { return false }

func (t *TextGenAdapter) MaxContext(reservedResponseTokens int) int {
	return t.ContextSize - reservedResponseTokens
}

func (t *TextGenAdapter) BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error) {
	streaming := params.Streaming && mode != ModeQuiet

	body := textGenRequest{
		Prompt:            prompt.Text,
		MaxNewTokens:      params.ResponseLength,
		Temperature:       params.Temperature,
		TopP:              params.TopP,
		TopK:              params.TopK,
		RepetitionPenalty: params.RepetitionPenalty,
		StoppingStrings:   params.StoppingStrings,
		Stream:            streaming,
	}
	if params.Logprobs {
		body.Logprobs = 10
	}

	return &Request{
		Url:       t.Endpoint + "/v1/completions",
		Body:      body,
		Streaming: streaming,
	}, nil
}

func (t *TextGenAdapter) ExtractText(body []byte) (string, error) {
	if genErr := CheckStructuredError(body); genErr != nil {
		return "", genErr
	}
	var parsed textGenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("error parsing response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewGenError(types.ErrEmptyResult, "no completions returned")
	}
	return parsed.Choices[0].Text, nil
}

func (t *TextGenAdapter) ExtractTitle([]byte) string { return "" }

func (t *TextGenAdapter) ExtractAlternates(body []byte) []string {
	var parsed textGenResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) < 2 {
		return nil
	}
	alternates := make([]string, 0, len(parsed.Choices)-1)
	for _, choice := range parsed.Choices[1:] {
		alternates = append(alternates, choice.Text)
	}
	return alternates
}

func (t *TextGenAdapter) ExtractLogprobs(body []byte) []types.LogprobRecord {
	var parsed textGenResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil
	}
	lp := parsed.Choices[0].Logprobs
	if lp == nil {
		return nil
	}
	records := make([]types.LogprobRecord, 0, len(lp.Tokens))
	for i, token := range lp.Tokens {
		record := types.LogprobRecord{Token: token}
		if i < len(lp.TopLogprobs) {
			record.Candidates = lp.TopLogprobs[i]
		}
		records = append(records, record)
	}
	return records
}

func (t *TextGenAdapter) ExtractStreamDelta(data []byte) (string, []types.LogprobRecord, error) {
	var parsed textGenResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, fmt.Errorf("error parsing stream event: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, nil
	}
	return parsed.Choices[0].Text, t.ExtractLogprobs(data), nil
}
