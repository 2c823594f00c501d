package provider

import (
	"encoding/json"
	"fmt"

	"fable-server/assembly"
	"fable-server/types"
)

// HordeAdapter targets the crowdsourced compute network. Workers advertise
// their own context and length ceilings; AdjustParams clamps the request to
// what the pool can actually serve.
type HordeAdapter struct {
	Endpoint string
	ApiKey   string

	// Models restricts which pool models may serve the request; empty means
	// any worker.
	Models []string

	ContextSize int

	// advertised pool capabilities, refreshed before each generation
	WorkerMaxContext int
	WorkerMaxLength  int
}

type hordeRequest struct {
	Prompt string      `json:"prompt"`
	Params hordeParams `json:"params"`
	Models []string    `json:"models,omitempty"`
}

type hordeParams struct {
	MaxLength        int      `json:"max_length"`
	MaxContextLength int      `json:"max_context_length"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p,omitempty"`
	RepPen           float64  `json:"rep_pen,omitempty"`
	StopSequence     []string `json:"stop_sequence,omitempty"`
	N                int      `json:"n,omitempty"`
}

type hordeGeneration struct {
	Text       string `json:"text"`
	WorkerName string `json:"worker_name"`
	Model      string `json:"model"`
}

type hordeResponse struct {
	Generations []hordeGeneration `json:"generations"`
}

func (h *HordeAdapter) Id() Id               { return ProviderHorde }
func (h *HordeAdapter) ChatCompletion() bool { return false }

func (h *HordeAdapter) MaxContext(reservedResponseTokens int) int {
	contextSize := h.ContextSize
	if h.WorkerMaxContext > 0 && h.WorkerMaxContext < contextSize {
		contextSize = h.WorkerMaxContext
	}
	return contextSize - reservedResponseTokens
}

// AdjustParams clamps the requested response length to the pool's advertised
// ceiling before assembly, so the budget reflects what a worker will accept.
func (h *HordeAdapter) AdjustParams(responseLength int) int {
	if h.WorkerMaxLength > 0 && h.WorkerMaxLength < responseLength {
		return h.WorkerMaxLength
	}
	return responseLength
}

func (h *HordeAdapter) BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error) {
	n := params.NumCompletions
	if mode == ModeQuiet {
		n = 0
	}

	body := hordeRequest{
		Prompt: prompt.Text,
		Params: hordeParams{
			MaxLength:        h.AdjustParams(params.ResponseLength),
			MaxContextLength: params.MaxContextLength,
			Temperature:      params.Temperature,
			TopP:             params.TopP,
			RepPen:           params.RepetitionPenalty,
			StopSequence:     params.StoppingStrings,
			N:                n,
		},
		Models: h.Models,
	}

	// the network has no streaming protocol; requests are always buffered
	return &Request{
		Url:  h.Endpoint + "/v2/generate/text",
		Body: body,
		Headers: map[string]string{
			"apikey": h.ApiKey,
		},
		Streaming: false,
	}, nil
}

func (h *HordeAdapter) ExtractText(body []byte) (string, error) {
	if genErr := CheckStructuredError(body); genErr != nil {
		return "", genErr
	}
	var parsed hordeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("error parsing response: %w", err)
	}
	if len(parsed.Generations) == 0 {
		return "", types.NewGenError(types.ErrEmptyResult, "no generations returned")
	}
	return parsed.Generations[0].Text, nil
}

// ExtractTitle reports which worker/model served the request.
func (h *HordeAdapter) ExtractTitle(body []byte) string {
	var parsed hordeResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Generations) == 0 {
		return ""
	}
	gen := parsed.Generations[0]
	if gen.WorkerName == "" {
		return gen.Model
	}
	if gen.Model == "" {
		return gen.WorkerName
	}
	return gen.WorkerName + " (" + gen.Model + ")"
}

func (h *HordeAdapter) ExtractAlternates(body []byte) []string {
	var parsed hordeResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Generations) < 2 {
		return nil
	}
	alternates := make([]string, 0, len(parsed.Generations)-1)
	for _, gen := range parsed.Generations[1:] {
		alternates = append(alternates, gen.Text)
	}
	return alternates
}

func (h *HordeAdapter) ExtractLogprobs([]byte) []types.LogprobRecord { return nil }

func (h *HordeAdapter) ExtractStreamDelta([]byte) (string, []types.LogprobRecord, error) {
	return "", nil, fmt.Errorf("streaming not supported")
}
