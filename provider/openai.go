package provider

import (
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"fable-server/assembly"
	"fable-server/types"
)

// OpenAIAdapter targets chat-completion style hosted APIs.
type OpenAIAdapter struct {
	Endpoint    string
	ApiKey      string
	OrgId       string
	Model       string
	ContextSize int

	LogitBias map[string]int
}

func (o *OpenAIAdapter) Id() Id               { return ProviderOpenAI }
func (o *OpenAIAdapter) ChatCompletion() bool { return true }

func (o *OpenAIAdapter) MaxContext(reservedResponseTokens int) int {
	return o.ContextSize - reservedResponseTokens
}

func (o *OpenAIAdapter) BuildRequest(prompt *assembly.AssembledPrompt, params GenerationParams, mode Mode) (*Request, error) {
	if len(prompt.ChatMessages) == 0 {
		return nil, fmt.Errorf("chat-completion provider requires a message list")
	}

	streaming := params.Streaming && mode != ModeQuiet

	req := openai.ChatCompletionRequest{
		Model:       o.Model,
		Messages:    prompt.ChatMessages,
		Temperature: float32(params.Temperature),
		TopP:        float32(params.TopP),
		MaxTokens:   params.ResponseLength,
		Stop:        params.StoppingStrings,
		Stream:      streaming,
	}
	if params.NumCompletions > 1 {
		req.N = params.NumCompletions
	}
	if params.Logprobs {
		req.LogProbs = true
		req.TopLogProbs = 5
	}

	// quiet/background calls skip user bias
	if mode != ModeQuiet && len(o.LogitBias) > 0 {
		req.LogitBias = o.LogitBias
	}

	headers := map[string]string{
		"Authorization": "Bearer " + o.ApiKey,
	}
	if o.OrgId != "" {
		headers["OpenAI-Organization"] = o.OrgId
	}

	return &Request{
		Url:       o.Endpoint + "/v1/chat/completions",
		Body:      req,
		Headers:   headers,
		Streaming: streaming,
	}, nil
}

func (o *OpenAIAdapter) ExtractText(body []byte) (string, error) {
	if genErr := CheckStructuredError(body); genErr != nil {
		return "", genErr
	}
	var parsed openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("error parsing response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", types.NewGenError(types.ErrEmptyResult, "no completions returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (o *OpenAIAdapter) ExtractTitle([]byte) string { return "" }

func (o *OpenAIAdapter) ExtractAlternates(body []byte) []string {
	var parsed openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) < 2 {
		return nil
	}
	alternates := make([]string, 0, len(parsed.Choices)-1)
	for _, choice := range parsed.Choices[1:] {
		alternates = append(alternates, choice.Message.Content)
	}
	return alternates
}

func (o *OpenAIAdapter) ExtractLogprobs(body []byte) []types.LogprobRecord {
	var parsed openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil
	}
	lp := parsed.Choices[0].LogProbs
	if lp == nil {
		return nil
	}
	records := make([]types.LogprobRecord, 0, len(lp.Content))
	for _, content := range lp.Content {
		record := types.LogprobRecord{
			Token:      content.Token,
			Candidates: map[string]float64{},
		}
		for _, top := range content.TopLogProbs {
			record.Candidates[top.Token] = top.LogProb
		}
		records = append(records, record)
	}
	return records
}

func (o *OpenAIAdapter) ExtractStreamDelta(data []byte) (string, []types.LogprobRecord, error) {
	var event openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &event); err != nil {
		return "", nil, fmt.Errorf("error parsing stream event: %w", err)
	}
	if len(event.Choices) == 0 {
		return "", nil, nil
	}
	return event.Choices[0].Delta.Content, nil, nil
}
