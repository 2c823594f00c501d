package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net/http"
	"time"

	"fable-server/types"
)

// RemoteCounter counts tokens by calling the tokenizer endpoint of the active
// backend. Results are cached by text hash; on any transport failure it falls
// back to the local tiktoken estimate rather than blocking generation.
type RemoteCounter struct {
	Endpoint   string
	HttpClient *http.Client

	cache *types.SafeMap[int]
}

func NewRemoteCounter(endpoint string) *RemoteCounter {
	return &RemoteCounter{
		Endpoint:   endpoint,
		HttpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      types.NewSafeMap[int](),
	}
}

type tokenizeRequest struct {
	Text string `json:"text"`
}

type tokenizeResponse struct {
	Count int `json:"count"`
}

func (rc *RemoteCounter) Count(ctx context.Context, text string, padding int) (int, error) {
	key := cacheKey(text)
	if n, ok := rc.cache.GetOk(key); ok {
		return n + padding, nil
	}

	n, err := rc.countRemote(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Printf("Remote tokenizer failed, using local estimate: %v\n", err)
		n = GetNumTokensEstimate(text)
	}

	rc.cache.Set(key, n)
	return n + padding, nil
}

func (rc *RemoteCounter) countRemote(ctx context.Context, text string) (int, error) {
	jsonBody, err := json.Marshal(tokenizeRequest{Text: text})
	if err != nil {
		return 0, fmt.Errorf("error marshaling tokenize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", rc.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, fmt.Errorf("error creating tokenize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.HttpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error making tokenize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("tokenize status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("error parsing tokenize response: %w", err)
	}

	return parsed.Count, nil
}

func cacheKey(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}
