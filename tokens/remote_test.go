package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteCounter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)

		var req tokenizeRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, "hello world", req.Text)

		json.NewEncoder(w).Encode(tokenizeResponse{Count: 42}) //nolint:errcheck
	}))
	defer server.Close()

	counter := NewRemoteCounter(server.URL)

	n, err := counter.Count(context.Background(), "hello world", 10)
	require.NoError(t, err)
	assert.Equal(t, 52, n)

	// second call hits the cache
	n, err = counter.Count(context.Background(), "hello world", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoteCounterFallsBackToLocalEstimate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	counter := NewRemoteCounter(server.URL)

	n, err := counter.Count(context.Background(), "some text to count", 0)
	require.NoError(t, err)
	assert.Equal(t, GetNumTokensEstimate("some text to count"), n)
}

func TestRemoteCounterHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	counter := NewRemoteCounter(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := counter.Count(ctx, "never counted", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetMessagesTokenEstimateIncludesOverhead(t *testing.T) {
	empty := GetMessagesTokenEstimate()
	assert.Equal(t, 0, empty)

	single := GetMessagesTokenEstimate(openai.ChatCompletionMessage{Role: "user", Content: "hi"})
	assert.Equal(t, TokensPerMessage+TokensPerName+GetNumTokensEstimate("hi"), single)
}
