// Package dispatch executes provider requests, buffered or streaming, and
// owns nothing but the transport: cancellation comes from the caller's
// context, interpretation of bodies belongs to the adapters.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/davecgh/go-spew/spew"

	"fable-server/provider"
	"fable-server/types"
)

var httpClient = &http.Client{}

type Dispatcher struct {
	Client *http.Client
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{Client: httpClient}
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return httpClient
}

// Buffered performs the call and returns the full response body. Any
// non-success status is parsed and surfaced as a structured error.
func (d *Dispatcher) Buffered(ctx context.Context, req *provider.Request) ([]byte, error) {
	httpReq, err := buildHTTPRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := d.client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.GenError{Kind: types.ErrUnreachable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, body)
	}

	return body, nil
}

// Stream performs the call and returns a lazy sequence of cumulative chunks.
// Once the supplied context is cancelled, iteration stops promptly and no
// further chunks are produced.
func (d *Dispatcher) Stream(ctx context.Context, adapter provider.Adapter, req *provider.Request) (*Stream, error) {
	httpReq, err := buildHTTPRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := d.client().Do(httpReq) //nolint:bodyclose // body is closed in stream.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &types.GenError{Kind: types.ErrUnreachable, Msg: err.Error()}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("error reading error response: %w", readErr)
		}
		return nil, statusError(resp.StatusCode, body)
	}

	return newStream(ctx, adapter, resp), nil
}

func buildHTTPRequest(ctx context.Context, req *provider.Request, streaming bool) (*http.Request, error) {
	jsonBody, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", req.Url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Connection", "keep-alive")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// statusError normalizes a non-2xx body into the uniform structured shape.
func statusError(statusCode int, body []byte) error {
	log.Println(spew.Sdump(map[string]interface{}{
		"statusCode": statusCode,
		"body":       string(body),
	}))

	if genErr := provider.CheckStructuredError(body); genErr != nil {
		genErr.Status = statusCode
		return genErr
	}
	return &types.GenError{
		Kind:   types.ErrProvider,
		Status: statusCode,
		Msg:    string(body),
	}
}
