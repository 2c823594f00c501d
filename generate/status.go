package generate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// StatusResult is the outcome of the latest reachability probe.
type StatusResult struct {
	Online    bool      `json:"online"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HTTPProber checks backend reachability with a plain GET against the
// provider's status endpoint. Each probe cancels the previous in-flight one,
// so switching backends mid-check never leaves a stale check overwriting a
// fresh result.
type HTTPProber struct {
	Client  *http.Client
	Url     string
	Headers map[string]string

	mu         sync.Mutex
	cancelLast context.CancelFunc
	seq        uint64
	last       StatusResult
}

func NewHTTPProber(url string, headers map[string]string) *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{},
		Url:     url,
		Headers: headers,
	}
}

// Probe checks the endpoint and records the result. An error means the
// backend should be treated as unreachable.
func (p *HTTPProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	if p.cancelLast != nil {
		p.cancelLast()
	}
	probeCtx, cancel := context.WithCancel(ctx)
	p.cancelLast = cancel
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	defer cancel()

	err := p.check(probeCtx)

	p.mu.Lock()
	// a superseded probe must not overwrite the fresher result
	if seq == p.seq {
		p.last = StatusResult{
			Online:    err == nil,
			CheckedAt: time.Now(),
		}
		if err != nil {
			p.last.Detail = err.Error()
		}
	}
	p.mu.Unlock()

	return err
}

// Last returns the most recent probe result without re-checking.
func (p *HTTPProber) Last() StatusResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *HTTPProber) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.Url, nil)
	if err != nil {
		return fmt.Errorf("error creating status request: %w", err)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("error checking status: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}
