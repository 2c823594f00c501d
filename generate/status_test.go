package generate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRecordsResult(t *testing.T) {
	var gotHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("Authorization"))
	}))
	defer server.Close()

	prober := NewHTTPProber(server.URL, map[string]string{"Authorization": "Bearer key"})

	require.NoError(t, prober.Probe(context.Background()))
	assert.Equal(t, "Bearer key", gotHeader.Load())

	last := prober.Last()
	assert.True(t, last.Online)
	assert.Empty(t, last.Detail)
	assert.False(t, last.CheckedAt.IsZero())
}

func TestProbeRecordsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	prober := NewHTTPProber(server.URL, nil)

	require.Error(t, prober.Probe(context.Background()))

	last := prober.Last()
	assert.False(t, last.Online)
	assert.Contains(t, last.Detail, "503")
}

func TestProbeCancelsPreviousInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
	}))
	defer server.Close()
	defer close(release)

	prober := NewHTTPProber(server.URL, nil)

	firstDone := make(chan error, 1)
	go func() { firstDone <- prober.Probe(context.Background()) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the second probe cancels the stalled first one and wins
	require.NoError(t, prober.Probe(context.Background()))

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first probe did not settle after being superseded")
	}

	assert.True(t, prober.Last().Online)
}
