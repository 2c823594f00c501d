package dispatch

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"fable-server/provider"
	"fable-server/types"
)

// Stream reads SSE events off a generation response and accumulates deltas
// into cumulative chunks. A chunk's Text is always the whole output so far,
// never a delta. Restart requires recreating the stream.
type Stream struct {
	reader   *bufio.Reader
	response *http.Response
	adapter  provider.Adapter
	ctx      context.Context

	emptyEventsLimit int
	errAccumulator   *ErrorAccumulator

	cumulative strings.Builder
	logprobs   []types.LogprobRecord
}

// ErrorAccumulator keeps track of unparseable events during streaming.
type ErrorAccumulator struct {
	errors []error
	mu     sync.Mutex
}

func NewErrorAccumulator() *ErrorAccumulator {
	return &ErrorAccumulator{errors: make([]error, 0)}
}

func (ea *ErrorAccumulator) Add(err error) {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	ea.errors = append(ea.errors, err)
}

func (ea *ErrorAccumulator) GetErrors() []error {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	return ea.errors
}

func newStream(ctx context.Context, adapter provider.Adapter, resp *http.Response) *Stream {
	return &Stream{
		reader:           bufio.NewReader(resp.Body),
		response:         resp,
		adapter:          adapter,
		ctx:              ctx,
		emptyEventsLimit: 30,
		errAccumulator:   NewErrorAccumulator(),
	}
}

// Recv returns the next cumulative chunk, io.EOF at the end of the stream,
// or the context error once cancelled.
func (s *Stream) Recv() (types.StreamChunk, error) {
	select {
	case <-s.ctx.Done():
		return types.StreamChunk{}, s.ctx.Err()
	default:
	}

	emptyEvents := 0
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return types.StreamChunk{}, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			emptyEvents++
			if emptyEvents > s.emptyEventsLimit {
				return types.StreamChunk{}, io.ErrUnexpectedEOF
			}
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return types.StreamChunk{}, io.EOF
		}

		delta, logprobs, err := s.adapter.ExtractStreamDelta([]byte(data))
		if err != nil {
			s.errAccumulator.Add(err)
			continue
		}

		s.cumulative.WriteString(delta)
		if len(logprobs) > 0 {
			s.logprobs = append(s.logprobs, logprobs...)
		}

		return types.StreamChunk{
			Text:     s.cumulative.String(),
			Logprobs: logprobs,
		}, nil
	}
}

// Close releases the response body.
func (s *Stream) Close() error {
	if s.response != nil {
		return s.response.Body.Close()
	}
	return nil
}
