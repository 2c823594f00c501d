package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fable-server/generate"
	"fable-server/types"
)

type generateRequest struct {
	Type          string `json:"type"`
	Text          string `json:"text"`
	QuietPrompt   string `json:"quiet_prompt"`
	ForceCharName bool   `json:"force_char_name"`
	DryRun        bool   `json:"dry_run"`
}

type generateResponse struct {
	Text         string `json:"text"`
	MessageIndex int    `json:"message_index"`
	Stopped      bool   `json:"stopped,omitempty"`
	TokenCount   int    `json:"token_count,omitempty"`
}

type genOutcome struct {
	result *generate.Result
	err    error
}

// GenerateHandler runs one generation. Streaming calls get an SSE response
// fed by the session's subscription channel; quiet and dry-run calls get a
// plain JSON response once the orchestration settles.
func (s *Server) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	log.Println("Received request for GenerateHandler")

	chatId := mux.Vars(r)["chatId"]
	orch := s.Chat(chatId)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Error decoding request: %v\n", err)
		http.Error(w, "Error decoding request", http.StatusBadRequest)
		return
	}

	genType := types.GenerationType(req.Type)
	if genType == "" {
		genType = types.GenNormal
	}
	switch genType {
	case types.GenNormal, types.GenContinue, types.GenSwipe, types.GenRegenerate,
		types.GenImpersonate, types.GenQuiet:
	default:
		http.Error(w, fmt.Sprintf("Unknown generation type %q", req.Type), http.StatusBadRequest)
		return
	}

	args := generate.GenerateArgs{
		Type:          genType,
		Text:          req.Text,
		QuietPrompt:   req.QuietPrompt,
		ForceCharName: req.ForceCharName,
		DryRun:        req.DryRun,
	}

	if req.DryRun || genType.IsQuiet() {
		s.respondBuffered(w, r, orch, args)
		return
	}

	outcomeCh := make(chan genOutcome, 1)
	go func() {
		// the generation outlives a dropped client connection; stop is an
		// explicit call, not a disconnect side effect
		result, err := orch.Generate(context.Background(), args)
		outcomeCh <- genOutcome{result: result, err: err}
	}()

	session := s.awaitSession(w, orch, outcomeCh)
	if session == nil {
		return
	}

	s.streamSession(w, r, session, outcomeCh)
}

// respondBuffered settles the whole orchestration before writing a JSON
// response, for the call shapes that never stream.
func (s *Server) respondBuffered(w http.ResponseWriter, r *http.Request, orch *generate.Orchestrator, args generate.GenerateArgs) {
	result, err := orch.Generate(r.Context(), args)
	if err != nil {
		writeGenError(w, err)
		return
	}
	if result == nil {
		// intercepted; nothing was generated
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := generateResponse{
		Text:         result.Text,
		MessageIndex: result.MessageIndex,
		Stopped:      result.Stopped,
	}
	if result.Prompt != nil {
		resp.Text = result.Prompt.Text
		resp.TokenCount = result.Prompt.TokenCount
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Error encoding response: %v\n", err)
	}
}

// awaitSession waits for the orchestration to register its session. A fast
// settle (interception, pre-dispatch failure) short-circuits to a JSON
// response instead.
func (s *Server) awaitSession(w http.ResponseWriter, orch *generate.Orchestrator, outcomeCh chan genOutcome) *types.ActiveGeneration {
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-outcomeCh:
			if outcome.err != nil {
				writeGenError(w, outcome.err)
				return nil
			}
			if outcome.result == nil {
				w.WriteHeader(http.StatusNoContent)
				return nil
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(generateResponse{ //nolint:errcheck
				Text:         outcome.result.Text,
				MessageIndex: outcome.result.MessageIndex,
				Stopped:      outcome.result.Stopped,
			})
			return nil
		case <-deadline:
			http.Error(w, "Timed out waiting for generation to start", http.StatusInternalServerError)
			return nil
		case <-ticker.C:
			if session, ok := orch.ActiveSession(); ok {
				return session
			}
		}
	}
}

func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, session *types.ActiveGeneration, outcomeCh chan genOutcome) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	subscriptionId, ch := session.Subscribe(r.Context())
	defer func() {
		log.Println("Generation stream: client stream closed")
		session.Unsubscribe(subscriptionId)
	}()

	forwarded := false
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			if err := sendEvent(w, flusher, msg); err != nil {
				return
			}
			forwarded = true
		case outcome := <-outcomeCh:
			// drain increments that raced the outcome
			drain := time.After(100 * time.Millisecond)
			for {
				select {
				case msg := <-ch:
					if err := sendEvent(w, flusher, msg); err != nil {
						return
					}
					forwarded = true
					continue
				case <-drain:
				}
				break
			}
			if outcome.err != nil {
				payload, _ := json.Marshal(map[string]any{"error": outcome.err.Error()})
				sendEvent(w, flusher, string(payload)) //nolint:errcheck
			} else if !forwarded && outcome.result != nil && outcome.result.Text != "" {
				// every increment raced past the subscription; the result
				// still has to reach the client
				payload, _ := json.Marshal(map[string]any{
					"index": outcome.result.MessageIndex,
					"text":  outcome.result.Text,
					"final": true,
				})
				sendEvent(w, flusher, string(payload)) //nolint:errcheck
			}
			sendEvent(w, flusher, "[DONE]") //nolint:errcheck
			return
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, msg string) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
		log.Printf("Generation stream: error writing to client: %v\n", err)
		return err
	}
	flusher.Flush()
	return nil
}

func writeGenError(w http.ResponseWriter, err error) {
	var genErr *types.GenError
	if !errors.As(err, &genErr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := genErr.Status
	if status == 0 {
		switch genErr.Kind {
		case types.ErrUnreachable:
			status = http.StatusBadGateway
		case types.ErrEmptyResult:
			status = http.StatusUnprocessableEntity
		default:
			status = http.StatusInternalServerError
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"kind":  string(genErr.Kind),
		"error": genErr.Msg,
	})
}
