package provider

import (
	"encoding/json"
	"fmt"
	"net/http"

	"fable-server/types"
)

// HTTPError is a non-2xx transport response, body retained for diagnostics.
type HTTPError struct {
	StatusCode int
	Body       string
	Header     http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status code: %d, body: %s", e.StatusCode, e.Body)
}

// structuredError is the error envelope several backends embed in otherwise
// successful transport responses.
type structuredError struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
}

// CheckStructuredError inspects a 200-level body for an embedded error field.
// An "ok transport, logical error" response is treated identically to a
// transport failure.
func CheckStructuredError(body []byte) *types.GenError {
	var envelope structuredError
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if len(envelope.Error) == 0 || string(envelope.Error) == "null" || string(envelope.Error) == "false" {
		return nil
	}

	msg := envelope.Message
	if msg == "" {
		msg = envelope.Detail
	}
	if msg == "" {
		// error may itself be an object with a message, or a bare string
		var inner struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &inner); err == nil && inner.Message != "" {
			msg = inner.Message
		} else {
			var s string
			if err := json.Unmarshal(envelope.Error, &s); err == nil {
				msg = s
			}
		}
	}
	if msg == "" {
		msg = "provider reported an error"
	}
	return &types.GenError{Kind: types.ErrProvider, Msg: msg}
}
