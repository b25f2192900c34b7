package tally

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tallysync "github.com/hyperengineering/tally/internal/sync"
)

// FieldError is one invalid field reported by the backend.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is a non-2xx backend response. Problem documents populate Type,
// Title and Detail; 422 push rejections populate PushErrors.
type APIError struct {
	Status     int
	Type       string
	Title      string
	Detail     string
	Errors     []FieldError
	PushErrors []tallysync.PushError
	Replayed   bool
}

func (e *APIError) Error() string {
	msg := e.Title
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if len(e.Errors) > 0 {
		parts := make([]string, len(e.Errors))
		for i, fe := range e.Errors {
			parts[i] = fe.Field + " " + fe.Message
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	return fmt.Sprintf("tally: %d %s", e.Status, msg)
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		Status:   resp.StatusCode,
		Replayed: resp.Header.Get("X-Idempotent-Replay") == "true",
	}

	var doc struct {
		Type   string          `json:"type"`
		Title  string          `json:"title"`
		Detail string          `json:"detail"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		e.Detail = strings.TrimSpace(string(body))
		return e
	}
	e.Type, e.Title, e.Detail = doc.Type, doc.Title, doc.Detail

	if len(doc.Errors) > 0 {
		// Push rejections list entries by sequence, problem documents list fields.
		var pushErrs []tallysync.PushError
		if json.Unmarshal(doc.Errors, &pushErrs) == nil && len(pushErrs) > 0 && pushErrs[0].Code != "" {
			e.PushErrors = pushErrs
		} else {
			_ = json.Unmarshal(doc.Errors, &e.Errors)
		}
	}
	if e.Title == "" && len(e.PushErrors) > 0 {
		e.Title = fmt.Sprintf("%d push entries rejected", len(e.PushErrors))
	}
	return e
}
