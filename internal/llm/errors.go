package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind is the closed set of turn-level failures.
type ErrorKind string

const (
	KindAuthentication   ErrorKind = "authentication"
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindProvider         ErrorKind = "provider"
	KindTransport        ErrorKind = "transport"
)

// Error is a classified completion failure. It is recoverable: the turn
// fails, the session continues.
type Error struct {
	Kind ErrorKind
	// Model is the model the failed request asked for.
	Model string
	// Suggestion is an alternative model, set for KindModelUnavailable.
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage is the assistant-role text shown in place of a reply.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindAuthentication:
		return "⚠️ The model provider rejected the API key. Check the OpenAI API key configuration, then send your question again."
	case KindModelUnavailable:
		if e.Suggestion != "" {
			return fmt.Sprintf("⚠️ The model %q is not available for this API key. Switch to %q in the settings and try again.", e.Model, e.Suggestion)
		}
		return fmt.Sprintf("⚠️ The model %q is not available for this API key. Pick another model in the settings and try again.", e.Model)
	case KindTransport:
		return "⚠️ Could not reach the model provider (network error or timeout). Check your connection and try again."
	default:
		return fmt.Sprintf("⚠️ The model provider returned an error: %s. Please try again in a moment.", providerDetail(e.Err))
	}
}

func providerDetail(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Sprintf("HTTP %d", reqErr.HTTPStatusCode)
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Classify maps any completion error onto an ErrorKind. context.Canceled is
// not a failure and must be filtered out by the caller before classifying.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode, apiCode(apiErr)), Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode, ""), Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: KindTransport, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransport, Err: err}
	}

	return &Error{Kind: KindProvider, Err: err}
}

func apiCode(apiErr *openai.APIError) string {
	if apiErr.Code == nil {
		return ""
	}
	return fmt.Sprint(apiErr.Code)
}

func kindForStatus(status int, code string) ErrorKind {
	switch code {
	case "invalid_api_key", "invalid_organization":
		return KindAuthentication
	case "model_not_found":
		return KindModelUnavailable
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthentication
	case http.StatusNotFound:
		return KindModelUnavailable
	}
	return KindProvider
}
