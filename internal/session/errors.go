package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// SendErrorKind classifies a failed completion request for user-facing
// surfacing. Failures never propagate past the lifecycle controller.
type SendErrorKind int

const (
	// SendErrorGeneric covers network errors, malformed responses, rate
	// limiting and anything else without a dedicated kind.
	SendErrorGeneric SendErrorKind = iota
	// SendErrorInvalidCredential means the service rejected the API key.
	SendErrorInvalidCredential
	// SendErrorCancelled means the user cancelled the in-flight request.
	SendErrorCancelled
)

func (k SendErrorKind) String() string {
	switch k {
	case SendErrorInvalidCredential:
		return "invalid_credential"
	case SendErrorCancelled:
		return "cancelled"
	default:
		return "generic"
	}
}

var (
	// ErrRequestInFlight is returned by Send while a request is running.
	ErrRequestInFlight = errors.New("a completion request is already in flight")
	// ErrNoRequestInFlight is returned by Cancel when nothing is running.
	ErrNoRequestInFlight = errors.New("no completion request in flight")
)

// ClassifySendError maps a completion service failure onto a SendErrorKind.
func ClassifySendError(err error) SendErrorKind {
	if errors.Is(err, context.Canceled) {
		return SendErrorCancelled
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusUnauthorized {
		return SendErrorInvalidCredential
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusUnauthorized {
		return SendErrorInvalidCredential
	}

	return SendErrorGeneric
}
