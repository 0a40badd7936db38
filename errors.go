package main

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyQuery           = errors.New("empty query: no text provided")
	ErrEmptyPrompt          = errors.New("prompt cannot be empty")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNoModels             = errors.New("models list cannot be empty")
)

// AttemptKind classifies why a single model attempt failed.
type AttemptKind int

const (
	RateLimited AttemptKind = iota
	NotFoundOrPolicyRestricted
	Unauthorized
	BadRequest
	UpstreamServerError
	UnexpectedStatus
	NetworkFailure
	MalformedResponse
	NoChoices
)

func (k AttemptKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case NotFoundOrPolicyRestricted:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case BadRequest:
		return "bad_request"
	case UpstreamServerError:
		return "server_error"
	case UnexpectedStatus:
		return "unexpected_status"
	case NetworkFailure:
		return "network_failure"
	case MalformedResponse:
		return "malformed_response"
	case NoChoices:
		return "no_choices"
	default:
		return fmt.Sprintf("attempt_kind(%d)", int(k))
	}
}

// ModelError is the failure of one completion request against one model.
type ModelError struct {
	Model  string
	Kind   AttemptKind
	Status int
	Body   string
	Err    error
}

func (e *ModelError) Error() string {
	var msg string
	switch e.Kind {
	case RateLimited:
		msg = "rate limit exceeded (429)"
	case NotFoundOrPolicyRestricted:
		msg = "model not found or data policy restriction (404)"
	case Unauthorized:
		msg = "unauthorized: invalid API key (401)"
	case BadRequest:
		msg = fmt.Sprintf("bad request (400): %s", e.Body)
	case UpstreamServerError:
		msg = "completion API server error (500)"
	case UnexpectedStatus:
		msg = fmt.Sprintf("unexpected status code %d: %s", e.Status, e.Body)
	case NoChoices:
		msg = "no choices in API response"
	default:
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("model %s: %s", e.Model, msg)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
