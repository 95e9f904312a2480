package conversation

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for every failure a conversation operation can report. Use errors.Is to test for them;
// the typed errors below wrap them.
var (
	ErrEmptyInput        = errors.New("input is empty")
	ErrOffline           = errors.New("network is offline")
	ErrMissingCredential = errors.New("api credential is not configured")
	ErrBusy              = errors.New("a request is already in progress")

	ErrMalformedResponse = errors.New("malformed response")
	ErrUnauthorized      = errors.New("credential rejected")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrTransport         = errors.New("transport failure")
	ErrTimeout           = errors.New("request timed out")

	ErrDevice        = errors.New("microphone unavailable")
	ErrEmptyCapture  = errors.New("no audio captured")
	ErrTranscription = errors.New("transcription failed")
	ErrEmptyExport   = errors.New("message log is empty")
)

// PreconditionError reports an operation refused before any network call was made.
type PreconditionError struct {
	Reason error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %v", e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Reason
}

// Is matches any other PreconditionError.
func (e *PreconditionError) Is(target error) bool {
	_, ok := target.(*PreconditionError)
	return ok
}

func precondition(reason error) error {
	return &PreconditionError{Reason: reason}
}

// RemoteError represents a failed call to a remote endpoint. Kind is one of ErrUnauthorized,
// ErrRateLimited, ErrTransport, ErrTimeout or ErrMalformedResponse.
type RemoteError struct {
	Endpoint   string
	StatusCode int
	Kind       error
	Err        error
}

// NewRemoteError classifies a failed call by its HTTP status code. A zero status code means the request
// never got a response.
func NewRemoteError(endpoint string, statusCode int, err error) *RemoteError {
	kind := ErrTransport
	switch statusCode {
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	}
	return &RemoteError{Endpoint: endpoint, StatusCode: statusCode, Kind: kind, Err: err}
}

// NewTimeoutError reports a call that did not complete before its deadline.
func NewTimeoutError(endpoint string, err error) *RemoteError {
	return &RemoteError{Endpoint: endpoint, Kind: ErrTimeout, Err: err}
}

// NewMalformedError reports a response that arrived but lacked the expected reply field.
func NewMalformedError(endpoint string, err error) *RemoteError {
	return &RemoteError{Endpoint: endpoint, Kind: ErrMalformedResponse, Err: err}
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v [%d] at %s: %v", e.Kind, e.StatusCode, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%v at %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Is reports timeouts as transport failures too.
func (e *RemoteError) Is(target error) bool {
	if target == ErrTransport && e.Kind == ErrTimeout {
		return true
	}
	_, ok := target.(*RemoteError)
	return ok
}

// UserMessage returns the notice shown to the user for err. Every error kind maps to its own text.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "Please type or record your car issue first."
	case errors.Is(err, ErrOffline):
		return "You appear to be offline. Reconnect and try again."
	case errors.Is(err, ErrMissingCredential):
		return "AutoFix Assistant is not configured with an API key."
	case errors.Is(err, ErrBusy):
		return "AutoFix Assistant is still working on your last request."
	case errors.Is(err, ErrTranscription):
		return "Voice transcription failed."
	case errors.Is(err, ErrUnauthorized):
		return "The API key was rejected. Check your credentials."
	case errors.Is(err, ErrRateLimited):
		return "Too many requests right now. Please wait a moment and try again."
	case errors.Is(err, ErrTimeout):
		return "AutoFix Assistant took too long to respond."
	case errors.Is(err, ErrMalformedResponse):
		return "AutoFix Assistant returned an unexpected response."
	case errors.Is(err, ErrTransport):
		return "Something went wrong while talking to AutoFix Assistant."
	case errors.Is(err, ErrDevice):
		return "Microphone access was denied or is not supported."
	case errors.Is(err, ErrEmptyCapture):
		return "No audio was captured. Please try recording again."
	case errors.Is(err, ErrEmptyExport):
		return "There are no messages to download yet."
	default:
		return "Something went wrong."
	}
}
