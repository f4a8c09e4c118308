package app

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed request for the client.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInput
	KindUnsupported
	KindToolMissing
	KindUnavailable
	KindTimeout
	KindEmpty
	KindToolFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindUnsupported:
		return "unsupported"
	case KindToolMissing:
		return "tool_missing"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindEmpty:
		return "empty"
	case KindToolFailed:
		return "tool_failed"
	default:
		return "internal"
	}
}

// StatusCode is the HTTP status reported for the kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindInput, KindUnsupported, KindUnavailable, KindEmpty:
		return http.StatusBadRequest
	case KindToolMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DownloadError is the only error type that reaches the client. Message is always a friendly
// text; Details may carry diagnostic output from yt-dlp.
type DownloadError struct {
	Kind    ErrorKind
	Message string
	Details string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, msg string) *DownloadError {
	return &DownloadError{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, msg string, err error) *DownloadError {
	return &DownloadError{Kind: kind, Message: msg, Err: err}
}

// AsDownloadError classifies any error, treating unknown errors as internal.
func AsDownloadError(err error) *DownloadError {
	if err == nil {
		return nil
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de
	}
	return wrapError(KindInternal, "Internal server error", err)
}

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
