// Package apperr is the error taxonomy shared by the pipeline and the HTTP
// layer. Every failure that reaches a caller carries a Kind, and each Kind
// maps to one HTTP status and one machine-readable code.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindNotFound
	KindBusy
	KindConfiguration
	KindUpstreamContract
	KindUpstream
	KindInference
	KindIO
	KindTimeout
)

var kindCodes = map[Kind]string{
	KindUnknown:          "internal_error",
	KindInvalidRequest:   "invalid_request",
	KindNotFound:         "not_found",
	KindBusy:             "busy",
	KindConfiguration:    "configuration_error",
	KindUpstreamContract: "upstream_contract_violation",
	KindUpstream:         "upstream_error",
	KindInference:        "inference_failure",
	KindIO:               "io_failure",
	KindTimeout:          "timeout",
}

func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

// KindFromCode is the inverse of Kind.String. Unknown codes map to
// KindUnknown.
func KindFromCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindUnknown
}

// Error is a classified failure. Op names the operation that failed
// ("refiner.parse", "transcode.gif", ...).
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil. An err that is already
// classified keeps its kind unless it is KindUnknown.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind != KindUnknown {
		kind = existing.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf reports the outermost classified kind in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

func Status(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusTooManyRequests
	case KindUpstreamContract, KindUpstream, KindInference:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code for err.
func Code(err error) string {
	return KindOf(err).String()
}
