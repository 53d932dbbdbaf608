package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/nirosys/weir/graph"
)

// ErrorKind classifies failures so recovery policies can treat them
// differently.
type ErrorKind string

const (
	KindUnknown ErrorKind = "unknown"
	KindQuota   ErrorKind = "quota"
	KindNetwork ErrorKind = "network"
	KindTimeout ErrorKind = "timeout"
	KindClone   ErrorKind = "clone"
	KindAbort   ErrorKind = "abort"
	KindType    ErrorKind = "type"
	KindSyntax  ErrorKind = "syntax"
)

// Recoverable reports whether k is one of the kinds a degraded connection can
// mitigate by retuning itself.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindQuota, KindNetwork, KindTimeout, KindClone:
		return true
	}
	return false
}

// Retryable is false for kinds that will fail the same way every time.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAbort, KindType, KindSyntax:
		return false
	}
	return true
}

// KindError attaches an ErrorKind to an error.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func NewKindError(kind ErrorKind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WriteError is a failure observed on a connection's write or batch path. It
// carries the connection id so that policies can key their state on it.
type WriteError struct {
	Connection graph.ConnectionID
	Kind       ErrorKind
	Err        error
}

func NewWriteError(id graph.ConnectionID, err error) *WriteError {
	return &WriteError{Connection: id, Kind: KindOf(err), Err: err}
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("connection %s: %s", e.Connection, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ConnectionOf returns the connection id carried by err, if any.
func ConnectionOf(err error) (graph.ConnectionID, bool) {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Connection, true
	}
	return "", false
}

// KindOf classifies err. Explicit kinds win; otherwise well-known standard
// library errors are mapped onto the closest kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var we *WriteError
	if errors.As(err, &we) && we.Kind != "" && we.Kind != KindUnknown {
		return we.Kind
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindAbort
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return KindSyntax
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return KindType
	}
	var unsupported *json.UnsupportedTypeError
	if errors.As(err, &unsupported) {
		return KindClone
	}
	var unsupportedVal *json.UnsupportedValueError
	if errors.As(err, &unsupportedVal) {
		return KindClone
	}
	return KindUnknown
}
