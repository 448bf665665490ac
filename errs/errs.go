// Package errs provides structured error types and helpers for QuoteDesk services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies an error category shared across the quote and order cores.
type Kind string

const (
	// KindInvalidSymbol indicates a symbol that failed normalization.
	KindInvalidSymbol Kind = "invalid_symbol"
	// KindInvalidCommand indicates a malformed trade command from a producer.
	KindInvalidCommand Kind = "invalid_command"
	// KindTransportTransient indicates a recoverable network failure.
	KindTransportTransient Kind = "transport_transient"
	// KindTransportFatal indicates a non-retriable failure on a single request.
	KindTransportFatal Kind = "transport_fatal"
	// KindStateConflict indicates an atomic-claim race between consumers.
	KindStateConflict Kind = "state_conflict"
	// KindStorageUnavailable indicates the persistence layer is down.
	KindStorageUnavailable Kind = "storage_unavailable"
	// KindNotFound indicates a missing resource.
	KindNotFound Kind = "not_found"
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "unknown"
)

// E captures structured error information produced across the QuoteDesk stack.
type E struct {
	Op      string
	Kind    Kind
	HTTP    int
	Symbol  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and kind.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Kind:    kind,
		HTTP:    0,
		Symbol:  "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithSymbol records the symbol the failing operation targeted.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf reports the kind carried by err, walking the wrap chain.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err represents a recoverable transport failure.
func Transient(err error) bool {
	return IsKind(err, KindTransportTransient)
}
