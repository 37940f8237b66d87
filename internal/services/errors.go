package services

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrExternalTool   = errors.New("external tool error")
	ErrValidation     = errors.New("validation error")
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("not found")
	ErrTimeout        = errors.New("timeout")
	ErrTransient      = errors.New("transient failure")
	ErrInfrastructure = errors.New("infrastructure unavailable")
	ErrCanceled       = errors.New("canceled")
)

// ErrorKind names the marker carried by a service error.
type ErrorKind string

const (
	KindUnknown        ErrorKind = "unknown"
	KindExternalTool   ErrorKind = "external_tool"
	KindValidation     ErrorKind = "validation"
	KindConfiguration  ErrorKind = "configuration"
	KindNotFound       ErrorKind = "not_found"
	KindTimeout        ErrorKind = "timeout"
	KindTransient      ErrorKind = "transient"
	KindInfrastructure ErrorKind = "infrastructure"
	KindCanceled       ErrorKind = "canceled"
)

var markerKinds = []struct {
	marker error
	kind   ErrorKind
}{
	{ErrCanceled, KindCanceled},
	{ErrInfrastructure, KindInfrastructure},
	{ErrTimeout, KindTimeout},
	{ErrTransient, KindTransient},
	{ErrValidation, KindValidation},
	{ErrConfiguration, KindConfiguration},
	{ErrNotFound, KindNotFound},
	{ErrExternalTool, KindExternalTool},
}

// Error is the structured error produced by Wrap.
type Error struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Stage, e.Operation, e.Message)
	marker := "service failure"
	if e.Marker != nil {
		marker = e.Marker.Error()
	}
	if e.Cause != nil {
		return marker + ": " + detail + ": " + e.Cause.Error()
	}
	return marker + ": " + detail
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Marker != nil {
		out = append(out, e.Marker)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{
		Marker:    marker,
		Stage:     strings.TrimSpace(stage),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// WithHint attaches an operator-facing hint to a service error.
func WithHint(err error, hint string) error {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		clone := *svcErr
		clone.Hint = strings.TrimSpace(hint)
		return &clone
	}
	return err
}

// ErrorDetails is the flattened view of a service error used for logging and
// user-facing summaries.
type ErrorDetails struct {
	Kind      ErrorKind
	Stage     string
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details extracts the structured fields from err. Errors that were not built
// with Wrap still report a kind derived from any sentinel they wrap.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{Kind: KindUnknown}
	}
	details := ErrorDetails{Kind: kindOf(err)}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		details.Stage = svcErr.Stage
		details.Operation = svcErr.Operation
		details.Message = svcErr.Message
		details.Hint = svcErr.Hint
		details.Cause = svcErr.Cause
	}
	return details
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	for _, mk := range markerKinds {
		if errors.Is(err, mk.marker) {
			return mk.kind
		}
	}
	return KindUnknown
}

// Class partitions stage failures into the handling strategies the dispatcher applies.
type Class string

const (
	// ClassTransient failures return the task to pending until its attempt budget is spent.
	ClassTransient Class = "transient"
	// ClassTerminal failures fail the task and cascade to the owning order.
	ClassTerminal Class = "terminal"
	// ClassInfrastructure failures leave the task pending without consuming an attempt.
	ClassInfrastructure Class = "infrastructure"
	// ClassCanceled failures come from an operator stop or daemon shutdown.
	ClassCanceled Class = "canceled"
)

// Classify maps err onto a failure class.
func Classify(err error) Class {
	switch kindOf(err) {
	case KindTransient, KindTimeout:
		return ClassTransient
	case KindInfrastructure:
		return ClassInfrastructure
	case KindCanceled:
		return ClassCanceled
	default:
		return ClassTerminal
	}
}

// Summary renders a short human-readable description of err without raw tool output.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	details := Details(err)
	if msg := buildDetail(details.Stage, details.Operation, details.Message); details.Message != "" || details.Operation != "" {
		return msg
	}
	switch details.Kind {
	case KindTimeout:
		return "stage timed out"
	case KindCanceled:
		return "stage canceled"
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	const limit = 200
	if runes := []rune(msg); len(runes) > limit {
		msg = string(runes[:limit]) + "..."
	}
	return msg
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
