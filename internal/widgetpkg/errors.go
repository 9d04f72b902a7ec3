package widgetpkg

import "fmt"

// DecodeErrorKind distinguishes why a package string could not be decoded.
type DecodeErrorKind string

const (
	KindMissingPrefix   DecodeErrorKind = "missing_prefix"
	KindEmptyPayload    DecodeErrorKind = "empty_payload"
	KindVersionMismatch DecodeErrorKind = "version_mismatch"
	KindTypeMismatch    DecodeErrorKind = "type_mismatch"
	KindInvalid         DecodeErrorKind = "invalid"
)

// DecodeError reports a package string that could not be decoded.
type DecodeError struct {
	Kind    DecodeErrorKind
	Message string
}

func (e *DecodeError) Error() string {
	return "widgetpkg: " + e.Message
}

// Is matches any DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is matching by kind.
var (
	ErrMissingPrefix   = &DecodeError{Kind: KindMissingPrefix}
	ErrEmptyPayload    = &DecodeError{Kind: KindEmptyPayload}
	ErrVersionMismatch = &DecodeError{Kind: KindVersionMismatch}
	ErrTypeMismatch    = &DecodeError{Kind: KindTypeMismatch}
	ErrInvalid         = &DecodeError{Kind: KindInvalid}
)

func decodeError(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ImportError reports a package that failed validation.
type ImportError struct {
	Slug   string
	Errors []string
}

func (e *ImportError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("widgetpkg: package %s is invalid: %s", e.Slug, e.Errors[0])
	}
	return fmt.Sprintf("widgetpkg: package %s is invalid: %s (and %d more)", e.Slug, e.Errors[0], len(e.Errors)-1)
}
