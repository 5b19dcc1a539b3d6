// Package retry defines the classes of failure a download job can experience,
// and a retry policy which decides, based solely on that class, whether (and
// when) a failed operation should be attempted again.
package retry

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// ToolPermanent is the default for unclassified errors.
	ToolPermanent Kind = iota
	ValidationRejected
	ToolTransient
	StorageError
	LinkInvalid
	LinkExpired
)

func (k Kind) String() string {
	switch k {
	case ValidationRejected:
		return "VALIDATION_REJECTED"
	case ToolTransient:
		return "TOOL_TRANSIENT"
	case ToolPermanent:
		return "TOOL_PERMANENT"
	case StorageError:
		return "STORAGE"
	case LinkInvalid:
		return "LINK_INVALID"
	case LinkExpired:
		return "LINK_EXPIRED"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(k))
}

// Retryable returns true for the classes of error which may succeed if attempted again.
func (k Kind) Retryable() bool {
	return k == ToolTransient || k == StorageError
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func Rejected(err error) error  { return classify(ValidationRejected, err) }
func Transient(err error) error { return classify(ToolTransient, err) }
func Permanent(err error) error { return classify(ToolPermanent, err) }
func Storage(err error) error   { return classify(StorageError, err) }

// KindOf returns the class of the error provided. The outermost classification
// wins. Errors without a classification are considered permanent.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	return ToolPermanent
}
