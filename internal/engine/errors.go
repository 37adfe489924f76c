package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/reducer"
	"github.com/roach88/truthlayer/internal/relationship"
	"github.com/roach88/truthlayer/internal/resolve"
	"github.com/roach88/truthlayer/internal/schema"
	"github.com/roach88/truthlayer/internal/store"
)

// Error is the error every engine operation returns.
//
// Code places the failure in the caller-facing taxonomy:
//   - VALIDATION_ERROR: missing idempotency key, malformed payload, schema mismatch
//   - SCHEMA_NOT_FOUND: entity type unresolvable even by inference
//   - CONFLICT: lock contention; retry with the same key
//   - INTERPRETATION_FAILURE: extraction error or timeout; the source is kept
//   - NOT_FOUND: unknown entity, source, relationship or schema
//   - PROVENANCE_INTEGRITY: a snapshot field without a contributor (a bug)
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context such as ids.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	CodeValidation            ErrorCode = "VALIDATION_ERROR"
	CodeSchemaNotFound        ErrorCode = "SCHEMA_NOT_FOUND"
	CodeConflict              ErrorCode = "CONFLICT"
	CodeInterpretationFailure ErrorCode = "INTERPRETATION_FAILURE"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeProvenanceIntegrity   ErrorCode = "PROVENANCE_INTEGRITY"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request with the same
// idempotency key may succeed.
func (e *Error) Retryable() bool {
	return e.Code == CodeConflict
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidation reports whether err is a VALIDATION_ERROR.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsSchemaNotFound reports whether err is a SCHEMA_NOT_FOUND error.
func IsSchemaNotFound(err error) bool { return hasCode(err, CodeSchemaNotFound) }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsInterpretationFailure reports whether err is an INTERPRETATION_FAILURE.
func IsInterpretationFailure(err error) bool { return hasCode(err, CodeInterpretationFailure) }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsProvenanceIntegrity reports whether err is a PROVENANCE_INTEGRITY error.
func IsProvenanceIntegrity(err error) bool { return hasCode(err, CodeProvenanceIntegrity) }

// Retryable reports whether err is safe to retry with the same key.
func Retryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func newError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func validationf(format string, args ...any) *Error {
	return newError(CodeValidation, nil, format, args...)
}

func notFoundf(format string, args ...any) *Error {
	return newError(CodeNotFound, nil, format, args...)
}

// NewConflictError reports a lock that could not be acquired in time.
func NewConflictError(kind, key string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s lock for %s not acquired in time; retry with the same key", kind, key),
		Details: map[string]string{"lock": kind, "key": key},
	}
}

// classify maps the typed errors of lower packages into the taxonomy.
// Errors that are already *Error pass through; anything unrecognised is
// returned unchanged.
func (e *Engine) classify(err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		if ee.Code == CodeProvenanceIntegrity {
			e.logger.Error("provenance integrity violation", "error", err)
		}
		return err
	}

	var pe *reducer.ProvenanceIntegrityError
	if errors.As(err, &pe) {
		e.logger.Error("provenance integrity violation",
			slog.String("snapshot_id", pe.SnapshotID),
			slog.String("field", pe.Field),
			slog.String("detail", pe.Detail))
		return &Error{
			Code:    CodeProvenanceIntegrity,
			Message: pe.Error(),
			Details: map[string]string{"snapshot_id": pe.SnapshotID, "field": pe.Field},
			Err:     err,
		}
	}

	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return &Error{Code: CodeValidation, Message: ve.Error(), Err: err}
	}
	var fe *interpret.Failure
	if errors.As(err, &fe) {
		return &Error{
			Code:    CodeInterpretationFailure,
			Message: fe.Error(),
			Details: map[string]string{"source_id": fe.SourceID, "run_id": fe.RunID},
			Err:     err,
		}
	}

	switch {
	case errors.Is(err, schema.ErrNotFound):
		return &Error{Code: CodeSchemaNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, resolve.ErrEmptyIdentity),
		errors.Is(err, resolve.ErrInvalidEntityID),
		errors.Is(err, relationship.ErrUnknownType),
		errors.Is(err, relationship.ErrSelfEdge):
		return &Error{Code: CodeValidation, Message: err.Error(), Err: err}
	}
	return err
}
