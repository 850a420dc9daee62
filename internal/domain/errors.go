package domain

import "errors"

// Sentinel errors. Usecases wrap these with context via fmt.Errorf("%w: ...")
// and the HTTP layer maps them to stable error codes.
var (
	ErrInvalidParams   = errors.New("invalid params")
	ErrInvalidPrompt   = errors.New("prompt violates content policy")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrQuotaExceeded   = errors.New("daily token quota exceeded")
	ErrNotFound        = errors.New("not found")
	ErrModelNotFound   = errors.New("model not found")
	ErrStateConflict   = errors.New("job state conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrWorkerTimeout   = errors.New("worker timed out")
	ErrWorkerError     = errors.New("worker error")
	ErrInternal        = errors.New("internal error")
)

// Stable error codes, used both in API error envelopes and in the structured
// error stored on a FAILED job.
const (
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeInvalidPrompt   = "INVALID_PROMPT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeNotFound        = "NOT_FOUND"
	CodeModelNotFound   = "MODEL_NOT_FOUND"
	CodeStateConflict   = "STATE_CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTimeout         = "TIMEOUT"
	CodeWorkerError     = "WORKER_ERROR"
	CodeOOM             = "OOM"
	CodeInternal        = "INTERNAL"
)

// RetryableFailure reports whether a failure code qualifies for an automatic
// requeue. Only infrastructure failures retry; everything else would fail
// identically on a second attempt.
func RetryableFailure(code string) bool {
	return code == CodeTimeout || code == CodeWorkerError
}
