// Package chainerr defines the sentinel error kinds shared across the chain
// core. Every package wraps one of these with fmt.Errorf("...: %w", ...) so
// callers at the edge (CLI, facade) can classify failures with errors.Is
// without depending on package-specific error types.
package chainerr

import "errors"

var (
	// ErrInvalidInput marks a caller-supplied value that fails validation
	// before any write takes place: empty content, an unknown entry kind or
	// tier, an importance outside [0,1], or a malformed supersedes list.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownSeq marks a reference to a sequence number that does not
	// exist in the journal.
	ErrUnknownSeq = errors.New("unknown seq")

	// ErrCyclicSupersede marks a rethink whose supersedes list would create
	// a cycle (an entry superseding itself, directly or transitively).
	ErrCyclicSupersede = errors.New("cyclic supersede")

	// ErrWriteLocked marks failure to acquire the chain's exclusive writer
	// lock (the lock file could not be opened or locked).
	ErrWriteLocked = errors.New("write locked")

	// ErrSignatureFailed marks an Ed25519 signature that failed to verify.
	ErrSignatureFailed = errors.New("signature failed")

	// ErrVerifyFailed marks a chain invariant violation found by verify_chain.
	ErrVerifyFailed = errors.New("verify failed")

	// ErrIoError marks an underlying filesystem or database failure.
	ErrIoError = errors.New("io error")

	// ErrCorrupt marks a journal, key, or sidecar file whose on-disk state
	// cannot be reconciled (broken linkage before the tail, malformed
	// framing or encoding).
	ErrCorrupt = errors.New("corrupt")

	// ErrBackendUnavailable marks an anchor backend that reported itself as
	// unavailable via IsAvailable, or that could not be dialed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendTimeout marks an anchor backend call that exceeded its
	// deadline.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrConflict marks a write that raced with another write in a way the
	// caller must retry (e.g. a stale block_latest read).
	ErrConflict = errors.New("conflict")
)

// Tag returns the stable machine-readable tag for err's sentinel kind, for
// CLI and facade error responses. It returns "unknown" for errors that do
// not wrap one of the sentinels in this package.
func Tag(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnknownSeq):
		return "unknown_seq"
	case errors.Is(err, ErrCyclicSupersede):
		return "cyclic_supersede"
	case errors.Is(err, ErrWriteLocked):
		return "write_locked"
	case errors.Is(err, ErrSignatureFailed):
		return "signature_failed"
	case errors.Is(err, ErrVerifyFailed):
		return "verify_failed"
	case errors.Is(err, ErrIoError):
		return "io_error"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrBackendTimeout):
		return "backend_timeout"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code the CLI reports for err's sentinel
// kind. 0 is never returned: ExitCode is only called once an operation has
// already failed.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return 10
	case errors.Is(err, ErrUnknownSeq):
		return 11
	case errors.Is(err, ErrCyclicSupersede):
		return 12
	case errors.Is(err, ErrWriteLocked):
		return 13
	case errors.Is(err, ErrSignatureFailed):
		return 14
	case errors.Is(err, ErrVerifyFailed):
		return 15
	case errors.Is(err, ErrIoError):
		return 16
	case errors.Is(err, ErrCorrupt):
		return 17
	case errors.Is(err, ErrBackendUnavailable):
		return 18
	case errors.Is(err, ErrBackendTimeout):
		return 19
	case errors.Is(err, ErrConflict):
		return 20
	default:
		return 1
	}
}
