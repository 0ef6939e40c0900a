// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every failure on a remote path is reduced to a Kind. The queue drainer
// consults the Kind to decide between retrying an operation later and
// dropping it immediately:
//
//	switch syncerr.Classify(err) {
//	case syncerr.KindPermanent:
//	    // drop and report
//	default:
//	    // count a retry
//	}
//
// Errors that were never categorized are treated as transient.
package syncerr

import "errors"

// Kind identifies how the engine should react to an error.
type Kind int

const (
	// KindNone means no error occurred.
	KindNone Kind = iota

	// KindLocalStorage is a read or write failure against the local cache.
	// Recovered by treating the collection as empty.
	KindLocalStorage

	// KindSessionUnavailable means there is no authorized identity.
	// Not a failure: the caller falls back to local-only behavior.
	KindSessionUnavailable

	// KindTransient is a recoverable remote failure (network, timeout, 5xx).
	KindTransient

	// KindPermanent is a remote rejection (validation or authorization, 4xx).
	// Retrying cannot succeed.
	KindPermanent

	// KindQueueExhausted marks an operation dropped after its last retry.
	KindQueueExhausted
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLocalStorage:
		return "local_storage"
	case KindSessionUnavailable:
		return "session_unavailable"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindQueueExhausted:
		return "queue_exhausted"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionUnavailable is returned when a remote call is attempted
	// without an authorized session.
	ErrSessionUnavailable = errors.New("no authorized session")

	// ErrQueueExhausted is wrapped around the last error of an operation
	// that reached the retry ceiling.
	ErrQueueExhausted = errors.New("retry limit reached")

	// ErrNotSynced is returned when a client-minted id has no remote
	// counterpart yet.
	ErrNotSynced = errors.New("record not yet synced")
)

// CategorizedError wraps an error together with its Kind.
type CategorizedError struct {
	Err  error
	Kind Kind
}

// Error returns the original error message.
func (ce *CategorizedError) Error() string {
	if ce.Err == nil {
		return ce.Kind.String()
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying wrapped error.
func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// Transient wraps err as KindTransient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Err: err, Kind: KindTransient}
}

// Permanent wraps err as KindPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Err: err, Kind: KindPermanent}
}

// LocalStorage wraps err as KindLocalStorage.
func LocalStorage(err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Err: err, Kind: KindLocalStorage}
}

// Exhausted wraps the last error of an operation that ran out of retries.
func Exhausted(err error) error {
	if err == nil {
		err = ErrQueueExhausted
	} else {
		err = errors.Join(ErrQueueExhausted, err)
	}
	return &CategorizedError{Err: err, Kind: KindQueueExhausted}
}

// Classify returns the Kind of err.
//
// Uncategorized errors and context cancellation are transient: a stalled
// call that hit its deadline may well succeed on the next drain.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrSessionUnavailable) {
		return KindSessionUnavailable
	}
	return KindTransient
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return Classify(err) == KindPermanent
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
