package syncerr

// Result carries the outcome of a remote-path call without raising.
//
// Adapters never return remote errors to their callers; they inspect the
// Result instead and degrade to local state when it did not succeed.
type Result[T any] struct {
	Value T
	Err   error
	Kind  Kind
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps an error, classifying it.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err, Kind: Classify(err)}
}

// Skipped is the result of a remote call that was never attempted because
// no session authorized it.
func Skipped[T any]() Result[T] {
	return Result[T]{Err: ErrSessionUnavailable, Kind: KindSessionUnavailable}
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Fallback reports whether the caller must fall back to local state.
func (r Result[T]) Fallback() bool {
	return r.Err != nil
}

// Retryable reports whether the failure should be queued for a later attempt.
func (r Result[T]) Retryable() bool {
	return r.Err != nil && r.Kind == KindTransient
}
