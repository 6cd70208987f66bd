package conversation

import "fmt"

// Kind classifies an Error so callers — and transports translating errors to
// wire codes — can branch on category without string matching (spec.md §7).
type Kind string

const (
	// KindConflict: an append violated the turn-ownership or numbering
	// invariant (wrong owner, stale turn, append after close).
	KindConflict Kind = "conflict"
	// KindNotFound: the referenced conversation, turn, or attachment
	// docId does not exist.
	KindNotFound Kind = "not_found"
	// KindInvalidArgument: the request is malformed independent of any
	// state (bad finality value, empty agentId, schema validation failure).
	KindInvalidArgument Kind = "invalid_argument"
	// KindTransient: the operation may succeed on retry (store timeout,
	// bus backend unavailable).
	KindTransient Kind = "transient"
	// KindSlowConsumer: a subscriber's bounded queue overflowed and the
	// subscription was dropped (spec.md §5.3).
	KindSlowConsumer Kind = "slow_consumer"
	// KindFatal: an invariant was violated that indicates a programming
	// error or corrupted state; not retryable, not actionable by the caller.
	KindFatal Kind = "fatal"
)

// Error is the single structured error type returned by core and transport
// operations, modeled on the teacher's model.ProviderError: a typed
// classification plus enough context to log and translate without
// re-deriving the cause from a message string.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error, deriving Retryable from Kind unless the kind is
// ambiguous (KindFatal/KindConflict/KindNotFound/KindInvalidArgument are
// never retryable as-is; KindTransient always is; KindSlowConsumer is not —
// the subscription must be recreated, not retried).
func NewError(kind Kind, op, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Retryable: kind == KindTransient,
		Cause:     cause,
	}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// returns KindFatal as the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
