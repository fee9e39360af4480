// Package errs provides the control plane's shared error taxonomy:
// Transient, Fatal, Configuration, Integrity, Governance (spec.md §7).
// Grounded on the teacher's internal/ai/circuit/breaker.go ErrorCategory
// (Transient, RateLimit, Invalid, Fatal), generalized from HTTP-call
// categorization to the control plane's boot/task/governance error
// kinds so HTM and the boot orchestrator can branch on retryability and
// severity without string matching.
package errs

// Kind classifies a ControlError for propagation/retry decisions.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindFatal         Kind = "fatal"
	KindConfiguration Kind = "configuration"
	KindIntegrity     Kind = "integrity"
	KindGovernance    Kind = "governance"
)

// Retryable reports whether HTM should attempt a retry for this kind.
// Only Transient errors are retryable; everything else is terminal
// (spec.md §7: "Fatal (non-retryable): precondition violation,
// governance deny, audit chain broken").
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// ControlError wraps an underlying error with the kind the rest of the
// system needs to route it correctly (retry, halt boot, enter degraded
// mode, or surface to an approver).
type ControlError struct {
	Kind Kind
	Err  error
}

func (e *ControlError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *ControlError) Unwrap() error { return e.Err }

// New wraps err as a ControlError of kind.
func New(kind Kind, err error) *ControlError {
	return &ControlError{Kind: kind, Err: err}
}

// As reports whether err is (or wraps) a *ControlError, returning it.
func As(err error) (*ControlError, bool) {
	ce, ok := err.(*ControlError)
	if ok {
		return ce, true
	}
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
		if ce, ok := err.(*ControlError); ok {
			return ce, true
		}
	}
}
