package domain

import "errors"

// ErrorKind is the closed tagged-variant error set surfaced from the core,
// per spec §7. It maps the source system's ad-hoc exception hierarchy and
// "❌ ERROR:" string-prefix convention onto a single concrete type with an
// explicit fatal/recoverable flag.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindCredentialMissing     ErrorKind = "credential_missing"
	KindRateLimited           ErrorKind = "rate_limited"
	KindInstructionRefusal    ErrorKind = "instruction_refusal"
	KindMissingDoneFile       ErrorKind = "missing_done_file"
	KindTaskWaitTimeout       ErrorKind = "task_wait_timeout"
	KindTaskNudgeExceeded     ErrorKind = "task_nudge_exceeded"
	KindTaskValidationFailed  ErrorKind = "task_validation_failed"
	KindBoardUnreachable      ErrorKind = "board_unreachable"
	KindGenericWorkflow       ErrorKind = "workflow_exception"
)

// Fatal reports whether an error of this kind must latch the pool's
// fatalError and stop it (spec §7 propagation column). Only
// credential_missing is fatal by itself; the rest are item-level failures
// unless escalated by caller policy.
func (k ErrorKind) Fatal() bool {
	return k == KindCredentialMissing
}

// WorkflowError is the single concrete error record the workflow uses in
// place of the source system's duck-typed/ad-hoc exception hierarchy (spec
// §9 "Dynamic error hierarchy"), with fatal-vs-recoverable encoded as an
// explicit boolean rather than inferred from the kind alone.
type WorkflowError struct {
	Kind  ErrorKind
	Msg   string
	Fatal bool
}

func (e *WorkflowError) Error() string {
	if e.Kind == KindNone {
		return e.Msg
	}
	return string(e.Kind) + ": " + e.Msg
}

// NewWorkflowError builds a WorkflowError of the given kind; it is fatal
// only when kind.Fatal() reports so (credential_missing).
func NewWorkflowError(kind ErrorKind, msg string) *WorkflowError {
	return &WorkflowError{Kind: kind, Msg: msg, Fatal: kind.Fatal()}
}

// FatalErr returns a fatal error formatted with the source system's
// historical "❌ ERROR:" prefix, preserved here because the spec names it
// explicitly (§4.9 step 6, §9) as the latch signal the pool scheduler
// recognizes.
func FatalErr(kind ErrorKind, msg string) *WorkflowError {
	const prefix = "❌ ERROR: "
	if len(msg) < len(prefix) || msg[:len(prefix)] != prefix {
		msg = prefix + msg
	}
	return &WorkflowError{Kind: kind, Msg: msg, Fatal: true}
}

// IsFatal reports whether err is a fatal *WorkflowError.
func IsFatal(err error) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Fatal
	}
	return false
}

// ErrorKindOf extracts the ErrorKind from err if it (or something it wraps)
// is a *WorkflowError, else KindGenericWorkflow.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindGenericWorkflow
}
