package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure in the judgment/workflow core.
type ErrorKind string

const (
	KindSandboxTimeout       ErrorKind = "SandboxTimeout"
	KindSandboxViolation     ErrorKind = "SandboxViolation"
	KindFallbackUnavailable  ErrorKind = "FallbackUnavailable"
	KindJudgmentUnavailable  ErrorKind = "JudgmentUnavailable"
	KindLoopOverrun          ErrorKind = "LoopOverrun"
	KindActionExhausted      ErrorKind = "ActionExhausted"
	KindParallelChildFailure ErrorKind = "ParallelChildFailure"
	KindRolloutConflict      ErrorKind = "RolloutConflict"
	KindNotFound             ErrorKind = "NotFound"
	KindInvalid              ErrorKind = "Invalid"
	KindCancelled            ErrorKind = "Cancelled"
	KindInternal             ErrorKind = "Internal"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrSandboxTimeout       = &Error{Kind: KindSandboxTimeout}
	ErrSandboxViolation     = &Error{Kind: KindSandboxViolation}
	ErrFallbackUnavailable  = &Error{Kind: KindFallbackUnavailable}
	ErrJudgmentUnavailable  = &Error{Kind: KindJudgmentUnavailable}
	ErrLoopOverrun          = &Error{Kind: KindLoopOverrun}
	ErrActionExhausted      = &Error{Kind: KindActionExhausted}
	ErrParallelChildFailure = &Error{Kind: KindParallelChildFailure}
	ErrRolloutConflict      = &Error{Kind: KindRolloutConflict}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalid              = &Error{Kind: KindInvalid}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// Error is the typed error every component returns.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	// NodeID is the workflow node that originated the failure, if any.
	NodeID string `json:"node_id,omitempty"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Code != "" && e.Message != "":
		msg = fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	case e.Message != "":
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		msg = string(e.Kind)
	}
	if e.NodeID != "" {
		msg = "node " + e.NodeID + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a typed error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError builds a typed error around a cause.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithNode returns a copy of err attributed to nodeID, unless it already
// carries an originating node.
func WithNode(err error, nodeID string) error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindInternal, NodeID: nodeID, Err: err}
	}
	if e.NodeID != "" {
		return err
	}
	cp := *e
	cp.NodeID = nodeID
	return &cp
}
