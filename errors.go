package detours

import (
	"errors"
	"fmt"
	"strings"

	"github.com/k2io/detours/internal/region"
	"github.com/k2io/detours/internal/textmem"
	"github.com/k2io/detours/internal/threadctl"
	"github.com/k2io/detours/internal/trampoline"
)

// Kind categorizes an engine error.
type Kind string

const (
	KindAlreadyOpen              Kind = "already_open"
	KindNotOpen                  Kind = "not_open"
	KindInvalidState             Kind = "invalid_state"
	KindUnrelocatableInstruction Kind = "unrelocatable_instruction"
	KindAllocationFailure        Kind = "allocation_failure"
	KindThreadControlFailure     Kind = "thread_control_failure"
	KindTargetAlreadyHooked      Kind = "target_already_hooked"
	KindInvalidParameter         Kind = "invalid_parameter"
	KindClosed                   Kind = "closed"
	KindNotFound                 Kind = "not_found"
)

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrAlreadyOpen              = &Error{Kind: KindAlreadyOpen}
	ErrNotOpen                  = &Error{Kind: KindNotOpen}
	ErrInvalidState             = &Error{Kind: KindInvalidState}
	ErrUnrelocatableInstruction = &Error{Kind: KindUnrelocatableInstruction}
	ErrAllocationFailure        = &Error{Kind: KindAllocationFailure}
	ErrThreadControlFailure     = &Error{Kind: KindThreadControlFailure}
	ErrTargetAlreadyHooked      = &Error{Kind: KindTargetAlreadyHooked}
	ErrInvalidParameter         = &Error{Kind: KindInvalidParameter}
	ErrClosed                   = &Error{Kind: KindClosed}
	ErrNotFound                 = &Error{Kind: KindNotFound}
)

// Error is the structured error returned by every engine operation.
type Error struct {
	Op     string
	Kind   Kind
	Target uintptr
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("detours: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Target != 0 {
			fmt.Fprintf(&b, " %#x", e.Target)
		}
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(op string, kind Kind, target uintptr, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Op: op, Kind: kind, Target: target, Detail: detail}
}

// wrap classifies an error from one of the internal packages.
func wrap(op string, target uintptr, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Op: op, Kind: classify(err), Target: target, Cause: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, trampoline.ErrUnrelocatable),
		errors.Is(err, trampoline.ErrTooSmall),
		errors.Is(err, trampoline.ErrTooLarge):
		return KindUnrelocatableInstruction
	case errors.Is(err, region.ErrNoReachableMemory),
		errors.Is(err, region.ErrForeignSlot),
		errors.Is(err, textmem.ErrUnmapped),
		errors.Is(err, textmem.ErrUnsupported):
		return KindAllocationFailure
	case errors.Is(err, threadctl.ErrSetPC),
		errors.Is(err, threadctl.ErrUnsupported),
		errors.Is(err, threadctl.ErrResumed),
		errors.Is(err, threadctl.ErrRunning):
		return KindThreadControlFailure
	}
	return KindAllocationFailure
}
