package errs

import (
	"fmt"
	"strconv"
	"strings"

	perrors "github.com/pkg/errors"
)

// Error code ranges. Transient errors are retried by their owning service,
// policy violations are rejected locally, terminal errors are never retried.
const (
	CodeTransientBase = 1000 // infrastructure: storage writes, delivery, scans
	CodePolicyBase    = 2000 // caller mistakes: non-member send, unknown ids
	CodeTerminalBase  = 3000 // content: virus detected, malformed payloads
)

var (
	ErrStorageWrite   = NewCodeError(CodeTransientBase+1, "storage write failed")
	ErrDeliveryFailed = NewCodeError(CodeTransientBase+2, "notification delivery failed")
	ErrScanTimeout    = NewCodeError(CodeTransientBase+3, "virus scan timed out")

	ErrNotMember     = NewCodeError(CodePolicyBase+1, "user is not a member")
	ErrUnknownEntity = NewCodeError(CodePolicyBase+7, "unknown entity")
	ErrUnknownJob    = NewCodeError(CodePolicyBase+2, "unknown job id")
	ErrUnknownUser   = NewCodeError(CodePolicyBase+3, "unknown user")
	ErrStopped       = NewCodeError(CodePolicyBase+4, "service stopped")
	ErrQueueFull     = NewCodeError(CodePolicyBase+5, "queue full")
	ErrAlreadyExist  = NewCodeError(CodePolicyBase+6, "already exists")

	ErrVirusDetected = NewCodeError(CodeTerminalBase+1, "virus detected")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap attaches a call stack for logging at the outermost layer.
func (e CodeError) Wrap() error {
	return perrors.WithStack(e)
}

func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = detail
		} else {
			ret.Detail += ", " + detail
		}
	}
	return perrors.WithStack(ret)
}

func (e CodeError) Is(err error) bool {
	var codeErr CodeError
	if !perrors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// IsTransient reports whether err carries a transient-infrastructure code.
func IsTransient(err error) bool {
	var codeErr CodeError
	if !perrors.As(err, &codeErr) {
		return false
	}
	return codeErr.Code >= CodeTransientBase && codeErr.Code < CodePolicyBase
}

// IsTerminal reports whether err carries a terminal-content code.
func IsTerminal(err error) bool {
	var codeErr CodeError
	if !perrors.As(err, &codeErr) {
		return false
	}
	return codeErr.Code >= CodeTerminalBase
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return perrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return perrors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(toStr(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(toStr(kv[i+1]))
		}
	}
	return sb.String()
}

func toStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return fmt.Sprint(v)
	}
}
