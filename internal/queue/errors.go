package queue

import "fmt"

// ErrorCode classifies queue operation failures
type ErrorCode string

const (
	CodeResourceBusy   ErrorCode = "RESOURCE_BUSY"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeInvalidState   ErrorCode = "INVALID_STATE"
	CodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	CodeUnknownKind    ErrorCode = "UNKNOWN_KIND"
	CodeStopped        ErrorCode = "QUEUE_STOPPED"
)

// Error is returned by queue operations for expected failure conditions.
// Match with errors.Is against the sentinel values below.
type Error struct {
	Code    ErrorCode
	Message string
	TaskID  string
	NodeID  string
	// BlockingTaskID is the active task that caused a RESOURCE_BUSY rejection
	BlockingTaskID string
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s)", e.Code, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code, so errors.Is(err, ErrResourceBusy) works for any busy error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrResourceBusy   = &Error{Code: CodeResourceBusy, Message: "resource already has an active task"}
	ErrNotFound       = &Error{Code: CodeNotFound, Message: "task not found"}
	ErrInvalidState   = &Error{Code: CodeInvalidState, Message: "operation not allowed in current state"}
	ErrInvalidPayload = &Error{Code: CodeInvalidPayload, Message: "invalid payload"}
	ErrUnknownKind    = &Error{Code: CodeUnknownKind, Message: "unknown task kind"}
	ErrStopped        = &Error{Code: CodeStopped, Message: "queue is shut down"}
)

func newError(code ErrorCode, taskID, format string, args ...any) *Error {
	return &Error{Code: code, TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}
