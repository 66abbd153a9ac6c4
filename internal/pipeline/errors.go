package pipeline

import "fmt"

// ErrorCode classifies pipeline failures
type ErrorCode string

const (
	CodeNodeBusy              ErrorCode = "NODE_BUSY"
	CodeProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	CodeSnapshotFailed        ErrorCode = "SNAPSHOT_FAILED"
	CodeMissingContent        ErrorCode = "MISSING_CONTENT"
	CodeInvalidMetadata       ErrorCode = "INVALID_METADATA"
	CodeMissingResult         ErrorCode = "MISSING_RESULT"
	CodeWriteConflict         ErrorCode = "WRITE_CONFLICT"
	CodeWriteFailed           ErrorCode = "WRITE_FAILED"
	CodeTaskFailed            ErrorCode = "TASK_FAILED"
	CodeUserCancelled         ErrorCode = "USER_CANCELLED"
	CodeNotFound              ErrorCode = "PIPELINE_NOT_FOUND"
	CodeInvalidStage          ErrorCode = "INVALID_STAGE"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeEnqueueFailed         ErrorCode = "ENQUEUE_FAILED"
)

// Error is returned by orchestrator operations and recorded on failed pipelines.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNodeBusy              = &Error{Code: CodeNodeBusy}
	ErrProviderNotConfigured = &Error{Code: CodeProviderNotConfigured}
	ErrSnapshotFailed        = &Error{Code: CodeSnapshotFailed}
	ErrMissingContent        = &Error{Code: CodeMissingContent}
	ErrWriteConflict         = &Error{Code: CodeWriteConflict}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrInvalidStage          = &Error{Code: CodeInvalidStage}
	ErrInvalidInput          = &Error{Code: CodeInvalidInput}
)

// messages holds the user-facing text of the errors a user can act on.
var messages = map[string]map[ErrorCode]string{
	"en": {
		CodeNodeBusy:              "%s is already being processed by another task; wait for it to finish or cancel it",
		CodeWriteConflict:         "%s changed on disk after the preview was generated; regenerate the preview before writing",
		CodeSnapshotFailed:        "could not create an undo snapshot of %s",
		CodeProviderNotConfigured: "no provider is configured and enabled for %s tasks",
		CodeMissingContent:        "%s has no content to work on",
		CodeUserCancelled:         "cancelled by user",
	},
	"zh": {
		CodeNodeBusy:              "%s 正在被其他任务处理，请等待其完成或先取消该任务",
		CodeWriteConflict:         "%s 在生成预览后已在磁盘上被修改，请重新生成预览后再写入",
		CodeSnapshotFailed:        "无法为 %s 创建撤销快照",
		CodeProviderNotConfigured: "未为 %s 任务配置或启用生成服务",
		CodeMissingContent:        "%s 没有可处理的内容",
		CodeUserCancelled:         "已被用户取消",
	},
}

// Message returns the localized text for code, falling back to English.
func Message(lang string, code ErrorCode, args ...any) string {
	tmpl, ok := messages[lang][code]
	if !ok {
		tmpl, ok = messages["en"][code]
	}
	if !ok {
		return string(code)
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

func errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
