// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// 定义与校验
	CodeDefinitionNotFound Code = "DEFINITION_NOT_FOUND"
	CodeDefinitionInvalid  Code = "DEFINITION_INVALID"
	CodeValidation         Code = "VALIDATION_ERROR"

	// 参与方调用
	CodeTransientParticipant Code = "TRANSIENT_PARTICIPANT_ERROR"
	CodePermanentParticipant Code = "PERMANENT_PARTICIPANT_ERROR"
	CodeAmbiguousTimeout     Code = "AMBIGUOUS_TIMEOUT"
	CodeCapabilityNotFound   Code = "CAPABILITY_NOT_FOUND"

	// 执行与持久化
	CodeCompensationFailed  Code = "COMPENSATION_FAILED"
	CodePersistence         Code = "PERSISTENCE_ERROR"
	CodeVersionConflict     Code = "VERSION_CONFLICT"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeLeaseHeld           Code = "LEASE_HELD"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeSagaNotFound        Code = "SAGA_NOT_FOUND"
	CodeCorrelationConflict Code = "CORRELATION_CONFLICT"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	SagaID    string `json:"sagaId,omitempty"`
	Step      string `json:"step,omitempty"`
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step=%s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误并保留错误码
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return New(code, message)
	}
	return New(code, message+": "+err.Error())
}

// WithSaga 附加 saga 上下文
func (e *Error) WithSaga(sagaID string) *Error {
	e.SagaID = sagaID
	return e
}

// WithStep 附加步骤上下文
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTransientParticipant, CodeAmbiguousTimeout, CodePersistence,
		CodeVersionConflict, CodeLeaseHeld, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeValidation, CodeDefinitionInvalid:
		return http.StatusBadRequest
	case CodeNotFound, CodeSagaNotFound, CodeDefinitionNotFound, CodeCapabilityNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeVersionConflict, CodeCorrelationConflict,
		CodeIdempotencyConflict, CodeInvalidState, CodeLeaseHeld:
		return http.StatusConflict
	case CodeTimeout, CodeAmbiguousTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeTransientParticipant:
		return http.StatusServiceUnavailable
	case CodeInternal, CodeUnknown, CodePersistence,
		CodePermanentParticipant, CodeCompensationFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrSagaNotFound       = New(CodeSagaNotFound, "saga not found")
	ErrDefinitionNotFound = New(CodeDefinitionNotFound, "definition not found")
	ErrLeaseHeld          = New(CodeLeaseHeld, "lease held by another worker")
	ErrInvalidState       = New(CodeInvalidState, "operation not allowed in current state")
)
