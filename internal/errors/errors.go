package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 用于统一管理业务错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 客户端可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 让标准库 errors.Is 按错误码匹配
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenInvalid    = 10001
	CodeTokenExpired    = 10002
	CodeAuthRequired    = 10003
	CodeInvalidIdentity = 10004
	CodeAuthTimeout     = 10005

	// 消息 / 投递相关 20000-20999
	CodeMessageNotFound   = 20001
	CodeInvalidTransition = 20002
	CodeOwnMessage        = 20003
	CodeNotParticipant    = 20004
	CodeInvalidSymbol     = 20005
	CodeInvalidMessage    = 20006
	CodeUnknownEvent      = 20007
	CodeNotSender         = 20008

	// 房间相关 30000-30999
	CodeRoomIDRequired = 30001

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeStorage     = 50002
	CodeRateLimited = 50003
	CodeBadRequest  = 50004
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrTokenInvalid    = NewError(CodeTokenInvalid, "token invalid")
	ErrTokenExpired    = NewError(CodeTokenExpired, "token expired")
	ErrAuthRequired    = NewError(CodeAuthRequired, "first event must be connect")
	ErrInvalidIdentity = NewError(CodeInvalidIdentity, "identity mismatch")
	ErrAuthTimeout     = NewError(CodeAuthTimeout, "connect not received in time")
)

// 消息 / 投递相关
var (
	ErrMessageNotFound   = NewError(CodeMessageNotFound, "message not found")
	ErrInvalidTransition = NewError(CodeInvalidTransition, "invalid status transition")
	ErrOwnMessage        = NewError(CodeOwnMessage, "cannot acknowledge own message")
	ErrNotParticipant    = NewError(CodeNotParticipant, "not a participant of the conversation")
	ErrInvalidSymbol     = NewError(CodeInvalidSymbol, "reaction symbol required")
	ErrInvalidMessage    = NewError(CodeInvalidMessage, "message content or attachment required")
	ErrUnknownEvent      = NewError(CodeUnknownEvent, "unknown event")
	ErrNotSender         = NewError(CodeNotSender, "only the sender can delete the message")
)

// 房间相关
var (
	ErrRoomIDRequired = NewError(CodeRoomIDRequired, "room id required")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "internal server error")
	ErrStorage     = NewError(CodeStorage, "storage error")
	ErrRateLimited = NewError(CodeRateLimited, "too many events, slow down")
	ErrBadRequest  = NewError(CodeBadRequest, "malformed request")
)
