package api

import (
	"errors"
	"fmt"
)

// 错误分类：
//   - AuthError      凭证无效/过期，刷新后仍失败，调用方需要新凭证
//   - TransientError 限流或服务端故障，内部重试耗尽后才会浮出
//   - RequestError   调用方请求本身有问题，不重试
//   - ConflictError  同一订单上已有变更请求在进行中
//   - StreamError    流式会话在重连策略耗尽后的致命失败
//
// 每个错误都带有足够的上下文（端点/订单/尝试次数），不需要翻日志定位。

// AuthError 认证失败
type AuthError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s 返回 %d: %s", e.Endpoint, e.Status, e.Body)
}

// TransientError 瞬时失败（重试已耗尽）
type TransientError struct {
	Endpoint string
	Status   int
	Attempts int
	Body     string
	Err      error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient error: %s 在 %d 次尝试后失败: %v", e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transient error: %s 在 %d 次尝试后仍返回 %d: %s", e.Endpoint, e.Attempts, e.Status, e.Body)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RequestError 调用方请求错误（4xx，不重试）
type RequestError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request error: %s 返回 %d: %s", e.Endpoint, e.Status, e.Body)
}

// ConflictError 并发变更冲突
type ConflictError struct {
	OrderID string
	Op      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: 订单 %s 已有 %s 请求在进行中", e.OrderID, e.Op)
}

// StreamError 流式会话致命失败
type StreamError struct {
	Session  string
	Attempts int
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %s 会话在 %d 次重连后失败: %v", e.Session, e.Attempts, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsAuthError 判断是否为认证错误
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient 判断是否为瞬时错误
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConflict 判断是否为并发冲突
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
