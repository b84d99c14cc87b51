package store

import (
	"errors"
	"fmt"
)

// 存储层错误定义
var (
	// ErrNotFound 键或字段不存在
	ErrNotFound = errors.New("key not found")

	// ErrBackendUnavailable 共享存储不可达
	// 调用方应降级处理（记录日志后继续），不得让请求路径失败
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrClosed 后端已关闭
	ErrClosed = errors.New("backend closed")
)

// StoreError 存储层错误包装
type StoreError struct {
	Op   string // 操作名称
	Key  string // 相关键
	Kind error  // 错误类别（用于 errors.Is 判定）
	Err  error  // 原始错误
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store: %s key=%s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewUnavailable 创建共享存储不可达错误
func NewUnavailable(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Kind: ErrBackendUnavailable, Err: err}
}

// IsNotFound 检查是否为 NotFound 错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable 检查是否为共享存储不可达错误
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
