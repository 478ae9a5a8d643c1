// Package errs 定义图片存储服务的错误分类
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 上传参数不合法：大小、MIME、扩展名、上下文
	ErrValidation = errors.New("validation failed")

	// ErrInvalidImage 字节无法解码为图片
	ErrInvalidImage = errors.New("invalid image")

	// ErrUnsupportedFormat 可以解码但无法生成变体
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrLimitExceeded 帖子图片数量达到上限
	ErrLimitExceeded = errors.New("post image limit exceeded")

	// ErrInvariantViolation 引用计数等不变量被破坏
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStorage 存储后端重试耗尽后仍失败
	ErrStorage = errors.New("storage failure")

	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
)

// Validation 构造校验错误
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidImage 构造解码错误
func InvalidImage(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidImage, err)
}

// UnsupportedFormat 构造格式错误
func UnsupportedFormat(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, fmt.Sprintf(format, args...))
}

// LimitExceeded 构造数量超限错误
func LimitExceeded(postID string, max int) error {
	return fmt.Errorf("%w: post %s already has %d images", ErrLimitExceeded, postID, max)
}

// InvariantViolation 构造不变量错误
func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Storage 包装存储错误
func Storage(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStorage, op, path, err)
}

// NotFound 构造记录不存在错误
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
