package models

import (
	"fmt"
	"strings"
)

// UploadContext 上传场景，封闭枚举
type UploadContext string

const (
	UploadContextProfile UploadContext = "profile"
	UploadContextPost    UploadContext = "post"
	UploadContextOther   UploadContext = "other"
)

// ParseUploadContext 在边界处解析上传场景，未知值返回错误
func ParseUploadContext(s string) (UploadContext, error) {
	switch c := UploadContext(strings.ToLower(strings.TrimSpace(s))); c {
	case UploadContextProfile, UploadContextPost, UploadContextOther:
		return c, nil
	default:
		return "", fmt.Errorf("unknown upload context %q", s)
	}
}

// Valid 是否为已知场景
func (c UploadContext) Valid() bool {
	switch c {
	case UploadContextProfile, UploadContextPost, UploadContextOther:
		return true
	}
	return false
}

func (c UploadContext) String() string {
	return string(c)
}
