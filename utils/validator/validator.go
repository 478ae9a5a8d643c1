package validator

import (
	"path/filepath"
	"strings"

	"github.com/anoixa/imagestore/internal/errs"
	"github.com/gabriel-vasile/mimetype"
)

// defaultImageMimeTypes 默认允许的图片类型
var defaultImageMimeTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// mimeAliases 声明类型的常见别名
var mimeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
	"image/x-png": "image/png",
}

// UploadValidator 上传校验器
type UploadValidator struct {
	maxBytes   int64
	mimeTypes  map[string]bool
	extensions map[string]bool
}

// NewUploadValidator 创建上传校验器，空列表使用默认值
func NewUploadValidator(maxBytes int64, mimeTypes, extensions []string) *UploadValidator {
	if len(mimeTypes) == 0 {
		mimeTypes = defaultImageMimeTypes
	}
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}
	}

	v := &UploadValidator{
		maxBytes:   maxBytes,
		mimeTypes:  make(map[string]bool, len(mimeTypes)),
		extensions: make(map[string]bool, len(extensions)),
	}
	for _, m := range mimeTypes {
		v.mimeTypes[NormalizeMimeType(m)] = true
	}
	for _, ext := range extensions {
		v.extensions[strings.ToLower(ext)] = true
	}
	return v
}

// Validate 校验声明类型、扩展名，再校验内容，返回嗅探到的 MIME
func (v *UploadValidator) Validate(data []byte, filename, declaredMime string) (string, error) {
	declared := NormalizeMimeType(declaredMime)
	if !v.mimeTypes[declared] {
		return "", errs.Validation("declared mime type %q is not allowed", declaredMime)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !v.extensions[ext] {
		return "", errs.Validation("file extension %q is not allowed", ext)
	}

	return v.ValidateContent(data)
}

// ValidateContent 只看字节本身：大小上限与嗅探到的类型
// 没有文件名和声明类型的调用方（重复预检）也走这里
func (v *UploadValidator) ValidateContent(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errs.Validation("empty upload")
	}
	if v.maxBytes > 0 && int64(len(data)) > v.maxBytes {
		return "", errs.Validation("file size %d exceeds limit %d", len(data), v.maxBytes)
	}

	sniffed := NormalizeMimeType(mimetype.Detect(data).String())
	if !v.mimeTypes[sniffed] {
		return "", errs.Validation("file content type %q is not allowed", sniffed)
	}
	return sniffed, nil
}

// NormalizeMimeType 去除参数并统一别名
func NormalizeMimeType(m string) string {
	m = strings.ToLower(strings.TrimSpace(strings.Split(m, ";")[0]))
	if alias, ok := mimeAliases[m]; ok {
		return alias
	}
	return m
}
