package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StoredImage 内容寻址的图片记录，每个内容指纹只有一行
// 行永远不会被物理删除，文件被回收后 IsActive 置为 false
type StoredImage struct {
	ID                    string  `gorm:"primaryKey;size:36" json:"id"`
	ContentFingerprint    string  `gorm:"size:64;uniqueIndex:idx_content_fingerprint;not null" json:"contentFingerprint"`
	PerceptualFingerprint *string `gorm:"size:16;index:idx_perceptual_fingerprint" json:"perceptualFingerprint,omitempty"`
	OriginalFilename      string  `gorm:"not null" json:"originalFilename"`
	StoragePath           string  `gorm:"not null" json:"storagePath"`
	FileSizeBytes         int64   `gorm:"not null" json:"fileSizeBytes"`
	MimeType              string  `gorm:"size:64;not null" json:"mimeType"`
	Width                 int     `gorm:"not null" json:"width"`
	Height                int     `gorm:"not null" json:"height"`

	ReferenceCount int  `gorm:"not null;default:0;index:idx_reapable,priority:2" json:"referenceCount"`
	IsActive       bool `gorm:"not null;index:idx_reapable,priority:1" json:"isActive"`

	UploadContext   UploadContext `gorm:"size:16;not null" json:"uploadContext"`
	FirstUploaderID string        `gorm:"size:64;not null" json:"firstUploaderId"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BeforeCreate 生成不透明 ID
func (s *StoredImage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Reapable 是否可以回收物理文件
func (s *StoredImage) Reapable() bool {
	return s.IsActive && s.ReferenceCount == 0
}
