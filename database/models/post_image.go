package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PostImage 帖子中的一张图片，Position 在帖子内从 0 开始连续
type PostImage struct {
	ID            string    `gorm:"primaryKey;size:36"`
	PostID        string    `gorm:"size:64;not null;uniqueIndex:idx_post_position,priority:1"`
	Position      int       `gorm:"not null;uniqueIndex:idx_post_position,priority:2"`
	StoredImageID string    `gorm:"size:36;not null;index"`
	ThumbnailURL  string    `gorm:"not null"`
	MediumURL     string    `gorm:"not null"`
	OriginalURL   string    `gorm:"not null"`
	Width         int       `gorm:"not null"`
	Height        int       `gorm:"not null"`
	FileSizeBytes int64     `gorm:"not null"`
	CreatedAt     time.Time
}

// BeforeCreate 生成 ID
func (p *PostImage) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ImageView 客户端看到的帖子图片
type ImageView struct {
	ID            string `json:"id"`
	ThumbnailURL  string `json:"thumbnailUrl"`
	MediumURL     string `json:"mediumUrl"`
	OriginalURL   string `json:"originalUrl"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	Position      int    `json:"position"`
}

// View 转换为客户端结构
func (p *PostImage) View() ImageView {
	return ImageView{
		ID:            p.ID,
		ThumbnailURL:  p.ThumbnailURL,
		MediumURL:     p.MediumURL,
		OriginalURL:   p.OriginalURL,
		Width:         p.Width,
		Height:        p.Height,
		FileSizeBytes: p.FileSizeBytes,
		Position:      p.Position,
	}
}

// NewPostImage 从已存储图片构造帖子图片，URL 直接复制
func NewPostImage(postID string, position int, img *StoredImage, urls VariantURLs) *PostImage {
	return &PostImage{
		PostID:        postID,
		Position:      position,
		StoredImageID: img.ID,
		ThumbnailURL:  urls.Thumbnail,
		MediumURL:     urls.Medium,
		OriginalURL:   urls.Original,
		Width:         img.Width,
		Height:        img.Height,
		FileSizeBytes: img.FileSizeBytes,
	}
}
