// Package posts 帖子图片仓库
package posts

import (
	"context"
	"fmt"

	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/base"
	"gorm.io/gorm"
)

// positionOffset 移位时的临时偏移量，远大于任何帖子的图片数量
// 两段式更新保证 (post_id, position) 唯一索引在语句执行中途也不会冲突
const positionOffset = 1 << 20

// Repository 帖子图片仓库
type Repository struct {
	repo *base.Repository[models.PostImage]
}

// NewRepository 创建帖子图片仓库
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{repo: base.NewRepository[models.PostImage](db, "post image")}
}

// WithTx 返回绑定到事务的仓库
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{repo: r.repo.WithTx(tx)}
}

// DB 返回底层数据库连接
func (r *Repository) DB() *gorm.DB {
	return r.repo.DB()
}

// Create 创建帖子图片
func (r *Repository) Create(ctx context.Context, img *models.PostImage) error {
	return r.repo.Create(ctx, img)
}

// FindByID 通过 ID 获取帖子图片
func (r *Repository) FindByID(ctx context.Context, id string) (*models.PostImage, error) {
	return r.repo.GetByID(ctx, id)
}

// ListByPost 按位置升序列出帖子图片
func (r *Repository) ListByPost(ctx context.Context, postID string) ([]*models.PostImage, error) {
	var rows []*models.PostImage
	err := r.repo.Session(ctx).
		Where("post_id = ?", postID).
		Order("position asc").
		Find(&rows).Error
	return rows, err
}

// CountByPost 帖子当前图片数
func (r *Repository) CountByPost(ctx context.Context, postID string) (int, error) {
	count, err := r.repo.Count(ctx, "post_id = ?", postID)
	return int(count), err
}

// CountByStoredImage 引用某张存储图片的帖子图片数
func (r *Repository) CountByStoredImage(ctx context.Context, storedImageID string) (int64, error) {
	return r.repo.Count(ctx, "stored_image_id = ?", storedImageID)
}

// Delete 删除帖子图片
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.repo.Delete(ctx, id)
}

// DeleteByPost 删除帖子下的所有图片行
func (r *Repository) DeleteByPost(ctx context.Context, postID string) (int64, error) {
	result := r.repo.Session(ctx).Where("post_id = ?", postID).Delete(&models.PostImage{})
	return result.RowsAffected, result.Error
}

// ShiftDown 把 after 之后的位置整体前移一位
func (r *Repository) ShiftDown(ctx context.Context, postID string, after int) error {
	db := r.repo.Session(ctx)

	if err := db.Model(&models.PostImage{}).
		Where("post_id = ? AND position > ?", postID, after).
		UpdateColumn("position", gorm.Expr("position + ?", positionOffset)).Error; err != nil {
		return fmt.Errorf("failed to lift positions: %w", err)
	}

	if err := db.Model(&models.PostImage{}).
		Where("post_id = ? AND position >= ?", postID, positionOffset).
		UpdateColumn("position", gorm.Expr("position - ?", positionOffset+1)).Error; err != nil {
		return fmt.Errorf("failed to settle positions: %w", err)
	}
	return nil
}

// SetOrder 按 ids 的顺序重新赋值位置 0..n-1
// 调用方负责保证 ids 恰好是该帖子所有图片的一个排列
func (r *Repository) SetOrder(ctx context.Context, postID string, ids []string) error {
	db := r.repo.Session(ctx)

	if err := db.Model(&models.PostImage{}).
		Where("post_id = ?", postID).
		UpdateColumn("position", gorm.Expr("position + ?", positionOffset)).Error; err != nil {
		return fmt.Errorf("failed to lift positions: %w", err)
	}

	for i, id := range ids {
		result := db.Model(&models.PostImage{}).
			Where("id = ? AND post_id = ?", id, postID).
			UpdateColumn("position", i)
		if result.Error != nil {
			return fmt.Errorf("failed to set position of %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("post image %s does not belong to post %s", id, postID)
		}
	}
	return nil
}
