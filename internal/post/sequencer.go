// Package post 帖子图片的附加、移除、排序与级联删除
package post

import (
	"context"
	"fmt"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/images"
	"github.com/anoixa/imagestore/database/repo/posts"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/internal/image"
	"github.com/anoixa/imagestore/utils"
	"github.com/anoixa/imagestore/utils/keylock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// URLBuilder 根据内容指纹给出三个变体的地址
type URLBuilder interface {
	URLs(fp string) models.VariantURLs
}

// Sequencer 帖子图片序列管理
// 同一帖子的操作持有帖子锁串行执行，行变更与引用计数变更在同一事务内完成
type Sequencer struct {
	db        *gorm.DB
	posts     *posts.Repository
	ledger    *images.LedgerRepository
	urls      URLBuilder
	locks     *keylock.KeyLock
	maxImages int
	logger    *zap.Logger
}

// NewSequencer 创建帖子图片序列管理器
func NewSequencer(
	cfg *config.Config,
	postRepo *posts.Repository,
	ledger *images.LedgerRepository,
	urls URLBuilder,
	locks *keylock.KeyLock,
	logger *zap.Logger,
) *Sequencer {
	return &Sequencer{
		db:        postRepo.DB(),
		posts:     postRepo,
		ledger:    ledger,
		urls:      urls,
		locks:     locks,
		maxImages: cfg.PostMaxImages,
		logger:    utils.OrNop(logger),
	}
}

// MaxImages 每个帖子的图片上限
func (s *Sequencer) MaxImages() int {
	return s.maxImages
}

func lockKey(postID string) string {
	return "post:" + postID
}

// withPost 持有帖子锁执行事务
func (s *Sequencer) withPost(ctx context.Context, postID string, fn func(tx *gorm.DB) error) error {
	unlock, err := s.locks.Lock(ctx, lockKey(postID))
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.WithContext(ctx).Transaction(fn)
}

// Attach 把已存储的图片追加到帖子末尾并增加一次引用
func (s *Sequencer) Attach(ctx context.Context, postID string, img *models.StoredImage) (*models.PostImage, error) {
	return s.attach(ctx, postID, img, true)
}

// AttachUploaded 附加刚上传的图片，沿用上传时取得的引用
// 附加失败时该引用会被释放
func (s *Sequencer) AttachUploaded(ctx context.Context, postID string, res *image.IngestResult) (*models.PostImage, error) {
	if res == nil || res.StoredImage == nil {
		return nil, errs.Validation("ingest result is required")
	}

	row, err := s.attach(ctx, postID, res.StoredImage, false)
	if err != nil {
		if _, relErr := s.ledger.DecrementReference(context.WithoutCancel(ctx), res.StoredImage.ID); relErr != nil {
			s.logger.Error("[Post] 附加失败后释放引用失败",
				zap.String("post", postID),
				zap.String("image", res.StoredImage.ID),
				zap.Error(relErr))
		}
		return nil, err
	}
	return row, nil
}

func (s *Sequencer) attach(ctx context.Context, postID string, img *models.StoredImage, takeReference bool) (*models.PostImage, error) {
	if postID == "" {
		return nil, errs.Validation("post id is required")
	}
	if img == nil || img.ID == "" {
		return nil, errs.Validation("stored image is required")
	}

	var row *models.PostImage
	err := s.withPost(ctx, postID, func(tx *gorm.DB) error {
		postRepo := s.posts.WithTx(tx)

		count, err := postRepo.CountByPost(ctx, postID)
		if err != nil {
			return err
		}
		if count >= s.maxImages {
			return errs.LimitExceeded(postID, s.maxImages)
		}

		ledger := s.ledger.WithTx(tx)
		current, err := ledger.FindByID(ctx, img.ID)
		if err != nil {
			return err
		}
		if !current.IsActive {
			return fmt.Errorf("%w: %s", images.ErrImageInactive, img.ID)
		}
		if takeReference {
			if _, err := ledger.IncrementReference(ctx, img.ID); err != nil {
				return err
			}
		}

		row = models.NewPostImage(postID, count, current, s.urls.URLs(current.ContentFingerprint))
		return postRepo.Create(ctx, row)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("[Post] 图片已附加",
		zap.String("post", postID), zap.String("image", img.ID), zap.Int("position", row.Position))
	return row, nil
}

// Detach 移除帖子图片，后续位置前移，释放一次引用
func (s *Sequencer) Detach(ctx context.Context, postImageID string) error {
	existing, err := s.posts.FindByID(ctx, postImageID)
	if err != nil {
		return err
	}
	postID := existing.PostID

	return s.withPost(ctx, postID, func(tx *gorm.DB) error {
		postRepo := s.posts.WithTx(tx)

		row, err := postRepo.FindByID(ctx, postImageID)
		if err != nil {
			return err
		}
		if err := postRepo.Delete(ctx, row.ID); err != nil {
			return err
		}
		if err := postRepo.ShiftDown(ctx, postID, row.Position); err != nil {
			return err
		}
		if _, err := s.ledger.WithTx(tx).DecrementReference(ctx, row.StoredImageID); err != nil {
			return err
		}

		s.logger.Debug("[Post] 图片已移除",
			zap.String("post", postID), zap.String("postImage", row.ID), zap.Int("position", row.Position))
		return nil
	})
}

// Reorder 按给定顺序重排，ids 必须恰好是帖子当前所有图片的一个排列
func (s *Sequencer) Reorder(ctx context.Context, postID string, orderedIDs []string) ([]models.ImageView, error) {
	var views []models.ImageView
	err := s.withPost(ctx, postID, func(tx *gorm.DB) error {
		postRepo := s.posts.WithTx(tx)

		rows, err := postRepo.ListByPost(ctx, postID)
		if err != nil {
			return err
		}
		if err := validatePermutation(rows, orderedIDs); err != nil {
			return err
		}
		if err := postRepo.SetOrder(ctx, postID, orderedIDs); err != nil {
			return err
		}

		rows, err = postRepo.ListByPost(ctx, postID)
		if err != nil {
			return err
		}
		views = toViews(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// validatePermutation 校验没有重复、没有缺失、没有外来 ID
func validatePermutation(rows []*models.PostImage, ids []string) error {
	if len(ids) != len(rows) {
		return errs.Validation("expected %d image ids, got %d", len(rows), len(ids))
	}

	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		known[row.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !known[id] {
			return errs.Validation("image %s does not belong to the post", id)
		}
		if seen[id] {
			return errs.Validation("image %s listed more than once", id)
		}
		seen[id] = true
	}
	return nil
}

// List 按位置列出帖子图片
func (s *Sequencer) List(ctx context.Context, postID string) ([]models.ImageView, error) {
	rows, err := s.posts.ListByPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return toViews(rows), nil
}

// DeletePost 移除帖子的所有图片并释放引用，然后在同一事务内执行 deleteRow 删除帖子本身
// 返回移除的图片数量
func (s *Sequencer) DeletePost(ctx context.Context, postID string, deleteRow func(tx *gorm.DB) error) (int, error) {
	removed := 0
	err := s.withPost(ctx, postID, func(tx *gorm.DB) error {
		postRepo := s.posts.WithTx(tx)
		ledger := s.ledger.WithTx(tx)

		rows, err := postRepo.ListByPost(ctx, postID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := ledger.DecrementReference(ctx, row.StoredImageID); err != nil {
				return err
			}
		}
		n, err := postRepo.DeleteByPost(ctx, postID)
		if err != nil {
			return err
		}
		removed = int(n)

		if deleteRow != nil {
			if err := deleteRow(tx); err != nil {
				return fmt.Errorf("failed to delete post %s: %w", postID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("[Post] 帖子图片已清空", zap.String("post", postID), zap.Int("removed", removed))
	return removed, nil
}

func toViews(rows []*models.PostImage) []models.ImageView {
	views := make([]models.ImageView, 0, len(rows))
	for _, row := range rows {
		views = append(views, row.View())
	}
	return views
}
