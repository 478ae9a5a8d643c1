// Package images 图片去重账本
package images

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/anoixa/imagestore/cache"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/base"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/utils/fingerprint"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrImageInactive 记录存在但物理文件已被回收
var ErrImageInactive = fmt.Errorf("%w: stored image is inactive", errs.ErrNotFound)

const (
	maxInsertAttempts = 3
	similarBatchSize  = 500
	kindStoredImage   = "stored image"
)

// SimilarImage 感知指纹相近的候选
type SimilarImage struct {
	Image    *models.StoredImage `json:"image"`
	Distance int                 `json:"distance"`
}

// Stats 账本统计
type Stats struct {
	Total      int64 `json:"total"`
	Active     int64 `json:"active"`
	Inactive   int64 `json:"inactive"`
	Reapable   int64 `json:"reapable"`
	References int64 `json:"references"`
}

// LedgerRepository 内容寻址的图片账本
// 引用计数只通过单条原子 UPDATE 或 CAS 修改
type LedgerRepository struct {
	repo     *base.Repository[models.StoredImage]
	cache    cache.Provider
	cacheTTL time.Duration
	logger   *zap.Logger
	inTx     bool
}

// NewLedgerRepository 创建账本仓库，cacheProvider 为 nil 时不缓存
func NewLedgerRepository(db *gorm.DB, cacheProvider cache.Provider, cacheTTL time.Duration, logger *zap.Logger) *LedgerRepository {
	if cacheProvider == nil {
		cacheProvider = cache.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRepository{
		repo:     base.NewRepository[models.StoredImage](db, kindStoredImage),
		cache:    cacheProvider,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// WithTx 返回绑定到事务的账本
// 事务内不写缓存，回滚后映射可能指向不存在的行
func (r *LedgerRepository) WithTx(tx *gorm.DB) *LedgerRepository {
	return &LedgerRepository{
		repo:     r.repo.WithTx(tx),
		cache:    r.cache,
		cacheTTL: r.cacheTTL,
		logger:   r.logger,
		inTx:     true,
	}
}

// DB 返回底层数据库连接
func (r *LedgerRepository) DB() *gorm.DB {
	return r.repo.DB()
}

// FindByID 通过 ID 获取记录
func (r *LedgerRepository) FindByID(ctx context.Context, id string) (*models.StoredImage, error) {
	return r.repo.GetByID(ctx, id)
}

// FindByContentFingerprint 通过内容指纹获取记录，不存在返回 errs.ErrNotFound
// 无论记录是否活跃都会返回
func (r *LedgerRepository) FindByContentFingerprint(ctx context.Context, fp string) (*models.StoredImage, error) {
	key := cache.FingerprintKey(fp)

	var id string
	if err := r.cache.Get(ctx, key, &id); err == nil && id != "" {
		img, err := r.repo.GetByID(ctx, id)
		if err == nil && img.ContentFingerprint == fp {
			return img, nil
		}
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		_ = r.cache.Delete(ctx, key)
	}

	img, err := r.repo.FirstByCondition(ctx, "content_fingerprint = ?", fp)
	if err != nil {
		return nil, err
	}
	r.remember(ctx, img)
	return img, nil
}

// FindSimilar 查找感知指纹距离不超过 maxDistance 的活跃记录
// 按距离升序，距离相同按创建时间排序，结果仅供参考
func (r *LedgerRepository) FindSimilar(ctx context.Context, perceptual string, maxDistance, limit int) ([]SimilarImage, error) {
	if perceptual == "" || limit <= 0 {
		return nil, nil
	}

	var batch []*models.StoredImage
	var matches []SimilarImage
	result := r.repo.Session(ctx).
		Where("is_active = ? AND perceptual_fingerprint IS NOT NULL", true).
		FindInBatches(&batch, similarBatchSize, func(tx *gorm.DB, _ int) error {
			for _, img := range batch {
				d, err := fingerprint.HammingDistance(perceptual, *img.PerceptualFingerprint)
				if err != nil {
					r.logger.Warn("[Ledger] 跳过格式异常的感知指纹",
						zap.String("id", img.ID), zap.Error(err))
					continue
				}
				if d <= maxDistance {
					matches = append(matches, SimilarImage{Image: img, Distance: d})
				}
			}
			return nil
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to scan perceptual fingerprints: %w", result.Error)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Image.CreatedAt.Before(matches[j].Image.CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CreateOrGetActive 插入新记录（引用计数 1），指纹已存在时引用加一并重新激活
// inserted 表示本次是否新建了行
func (r *LedgerRepository) CreateOrGetActive(ctx context.Context, rec *models.StoredImage) (*models.StoredImage, bool, error) {
	if rec == nil || rec.ContentFingerprint == "" {
		return nil, false, errs.Validation("content fingerprint is required")
	}

	var lastErr error
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		img, inserted, err := r.createOrGet(ctx, rec)
		if err == nil {
			r.remember(ctx, img)
			return img, inserted, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, err
		}
		lastErr = err
		r.logger.Debug("[Ledger] 插入冲突，重试",
			zap.String("fingerprint", rec.ContentFingerprint), zap.Int("attempt", attempt+1))
	}
	return nil, false, fmt.Errorf("failed to create stored image after %d attempts: %w", maxInsertAttempts, lastErr)
}

func (r *LedgerRepository) createOrGet(ctx context.Context, rec *models.StoredImage) (*models.StoredImage, bool, error) {
	row := *rec
	row.ID = ""
	row.ReferenceCount = 1
	row.IsActive = true

	db := r.repo.Session(ctx)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_fingerprint"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return &row, true, nil
	}

	update := db.Model(&models.StoredImage{}).
		Where("content_fingerprint = ?", rec.ContentFingerprint).
		Updates(map[string]interface{}{
			"reference_count": gorm.Expr("reference_count + 1"),
			"is_active":       true,
		})
	if update.Error != nil {
		return nil, false, update.Error
	}
	if update.RowsAffected == 0 {
		return nil, false, errs.InvariantViolation("conflicting fingerprint %s vanished", rec.ContentFingerprint)
	}

	existing, err := r.repo.FirstByCondition(ctx, "content_fingerprint = ?", rec.ContentFingerprint)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// IncrementReference 原子地增加引用，仅对活跃记录生效
// 记录不存在返回 errs.ErrNotFound，已回收返回 ErrImageInactive
func (r *LedgerRepository) IncrementReference(ctx context.Context, id string) (int, error) {
	result := r.repo.Session(ctx).Model(&models.StoredImage{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"reference_count": gorm.Expr("reference_count + 1"),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to increment reference: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := r.repo.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, errs.NotFound(kindStoredImage, id)
		}
		return 0, fmt.Errorf("%w: %s", ErrImageInactive, id)
	}
	return r.referenceCount(ctx, id)
}

// DecrementReference 原子地减少引用，计数不会低于零
// 对计数为零的记录调用视为不变量被破坏
func (r *LedgerRepository) DecrementReference(ctx context.Context, id string) (int, error) {
	result := r.repo.Session(ctx).Model(&models.StoredImage{}).
		Where("id = ? AND reference_count > 0", id).
		Updates(map[string]interface{}{
			"reference_count": gorm.Expr("reference_count - 1"),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to decrement reference: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := r.repo.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, errs.NotFound(kindStoredImage, id)
		}
		r.logger.Error("[Ledger] 引用计数下溢", zap.String("id", id))
		return 0, errs.InvariantViolation("reference count of %s is already zero", id)
	}
	return r.referenceCount(ctx, id)
}

// MarkInactiveIfUnreferenced CAS：只有活跃且无引用的记录会被标记为不活跃
func (r *LedgerRepository) MarkInactiveIfUnreferenced(ctx context.Context, id string) (bool, error) {
	result := r.repo.Session(ctx).Model(&models.StoredImage{}).
		Where("id = ? AND reference_count = ? AND is_active = ?", id, 0, true).
		Updates(map[string]interface{}{
			"is_active": false,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark stored image inactive: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListReapable 活跃且引用为零的记录，最早更新的在前
func (r *LedgerRepository) ListReapable(ctx context.Context, limit int) ([]*models.StoredImage, error) {
	var rows []*models.StoredImage
	err := r.repo.Session(ctx).
		Where("is_active = ? AND reference_count = ?", true, 0).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ListActive 按 ID 分页遍历活跃记录
func (r *LedgerRepository) ListActive(ctx context.Context, afterID string, limit int) ([]*models.StoredImage, error) {
	return r.listByState(ctx, true, afterID, limit)
}

// ListInactive 按 ID 分页遍历已回收记录
func (r *LedgerRepository) ListInactive(ctx context.Context, afterID string, limit int) ([]*models.StoredImage, error) {
	return r.listByState(ctx, false, afterID, limit)
}

func (r *LedgerRepository) listByState(ctx context.Context, active bool, afterID string, limit int) ([]*models.StoredImage, error) {
	var rows []*models.StoredImage
	err := r.repo.Session(ctx).
		Where("is_active = ? AND id > ?", active, afterID).
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Stats 账本统计
func (r *LedgerRepository) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	var err error
	if s.Total, err = r.repo.Count(ctx, ""); err != nil {
		return nil, err
	}
	if s.Active, err = r.repo.Count(ctx, "is_active = ?", true); err != nil {
		return nil, err
	}
	s.Inactive = s.Total - s.Active
	if s.Reapable, err = r.repo.Count(ctx, "is_active = ? AND reference_count = ?", true, 0); err != nil {
		return nil, err
	}

	if err := r.repo.Session(ctx).Model(&models.StoredImage{}).
		Select("COALESCE(SUM(reference_count), 0)").Scan(&s.References).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *LedgerRepository) referenceCount(ctx context.Context, id string) (int, error) {
	var count int
	err := r.repo.Session(ctx).Model(&models.StoredImage{}).
		Where("id = ?", id).
		Select("reference_count").
		Scan(&count).Error
	return count, err
}

// remember 缓存指纹到 ID 的映射，记录从不物理删除所以映射不会失效
func (r *LedgerRepository) remember(ctx context.Context, img *models.StoredImage) {
	if r.inTx || img == nil {
		return
	}
	if err := r.cache.Set(ctx, cache.FingerprintKey(img.ContentFingerprint), img.ID, r.cacheTTL); err != nil {
		r.logger.Debug("[Ledger] 缓存写入失败", zap.Error(err))
	}
}
