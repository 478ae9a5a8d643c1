// Package image 图片上传编排、内容寻址存储与回收
package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/images"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/internal/variant"
	"github.com/anoixa/imagestore/internal/worker"
	"github.com/anoixa/imagestore/utils"
	"github.com/anoixa/imagestore/utils/fingerprint"
	"github.com/anoixa/imagestore/utils/keylock"
	"github.com/anoixa/imagestore/utils/validator"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// cleanupTimeout 孤儿文件清理使用的独立超时
const cleanupTimeout = 30 * time.Second

// Ledger 上传与回收依赖的账本操作
type Ledger interface {
	FindByID(ctx context.Context, id string) (*models.StoredImage, error)
	FindByContentFingerprint(ctx context.Context, fp string) (*models.StoredImage, error)
	FindSimilar(ctx context.Context, perceptual string, maxDistance, limit int) ([]images.SimilarImage, error)
	CreateOrGetActive(ctx context.Context, rec *models.StoredImage) (*models.StoredImage, bool, error)
	IncrementReference(ctx context.Context, id string) (int, error)
	DecrementReference(ctx context.Context, id string) (int, error)
	MarkInactiveIfUnreferenced(ctx context.Context, id string) (bool, error)
	ListReapable(ctx context.Context, limit int) ([]*models.StoredImage, error)
}

// IngestRequest 上传请求
type IngestRequest struct {
	Data     []byte
	Filename string
	MimeType string
	Context  models.UploadContext
	UserID   string
}

// IngestResult 上传结果
type IngestResult struct {
	StoredImage *models.StoredImage `json:"storedImage"`
	URLs        models.VariantURLs  `json:"urls"`
	IsDuplicate bool                `json:"isDuplicate"`
}

// BatchResult 批量上传中单个文件的结果
type BatchResult struct {
	Index    int           `json:"index"`
	Filename string        `json:"filename"`
	Result   *IngestResult `json:"result,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// SimilarCandidate 相似图片候选
type SimilarCandidate struct {
	Image    *models.StoredImage `json:"image"`
	Distance int                 `json:"distance"`
}

// DuplicateCheck 上传前的重复检查结果
type DuplicateCheck struct {
	HasExactDuplicate bool                `json:"hasExactDuplicate"`
	Exact             *models.StoredImage `json:"exact,omitempty"`
	HasSimilarImages  bool                `json:"hasSimilarImages"`
	Candidates        []SimilarCandidate  `json:"candidates,omitempty"`
}

// UploadService 上传编排：校验 -> 指纹 -> 账本 -> 生成变体 -> 持久化 -> 入账
type UploadService struct {
	validator *validator.UploadValidator
	generator *variant.Generator
	ledger    Ledger
	store     *Store
	pool      *worker.Pool
	locks     *keylock.KeyLock
	logger    *zap.Logger

	similarityDistance int
	similarityLimit    int
	batchConcurrency   int
}

// NewUploadService 创建上传服务
func NewUploadService(
	cfg *config.Config,
	ledger Ledger,
	store *Store,
	gen *variant.Generator,
	pool *worker.Pool,
	locks *keylock.KeyLock,
	logger *zap.Logger,
) *UploadService {
	return &UploadService{
		validator:          validator.NewUploadValidator(cfg.MaxUploadBytes(), cfg.UploadAllowedMimeTypes, cfg.UploadAllowedExtensions),
		generator:          gen,
		ledger:             ledger,
		store:              store,
		pool:               pool,
		locks:              locks,
		logger:             utils.OrNop(logger),
		similarityDistance: cfg.UploadSimilarityDistance,
		similarityLimit:    cfg.UploadSimilarityLimit,
		batchConcurrency:   cfg.GetWorkerCount(),
	}
}

// Store 变体存储
func (s *UploadService) Store() *Store {
	return s.store
}

// Ingest 上传一张图片
// 内容已存在且活跃时只增加引用，不做解码；否则生成并持久化变体后入账
// 返回的结果持有一个引用，调用方附加到帖子或调用 Release 释放
func (s *UploadService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if !req.Context.Valid() {
		return nil, errs.Validation("unknown upload context %q", req.Context)
	}
	if req.UserID == "" {
		return nil, errs.Validation("uploader id is required")
	}
	if _, err := s.validator.Validate(req.Data, req.Filename, req.MimeType); err != nil {
		return nil, err
	}

	fp := fingerprint.ContentFingerprint(req.Data)

	if res, ok, err := s.reuseExisting(ctx, fp); err != nil || ok {
		return res, err
	}

	unlock, err := s.locks.Lock(ctx, fp)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// 等锁期间可能已有同内容的上传完成
	if res, ok, err := s.reuseExisting(ctx, fp); err != nil || ok {
		return res, err
	}

	var set *variant.Set
	var perceptual *string
	err = s.pool.Run(ctx, func() error {
		img, err := s.generator.Decode(req.Data)
		if err != nil {
			return err
		}
		if p, err := fingerprint.PerceptualFingerprint(img); err != nil {
			s.logger.Warn("[Upload] 感知指纹计算失败，继续上传",
				zap.String("fingerprint", fp), zap.Error(err))
		} else {
			perceptual = &p
		}
		set, err = s.generator.Generate(img)
		return err
	})
	if err != nil {
		return nil, err
	}

	storagePath, err := s.store.Persist(ctx, fp, set)
	if err != nil {
		s.cleanupOrphans(ctx, fp)
		return nil, err
	}

	rec := &models.StoredImage{
		ContentFingerprint:    fp,
		PerceptualFingerprint: perceptual,
		OriginalFilename:      utils.SanitizeFilename(req.Filename),
		StoragePath:           storagePath,
		FileSizeBytes:         set.Original.Size(),
		MimeType:              models.VariantMimeType,
		Width:                 set.Original.Width,
		Height:                set.Original.Height,
		UploadContext:         req.Context,
		FirstUploaderID:       req.UserID,
	}

	img, inserted, err := s.createWithRetry(ctx, rec)
	if err != nil {
		s.logger.Error("[Upload] 入账失败，清理已写入的文件",
			zap.String("fingerprint", fp), zap.Error(err))
		s.cleanupOrphans(ctx, fp)
		return nil, err
	}

	s.logger.Info("[Upload] 图片已入库",
		zap.String("id", img.ID),
		zap.String("fingerprint", fp),
		zap.Bool("inserted", inserted),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height))

	return &IngestResult{
		StoredImage: img,
		URLs:        s.store.URLs(fp),
		IsDuplicate: !inserted,
	}, nil
}

// reuseExisting 活跃记录命中时增加引用并直接返回
func (s *UploadService) reuseExisting(ctx context.Context, fp string) (*IngestResult, bool, error) {
	existing, err := s.ledger.FindByContentFingerprint(ctx, fp)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up fingerprint: %w", err)
	}
	if !existing.IsActive {
		return nil, false, nil
	}

	count, err := s.ledger.IncrementReference(ctx, existing.ID)
	if errors.Is(err, images.ErrImageInactive) {
		// 查询后被回收，走重新生成的路径
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	existing.ReferenceCount = count

	s.logger.Debug("[Upload] 命中已有内容",
		zap.String("id", existing.ID), zap.Int("references", count))

	return &IngestResult{
		StoredImage: existing,
		URLs:        s.store.URLs(fp),
		IsDuplicate: true,
	}, true, nil
}

// createWithRetry 入账，瞬时错误按指数退避重试
func (s *UploadService) createWithRetry(ctx context.Context, rec *models.StoredImage) (*models.StoredImage, bool, error) {
	var img *models.StoredImage
	var inserted bool

	op := func() error {
		var err error
		img, inserted, err = s.ledger.CreateOrGetActive(ctx, rec)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrInvariantViolation) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, false, fmt.Errorf("failed to record stored image: %w", err)
	}
	return img, inserted, nil
}

// cleanupOrphans 删除没有活跃记录对应的文件
// 调用方持有该指纹的锁，使用不可取消的 context 保证清理完成
func (s *UploadService) cleanupOrphans(parent context.Context, fp string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()

	existing, err := s.ledger.FindByContentFingerprint(ctx, fp)
	switch {
	case err == nil && existing.IsActive:
		return
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		s.logger.Error("[Upload] 无法确认指纹状态，保留文件",
			zap.String("fingerprint", fp), zap.Error(err))
		return
	}

	if err := s.store.Delete(ctx, fp); err != nil {
		s.logger.Error("[Upload] 孤儿文件清理失败", zap.String("fingerprint", fp), zap.Error(err))
		return
	}
	s.logger.Info("[Upload] 已清理孤儿文件", zap.String("fingerprint", fp))
}

// IngestBatch 并发上传多张图片，单张失败不影响其他图片
func (s *UploadService) IngestBatch(ctx context.Context, reqs []IngestRequest) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.Ingest(gctx, req)
			results[i] = BatchResult{Index: i, Filename: req.Filename, Result: res, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch upload failed: %w", err)
	}
	return results, nil
}

// CheckDuplicate 只读的重复检查：精确命中与相似候选
func (s *UploadService) CheckDuplicate(ctx context.Context, data []byte) (*DuplicateCheck, error) {
	if _, err := s.validator.ValidateContent(data); err != nil {
		return nil, err
	}
	if _, err := fingerprint.CheckDimensions(data); err != nil {
		return nil, errs.InvalidImage(err)
	}

	var fps fingerprint.Fingerprints
	if err := s.pool.Run(ctx, func() error {
		fps = fingerprint.Compute(data)
		return nil
	}); err != nil {
		return nil, err
	}

	check := &DuplicateCheck{}

	exact, err := s.ledger.FindByContentFingerprint(ctx, fps.Content)
	switch {
	case err == nil && exact.IsActive:
		check.HasExactDuplicate = true
		check.Exact = exact
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		return nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}

	if fps.Perceptual == nil {
		return check, nil
	}

	similar, err := s.ledger.FindSimilar(ctx, *fps.Perceptual, s.similarityDistance, s.similarityLimit+1)
	if err != nil {
		return nil, err
	}
	for _, m := range similar {
		if check.Exact != nil && m.Image.ID == check.Exact.ID {
			continue
		}
		if len(check.Candidates) == s.similarityLimit {
			break
		}
		check.Candidates = append(check.Candidates, SimilarCandidate{Image: m.Image, Distance: m.Distance})
	}
	check.HasSimilarImages = len(check.Candidates) > 0
	return check, nil
}

// Release 释放一次未附加到帖子的上传所持有的引用
func (s *UploadService) Release(ctx context.Context, storedImageID string) (int, error) {
	count, err := s.ledger.DecrementReference(ctx, storedImageID)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("[Upload] 释放引用", zap.String("id", storedImageID), zap.Int("references", count))
	return count, nil
}
