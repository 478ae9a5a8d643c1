package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/internal/variant"
	"github.com/anoixa/imagestore/storage"
	"github.com/anoixa/imagestore/utils/generator"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store 内容寻址的变体存储
// 路径只由指纹和变体类型决定，文件写入后不再修改
type Store struct {
	provider  storage.Provider
	paths     *generator.PathGenerator
	baseURL   string
	retryMax  int
	retryBase time.Duration
	logger    *zap.Logger
}

// NewStore 创建变体存储
func NewStore(provider storage.Provider, cfg *config.Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		provider:  provider,
		paths:     generator.NewPathGenerator(),
		baseURL:   strings.TrimRight(cfg.StoragePublicBaseURL, "/"),
		retryMax:  cfg.StorageRetryMax,
		retryBase: cfg.StorageRetryBase,
		logger:    logger,
	}
}

// Provider 底层存储
func (s *Store) Provider() storage.Provider {
	return s.provider
}

// Paths 路径生成器
func (s *Store) Paths() *generator.PathGenerator {
	return s.paths
}

// Path 变体的存储路径
func (s *Store) Path(fp string, kind models.VariantKind) string {
	return s.paths.VariantPath(fp, kind)
}

// URLs 三个变体的公开地址
func (s *Store) URLs(fp string) models.VariantURLs {
	return models.VariantURLs{
		Thumbnail: s.url(fp, models.VariantThumbnail),
		Medium:    s.url(fp, models.VariantMedium),
		Original:  s.url(fp, models.VariantOriginal),
	}
}

func (s *Store) url(fp string, kind models.VariantKind) string {
	return s.baseURL + "/" + s.paths.VariantPath(fp, kind)
}

// Persist 并发写入三个变体，已存在的文件直接跳过
// 返回限宽原图的存储路径，重试耗尽后返回 errs.ErrStorage
func (s *Store) Persist(ctx context.Context, fp string, set *variant.Set) (string, error) {
	if set == nil {
		return "", errs.UnsupportedFormat("no variants to persist")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range set.All() {
		v := v
		g.Go(func() error {
			return s.saveIfAbsent(gctx, s.Path(fp, v.Kind), v.Data)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return s.Path(fp, models.VariantOriginal), nil
}

// saveIfAbsent 文件不存在时写入，带指数退避重试
func (s *Store) saveIfAbsent(ctx context.Context, path string, data []byte) error {
	op := func() error {
		exists, err := s.provider.Exists(ctx, path)
		if err != nil {
			return s.permanentOnCancel(ctx, err)
		}
		if exists {
			return nil
		}
		if err := s.provider.SaveWithContext(ctx, path, bytes.NewReader(data)); err != nil {
			return s.permanentOnCancel(ctx, err)
		}
		return nil
	}

	if err := s.retry(ctx, "save", path, op); err != nil {
		return err
	}
	return nil
}

// Delete 删除指纹对应的三个变体，不存在的文件忽略
func (s *Store) Delete(ctx context.Context, fp string) error {
	var errList []error
	for _, kind := range models.VariantKinds {
		path := s.Path(fp, kind)
		op := func() error {
			err := s.provider.DeleteWithContext(ctx, path)
			if err == nil || errors.Is(err, storage.ErrNotExist) {
				return nil
			}
			return s.permanentOnCancel(ctx, err)
		}
		if err := s.retry(ctx, "delete", path, op); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Missing 返回缺失的变体类型
func (s *Store) Missing(ctx context.Context, fp string) ([]models.VariantKind, error) {
	var missing []models.VariantKind
	for _, kind := range models.VariantKinds {
		exists, err := s.provider.Exists(ctx, s.Path(fp, kind))
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s variant: %w", kind, err)
		}
		if !exists {
			missing = append(missing, kind)
		}
	}
	return missing, nil
}

func (s *Store) retry(ctx context.Context, op, path string, fn backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	if s.retryBase > 0 {
		b.InitialInterval = s.retryBase
	}
	b.MaxElapsedTime = 0

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		s.logger.Warn("[Store] 存储操作失败，准备重试",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.retryMax, 0))), ctx)
	if err := backoff.RetryNotify(fn, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return errs.Storage(op, path, err)
	}
	return nil
}

// permanentOnCancel context 结束后不再重试
func (s *Store) permanentOnCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	return err
}
