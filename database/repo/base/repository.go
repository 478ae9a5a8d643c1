// Package base 元数据仓库共用的 CRUD 与错误转换
package base

import (
	"context"
	"errors"

	"github.com/anoixa/imagestore/internal/errs"
	"gorm.io/gorm"
)

// Repository 通用仓库基类，主键为字符串
type Repository[T any] struct {
	db   *gorm.DB
	kind string
}

// NewRepository 创建新的通用仓库，kind 用于 NotFound 错误信息
func NewRepository[T any](db *gorm.DB, kind string) *Repository[T] {
	return &Repository[T]{db: db, kind: kind}
}

// DB 返回底层数据库连接
func (r *Repository[T]) DB() *gorm.DB {
	return r.db
}

// WithTx 返回绑定到事务的仓库
func (r *Repository[T]) WithTx(tx *gorm.DB) *Repository[T] {
	return &Repository[T]{db: tx, kind: r.kind}
}

// Session 带 context 的查询会话
func (r *Repository[T]) Session(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// Create 创建记录
func (r *Repository[T]) Create(ctx context.Context, entity *T) error {
	return r.db.WithContext(ctx).Create(entity).Error
}

// GetByID 通过 ID 获取记录，不存在返回 errs.ErrNotFound
func (r *Repository[T]) GetByID(ctx context.Context, id string) (*T, error) {
	var entity T
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		return nil, r.Translate(err, id)
	}
	return &entity, nil
}

// FirstByCondition 根据条件查询第一条记录，不存在返回 errs.ErrNotFound
func (r *Repository[T]) FirstByCondition(ctx context.Context, condition string, args ...interface{}) (*T, error) {
	var entity T
	err := r.db.WithContext(ctx).Where(condition, args...).First(&entity).Error
	if err != nil {
		return nil, r.Translate(err, condition)
	}
	return &entity, nil
}

// Count 根据条件计数，condition 为空时统计全表
func (r *Repository[T]) Count(ctx context.Context, condition string, args ...interface{}) (int64, error) {
	var count int64
	db := r.db.WithContext(ctx).Model(new(T))
	if condition != "" {
		db = db.Where(condition, args...)
	}
	err := db.Count(&count).Error
	return count, err
}

// Exists 检查记录是否存在
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	count, err := r.Count(ctx, "id = ?", id)
	return count > 0, err
}

// Delete 删除记录，不存在返回 errs.ErrNotFound
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(new(T))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.NotFound(r.kind, id)
	}
	return nil
}

// Translate 把 gorm.ErrRecordNotFound 转换为 errs.ErrNotFound
func (r *Repository[T]) Translate(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound(r.kind, id)
	}
	return err
}
