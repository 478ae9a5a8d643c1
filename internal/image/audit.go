package image

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/storage"
	"github.com/anoixa/imagestore/utils"
	"github.com/anoixa/imagestore/utils/keylock"
	"go.uber.org/zap"
)

const auditBatchSize = 200

// AuditLedger 一致性检查所需的账本操作
type AuditLedger interface {
	FindByContentFingerprint(ctx context.Context, fp string) (*models.StoredImage, error)
	ListActive(ctx context.Context, afterID string, limit int) ([]*models.StoredImage, error)
	ListInactive(ctx context.Context, afterID string, limit int) ([]*models.StoredImage, error)
}

// AttachmentCounter 统计引用某个存储图片的帖子图片数量
type AttachmentCounter interface {
	CountByStoredImage(ctx context.Context, storedImageID string) (int64, error)
}

// AuditOptions 检查选项
type AuditOptions struct {
	DryRun      bool
	SkipFiles   bool
	SkipRecords bool
}

// ReferenceMismatch 引用计数小于实际挂载数
type ReferenceMismatch struct {
	ID             string `json:"id"`
	ReferenceCount int    `json:"referenceCount"`
	Attachments    int64  `json:"attachments"`
}

// AuditReport 检查结果
type AuditReport struct {
	ScannedFiles        int                             `json:"scannedFiles"`
	UnknownFiles        []string                        `json:"unknownFiles,omitempty"`
	OrphanFingerprints  []string                        `json:"orphanFingerprints,omitempty"`
	StaleFingerprints   []string                        `json:"staleFingerprints,omitempty"`
	DeletedFingerprints int                             `json:"deletedFingerprints"`
	ScannedRecords      int                             `json:"scannedRecords"`
	MissingVariants     map[string][]models.VariantKind `json:"missingVariants,omitempty"`
	ReferenceMismatches []ReferenceMismatch             `json:"referenceMismatches,omitempty"`
	Errors              []string                        `json:"errors,omitempty"`
}

// Auditor 存储与账本的一致性检查
// 没有活跃记录的变体文件会被删除，其它问题只报告
type Auditor struct {
	ledger      AuditLedger
	attachments AttachmentCounter
	store       *Store
	locks       *keylock.KeyLock
	logger      *zap.Logger
}

// NewAuditor 创建一致性检查器
func NewAuditor(ledger AuditLedger, attachments AttachmentCounter, store *Store, locks *keylock.KeyLock, logger *zap.Logger) *Auditor {
	return &Auditor{
		ledger:      ledger,
		attachments: attachments,
		store:       store,
		locks:       locks,
		logger:      utils.OrNop(logger),
	}
}

// Run 执行检查
func (a *Auditor) Run(ctx context.Context, opts AuditOptions) (*AuditReport, error) {
	report := &AuditReport{MissingVariants: make(map[string][]models.VariantKind)}

	lister, canList := a.store.Provider().(storage.Lister)
	if !opts.SkipFiles {
		if !canList {
			report.Errors = append(report.Errors,
				fmt.Sprintf("storage %s does not support listing", a.store.Provider().Name()))
		} else if err := a.auditFiles(ctx, lister, report, opts.DryRun); err != nil {
			return report, err
		}
	}

	if !opts.SkipRecords {
		if err := a.auditRecords(ctx, report); err != nil {
			return report, err
		}
		if err := a.auditInactive(ctx, report, opts.DryRun); err != nil {
			return report, err
		}
	}
	return report, nil
}

// auditFiles 遍历存储，找出没有活跃记录的指纹
func (a *Auditor) auditFiles(ctx context.Context, lister storage.Lister, report *AuditReport, dryRun bool) error {
	a.logger.Info("[Audit] 扫描存储文件")

	seen := make(map[string]struct{})
	err := lister.Walk(ctx, "", func(identifier string) error {
		report.ScannedFiles++
		_, fp, ok := a.store.Paths().ParseVariantPath(identifier)
		if !ok {
			report.UnknownFiles = append(report.UnknownFiles, identifier)
			return nil
		}
		seen[fp] = struct{}{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk storage: %w", err)
	}

	fps := make([]string, 0, len(seen))
	for fp := range seen {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	for _, fp := range fps {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, deleted, err := a.sweep(ctx, fp, dryRun)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", fp, err))
			continue
		}
		switch state {
		case fileOrphan:
			report.OrphanFingerprints = append(report.OrphanFingerprints, fp)
		case fileStale:
			report.StaleFingerprints = append(report.StaleFingerprints, fp)
		}
		if deleted {
			report.DeletedFingerprints++
		}
	}
	return nil
}

type fileState int

const (
	fileLive fileState = iota
	fileOrphan
	fileStale
)

func (s fileState) String() string {
	switch s {
	case fileOrphan:
		return "orphan"
	case fileStale:
		return "stale"
	default:
		return "live"
	}
}

// sweep 持有指纹锁重新确认记录状态，非活跃时删除文件
func (a *Auditor) sweep(ctx context.Context, fp string, dryRun bool) (fileState, bool, error) {
	state := fileLive
	deleted := false

	err := a.locks.Do(ctx, fp, func() error {
		rec, err := a.ledger.FindByContentFingerprint(ctx, fp)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			state = fileOrphan
		case err != nil:
			return err
		case rec.IsActive:
			return nil
		default:
			state = fileStale
		}

		if dryRun {
			a.logger.Info("[Audit] [DRY-RUN] 将删除无效文件",
				zap.String("fingerprint", fp), zap.Stringer("state", state))
			return nil
		}
		if err := a.store.Delete(ctx, fp); err != nil {
			return err
		}
		deleted = true
		a.logger.Info("[Audit] 已删除无效文件",
			zap.String("fingerprint", fp), zap.Stringer("state", state))
		return nil
	})
	if err != nil {
		return fileLive, false, err
	}
	return state, deleted, nil
}

// auditInactive 遍历已回收记录，清理回收时未删掉的变体文件
// 不依赖存储遍历，文件扫描已处理过的指纹跳过
func (a *Auditor) auditInactive(ctx context.Context, report *AuditReport, dryRun bool) error {
	handled := make(map[string]struct{}, len(report.StaleFingerprints))
	for _, fp := range report.StaleFingerprints {
		handled[fp] = struct{}{}
	}

	afterID := ""
	for {
		rows, err := a.ledger.ListInactive(ctx, afterID, auditBatchSize)
		if err != nil {
			return fmt.Errorf("failed to list inactive records: %w", err)
		}
		for _, rec := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			fp := rec.ContentFingerprint
			if _, ok := handled[fp]; ok {
				continue
			}

			missing, err := a.store.Missing(ctx, fp)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
				continue
			}
			if len(missing) == len(models.VariantKinds) {
				continue
			}

			state, deleted, err := a.sweep(ctx, fp, dryRun)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", fp, err))
				continue
			}
			if state == fileStale {
				report.StaleFingerprints = append(report.StaleFingerprints, fp)
			}
			if deleted {
				report.DeletedFingerprints++
			}
		}
		if len(rows) < auditBatchSize {
			return nil
		}
		afterID = rows[len(rows)-1].ID
	}
}

// auditRecords 遍历活跃记录，检查变体完整性和引用计数
func (a *Auditor) auditRecords(ctx context.Context, report *AuditReport) error {
	a.logger.Info("[Audit] 检查活跃记录")

	afterID := ""
	for {
		rows, err := a.ledger.ListActive(ctx, afterID, auditBatchSize)
		if err != nil {
			return fmt.Errorf("failed to list active records: %w", err)
		}
		for _, rec := range rows {
			report.ScannedRecords++

			missing, err := a.store.Missing(ctx, rec.ContentFingerprint)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
			} else if len(missing) > 0 {
				report.MissingVariants[rec.ID] = missing
				a.logger.Warn("[Audit] 活跃记录缺少变体文件",
					zap.String("id", rec.ID), zap.Any("missing", missing))
			}

			attached, err := a.attachments.CountByStoredImage(ctx, rec.ID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
				continue
			}
			if int64(rec.ReferenceCount) < attached {
				report.ReferenceMismatches = append(report.ReferenceMismatches, ReferenceMismatch{
					ID:             rec.ID,
					ReferenceCount: rec.ReferenceCount,
					Attachments:    attached,
				})
				a.logger.Error("[Audit] 引用计数小于挂载数",
					zap.String("id", rec.ID),
					zap.Int("references", rec.ReferenceCount),
					zap.Int64("attachments", attached))
			}
		}
		if len(rows) < auditBatchSize {
			return nil
		}
		afterID = rows[len(rows)-1].ID
	}
}
