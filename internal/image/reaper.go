package image

import (
	"context"
	"sync"
	"time"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/utils"
	"github.com/anoixa/imagestore/utils/keylock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReapScanner 回收扫描器
// 引用为零的记录先 CAS 标记为不活跃再删除物理文件，记录本身保留
type ReapScanner struct {
	ledger    Ledger
	store     *Store
	locks     *keylock.KeyLock
	limiter   *rate.Limiter
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReapScanner 创建回收扫描器
func NewReapScanner(cfg *config.Config, ledger Ledger, store *Store, locks *keylock.KeyLock, logger *zap.Logger) *ReapScanner {
	limit := rate.Inf
	if cfg.ReapDeleteRate > 0 {
		limit = rate.Limit(cfg.ReapDeleteRate)
	}
	interval := cfg.ReapInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ReapScanner{
		ledger:    ledger,
		store:     store,
		locks:     locks,
		limiter:   rate.NewLimiter(limit, 1),
		interval:  interval,
		batchSize: cfg.ReapBatchSize,
		logger:    utils.OrNop(logger),
		stopCh:    make(chan struct{}),
	}
}

// Start 启动扫描器，启动时立即执行一次
func (s *ReapScanner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		defer cancel()

		s.scan(ctx)
		for {
			select {
			case <-ticker.C:
				s.scan(ctx)
			case <-s.stopCh:
				return
			}
		}
	}()

	go func() {
		<-s.stopCh
		cancel()
	}()

	s.logger.Info("[ReapScanner] 已启动", zap.Duration("interval", s.interval))
}

// Stop 停止扫描器并等待当前批次结束，可重复调用
func (s *ReapScanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *ReapScanner) scan(ctx context.Context) {
	n, err := s.Reap(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("[ReapScanner] 回收失败", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("[ReapScanner] 回收完成", zap.Int("reaped", n))
	}
}

// Reap 回收一批引用为零的记录，返回被标记为不活跃的数量
func (s *ReapScanner) Reap(ctx context.Context) (int, error) {
	rows, err := s.ledger.ListReapable(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		ok, err := s.reapOne(ctx, row.ID, row.ContentFingerprint)
		if ok {
			reaped++
		}
		if err != nil {
			s.logger.Warn("[ReapScanner] 回收未完成", zap.String("id", row.ID), zap.Error(err))
		}
	}
	return reaped, nil
}

// reapOne 持有指纹锁完成 CAS 与删除，避免与同内容的重新上传交错
func (s *ReapScanner) reapOne(ctx context.Context, id, fp string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, fp)
	if err != nil {
		return false, err
	}
	defer unlock()

	ok, err := s.ledger.MarkInactiveIfUnreferenced(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return true, err
	}

	// 记录已不活跃，文件删除失败只留下孤儿文件，由 clean 命令处理
	if err := s.store.Delete(context.WithoutCancel(ctx), fp); err != nil {
		s.logger.Error("[ReapScanner] 文件删除失败", zap.String("id", id), zap.Error(err))
	}
	s.logger.Debug("[ReapScanner] 已回收", zap.String("id", id), zap.String("fingerprint", fp))
	return true, nil
}
