package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"solcorpus/internal/config"
	"solcorpus/internal/corpus"
	"solcorpus/internal/errors"
	"solcorpus/internal/logging"
	"solcorpus/internal/output"
	"solcorpus/internal/progress"
	"solcorpus/internal/retry"
	"solcorpus/internal/validation"
	"solcorpus/pkg/models"

	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Second

// ChainSource 链上数据提供方
type ChainSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	TransactionsInBlock(ctx context.Context, blockNumber uint64) ([]*models.Transaction, error)
	// ReceiptOf 交易不存在时返回 nil
	ReceiptOf(ctx context.Context, txHash string) (*models.Receipt, error)
	CodeAt(ctx context.Context, address string) ([]byte, error)
}

// MetadataSource 已验证源码元数据提供方，未验证的地址返回 nil
type MetadataSource interface {
	MetadataOf(ctx context.Context, address string) (*models.ContractMetadata, error)
}

// Scanner 扫描驱动
type Scanner struct {
	chain     ChainSource
	metadata  MetadataSource
	validator *validation.Validator
	store     *corpus.Store
	outputter output.Output
	progress  *progress.Manager
	errors    *errors.ErrorHandler
	retrier   *retry.Retrier
	logger    *logrus.Logger
	timeout   time.Duration
	resume    bool

	mu      sync.RWMutex
	running bool
	stats   *counters
	cursors map[string]*progress.Cursor
}

// NewScanner 创建扫描器
func NewScanner(chain ChainSource, metadata MetadataSource, store *corpus.Store, cfg *config.ScannerConfig, logger *logrus.Logger) *Scanner {
	timeout := defaultTimeout
	attempts := 1
	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.RetryLimit > 0 {
			attempts = cfg.RetryLimit
		}
	}
	return &Scanner{
		chain:     chain,
		metadata:  metadata,
		validator: validation.NewValidator(logger),
		store:     store,
		outputter: output.NopOutput{},
		errors:    errors.NewErrorHandler(logger),
		retrier:   retry.NewRetrier(retry.NetworkRetryConfig.WithMaxAttempts(attempts), logger),
		logger:    logger,
		timeout:   timeout,
		stats:     newCounters(),
		cursors:   make(map[string]*progress.Cursor),
	}
}

// SetOutput 设置已接受合约的输出器
func (s *Scanner) SetOutput(out output.Output) {
	if out == nil {
		out = output.NopOutput{}
	}
	s.outputter = out
}

// SetProgressManager 设置进度管理器，为 nil 时不记录游标
func (s *Scanner) SetProgressManager(m *progress.Manager) {
	s.progress = m
}

// SetResume 是否从已保存的游标继续
func (s *Scanner) SetResume(resume bool) {
	s.resume = resume
}

// Validator 返回候选合约验证器
func (s *Scanner) Validator() *validation.Validator {
	return s.validator
}

// ErrorHandler 返回错误处理器
func (s *Scanner) ErrorHandler() *errors.ErrorHandler {
	return s.errors
}

// Running 是否正在扫描
func (s *Scanner) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats 当前（或最近一次）运行的统计快照
func (s *Scanner) Stats() Stats {
	s.mu.RLock()
	c := s.stats
	s.mu.RUnlock()
	return c.snapshot()
}

// Cursors 当前各分区的游标快照
func (s *Scanner) Cursors() []*progress.Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*progress.Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		cursor := *c
		out = append(out, &cursor)
	}
	sortCursors(out)
	return out
}

// Run 扫描 (end, start] 内的区块。start 为 0 时从链头开始
//
// 中断时返回已有结果和 ctx 的错误，各分区游标停在尚未完成的区块上。
func (s *Scanner) Run(ctx context.Context, start, end uint64, workers int) (*Result, error) {
	if start == 0 {
		head, err := s.callLatest(ctx)
		if err != nil {
			return nil, err
		}
		s.logger.Infof("起始区块未指定，使用链头 %d", head)
		start = head
	}
	if start <= end {
		return nil, errors.NewConfigError(fmt.Sprintf("起始区块(%d)必须大于结束区块(%d)", start, end))
	}
	if workers < 1 {
		return nil, errors.NewConfigError(fmt.Sprintf("工作协程数必须大于0，当前值: %d", workers))
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errors.NewConfigError("扫描已在进行中")
	}
	s.running = true
	s.stats = newCounters()
	s.cursors = make(map[string]*progress.Cursor)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	parts := Partitions(start, end, workers)
	result := &Result{
		Start:     start,
		End:       end,
		Workers:   len(parts),
		StartTime: time.Now(),
	}

	s.logger.WithFields(logrus.Fields{
		"start":   start,
		"end":     end,
		"workers": len(parts),
		"rules":   s.validator.Rules(),
	}).Infof("开始扫描区块 %d 到 %d（不含）", start, end)

	var wg sync.WaitGroup
	for i, p := range parts {
		cursor := s.initialCursor(p)
		s.setCursor(cursor)
		if cursor.Done {
			s.logger.Infof("分区 %d-%d 已完成，跳过", p.Start, p.End)
			continue
		}

		wg.Add(1)
		go func(worker int, cursor *progress.Cursor) {
			defer wg.Done()
			s.worker(ctx, worker, cursor)
		}(i, cursor)
	}
	wg.Wait()

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Stats = s.Stats()
	result.Cursors = s.Cursors()
	result.Interrupted = ctx.Err() != nil

	for _, c := range result.Cursors {
		if !c.Done {
			s.logger.Warnf("分区 %d-%d 停在区块 %d", c.Start, c.End, c.Next)
		}
	}
	if s.progress != nil {
		if err := s.progress.SaveStats(progress.LastRunKey, result); err != nil {
			s.logger.Warnf("保存运行统计失败: %v", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"blocks":            result.Stats.BlocksScanned,
		"creations":         result.Stats.Creations,
		"accepted":          result.Stats.Accepted,
		"already_persisted": result.Stats.AlreadyPersisted,
		"quota_exhausted":   result.Stats.QuotaExhausted,
		"rejected":          result.Stats.Rejected,
		"tx_errors":         result.Stats.TxErrors,
		"block_errors":      result.Stats.BlockErrors,
		"duration":          result.Duration,
	}).Info("扫描结束")

	if result.Interrupted {
		s.logger.Warn("扫描被中断")
		return result, ctx.Err()
	}
	return result, nil
}

// initialCursor 续扫时取已保存的游标，否则从分区顶部开始
func (s *Scanner) initialCursor(p Partition) *progress.Cursor {
	if s.resume && s.progress != nil {
		if saved, ok := s.progress.Load(p.Start, p.End); ok {
			s.logger.Infof("检测到断点续传，分区 %d-%d 从区块 %d 继续", p.Start, p.End, saved.Next)
			return saved
		}
	}
	return &progress.Cursor{Start: p.Start, End: p.End, Next: p.Start, StartTime: time.Now()}
}

func (s *Scanner) setCursor(c *progress.Cursor) {
	cursor := *c
	s.mu.Lock()
	s.cursors[c.Key()] = &cursor
	s.mu.Unlock()
}

// saveCursor 更新内存快照并写入进度库
func (s *Scanner) saveCursor(c *progress.Cursor) {
	s.setCursor(c)
	if s.progress == nil {
		return
	}
	if err := s.progress.Save(c); err != nil {
		s.logger.Warnf("保存分区 %s 进度失败: %v", c.Key(), err)
	}
}

// worker 从分区顶部向下扫描，每个区块前检查中断
func (s *Scanner) worker(ctx context.Context, worker int, cursor *progress.Cursor) {
	s.logger.Debugf("worker %d 开始扫描分区 %d-%d", worker, cursor.Start, cursor.End)

	for cursor.Next > cursor.End {
		if ctx.Err() != nil {
			break
		}

		if !s.scanBlock(ctx, worker, cursor.Next) {
			// 区块扫描被中断，游标保持不动，续扫时重新处理该区块
			break
		}
		cursor.Next--
		cursor.BlocksScanned++
		cursor.Done = cursor.Next <= cursor.End
		s.saveCursor(cursor)
	}

	cursor.Done = cursor.Next <= cursor.End
	s.saveCursor(cursor)
	s.logger.Debugf("worker %d 结束，分区 %d-%d 游标 %d", worker, cursor.Start, cursor.End, cursor.Next)
}

// scanBlock 处理一个区块，区块内被中断时返回 false
func (s *Scanner) scanBlock(ctx context.Context, worker int, blockNumber uint64) bool {
	log := logging.BlockLogger(s.logger, worker, blockNumber)

	// 瞬时错误按 retry_limit 重试，中断会停止后续重试
	txs, err := retry.Do(ctx, s.retrier, "TransactionsInBlock", func() ([]*models.Transaction, error) {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		return s.chain.TransactionsInBlock(callCtx, blockNumber)
	})
	if err != nil && ctx.Err() != nil {
		return false
	}

	s.stats.blocksScanned.Add(1)
	if err != nil {
		// 获取失败时记录并前进，不重试该区块
		s.stats.blockErrors.Add(1)
		s.errors.Handle(withBlock(err, blockNumber))
		log.Warnf("获取区块交易失败，跳过区块: %v", err)
		return true
	}

	s.stats.transactions.Add(uint64(len(txs)))
	log.Debugf("区块包含 %d 笔交易", len(txs))

	for _, tx := range txs {
		if ctx.Err() != nil {
			return false
		}
		if !tx.IsContractCreation() {
			continue
		}
		s.stats.creations.Add(1)
		s.processCreation(ctx, tx)
	}
	return true
}

// callContext 每次外部调用的上下文：不随中断取消，但受超时约束
func (s *Scanner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *Scanner) callLatest(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.chain.LatestBlockNumber(callCtx)
}

func sortCursors(cursors []*progress.Cursor) {
	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].Start > cursors[j].Start
	})
}

func withBlock(err error, blockNumber uint64) error {
	if se, ok := errors.As(err); ok && se.BlockNumber == nil {
		return se.WithBlockNumber(blockNumber)
	}
	return err
}
