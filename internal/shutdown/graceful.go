package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI        = 10 // 停止状态接口
	OrderFlushOutput    = 20 // 刷新并关闭输出
	OrderSaveProgress   = 30 // 保存进度
	OrderCloseSources   = 40 // 关闭链节点连接
	OrderCleanupStorage = 50 // 关闭本地数据库
)

// DefaultSignals 默认监听的信号
var DefaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Hook 停机处理函数
type Hook struct {
	Name  string
	Order int
	Func  func(ctx context.Context) error
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	hooks       []Hook
	signalChan  chan os.Signal
	interrupted bool
	once        sync.Once
	err         error

	// 第二次收到信号时调用，默认立即退出
	force func()
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		force:   func() { os.Exit(130) },
	}
}

// Context 扫描使用的上下文，收到第一次信号后被取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks = append(gs.hooks, Hook{Name: name, Order: order, Func: fn})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Listen 开始监听信号，未指定时监听 SIGINT、SIGTERM 与 SIGQUIT
func (gs *GracefulShutdown) Listen(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = DefaultSignals
	}

	gs.mu.Lock()
	if gs.signalChan != nil {
		gs.mu.Unlock()
		return
	}
	ch := make(chan os.Signal, 2)
	gs.signalChan = ch
	gs.mu.Unlock()

	signal.Notify(ch, signals...)
	go func() {
		for sig := range ch {
			if gs.Interrupt() {
				gs.logger.Warnf("收到信号 %v，完成当前交易后停止扫描（再次发送将强制退出）", sig)
				continue
			}
			gs.logger.Errorf("再次收到信号 %v，强制退出", sig)
			gs.force()
		}
	}()
	gs.logger.Debug("优雅停机管理器已启动")
}

// Interrupt 取消扫描上下文，首次调用返回 true
func (gs *GracefulShutdown) Interrupt() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.interrupted {
		return false
	}
	gs.interrupted = true
	gs.cancel()
	return true
}

// Interrupted 是否已被中断
func (gs *GracefulShutdown) Interrupted() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.interrupted
}

// Shutdown 按顺序执行所有停机处理函数，只执行一次，重复调用返回第一次的结果
func (gs *GracefulShutdown) Shutdown() error {
	gs.once.Do(func() {
		gs.stopListening()
		gs.cancel()
		gs.err = gs.runHooks()
	})
	return gs.err
}

func (gs *GracefulShutdown) runHooks() error {
	gs.mu.Lock()
	hooks := make([]Hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var errs []error
	for i, hook := range hooks {
		if ctx.Err() != nil {
			skipped := make([]string, 0, len(hooks)-i)
			for _, h := range hooks[i:] {
				skipped = append(skipped, h.Name)
			}
			gs.logger.Warnf("停机超时，跳过: %v", skipped)
			errs = append(errs, fmt.Errorf("停机超时，跳过 %d 个处理函数: %w", len(skipped), ctx.Err()))
			break
		}

		start := time.Now()
		if err := hook.Func(ctx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", hook.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		gs.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", hook.Name, time.Since(start))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	gs.logger.Info("优雅停机流程完成")
	return nil
}

func (gs *GracefulShutdown) stopListening() {
	gs.mu.Lock()
	ch := gs.signalChan
	gs.signalChan = nil
	gs.mu.Unlock()

	if ch != nil {
		signal.Stop(ch)
		close(ch)
	}
}

// Hooks 已注册的处理函数名，按执行顺序
func (gs *GracefulShutdown) Hooks() []string {
	gs.mu.Lock()
	hooks := make([]Hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}
