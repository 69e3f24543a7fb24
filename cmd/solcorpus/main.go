package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"solcorpus/internal/api"
	"solcorpus/internal/chain"
	"solcorpus/internal/config"
	"solcorpus/internal/corpus"
	"solcorpus/internal/etherscan"
	"solcorpus/internal/logging"
	"solcorpus/internal/output"
	"solcorpus/internal/progress"
	"solcorpus/internal/quota"
	"solcorpus/internal/scanner"
	"solcorpus/internal/shutdown"
)

var (
	// 扫描范围
	startBlock uint64
	endBlock   uint64
	workers    int

	// 通用参数
	configFile string
	verbose    bool

	// 进度管理参数
	resume        bool
	resetProgress bool

	// 状态接口
	apiAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "solcorpus",
		Short: "Solidity 合约语料采集工具",
		Long: `从链头向下扫描区块，收集已验证的单文件 Solidity 合约，
按编译器 major.minor 分区保存源码、字节码与构造参数。`,
		SilenceUsage: true,
		RunE:         runScan,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	rootCmd.Flags().Uint64Var(&startBlock, "start", 0, "起始区块号（包含），0 表示链头")
	rootCmd.Flags().Uint64Var(&endBlock, "end", 0, "结束区块号（不包含）")
	rootCmd.Flags().IntVar(&workers, "workers", 1, "工作协程数")
	rootCmd.Flags().BoolVar(&resume, "resume", true, "启用断点续传（需要与上次相同的范围和工作协程数）")
	rootCmd.Flags().BoolVar(&resetProgress, "reset-progress", false, "重置进度重新开始")
	rootCmd.Flags().StringVar(&apiAddr, "api-addr", "", "扫描期间启动状态接口的监听地址")

	rootCmd.AddCommand(newProgressCmd(), newStatsCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并应用命令行覆盖
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("start") {
		cfg.Scanner.StartBlock = startBlock
	}
	if flags.Changed("end") {
		cfg.Scanner.EndBlock = endBlock
	}
	if flags.Changed("workers") {
		cfg.Scanner.Workers = workers
	}
	if flags.Changed("api-addr") {
		cfg.API.Enabled = apiAddr != ""
		cfg.API.Addr = apiAddr
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	return cfg, logger, nil
}

// openStore 创建配额计数器与语料库
func openStore(cfg *config.Config, logger *logrus.Logger) (*corpus.Store, error) {
	store := corpus.NewStore(cfg.Corpus.BaseDir, quota.NewCounter(cfg.Corpus.Quotas), logger)
	if cfg.Corpus.SeedFromCorpus {
		if err := store.SeedCounter(); err != nil {
			return nil, fmt.Errorf("从语料库初始化配额计数失败: %w", err)
		}
	}
	return store, nil
}

// openQuotaStore 设置了 SOLCORPUS_DB_DSN 时返回数据库配额存储
func openQuotaStore(logger *logrus.Logger) *config.DatabaseConfig {
	dsn := os.Getenv("SOLCORPUS_DB_DSN")
	if dsn == "" {
		return nil
	}
	db, err := config.NewDatabaseConfig(dsn, logger)
	if err != nil {
		logger.Warnf("连接配额数据库失败，配额修改只在内存中生效: %v", err)
		return nil
	}
	return db
}

// sources 链数据与元数据来源
type sources struct {
	chain    scanner.ChainSource
	metadata scanner.MetadataSource
	nodes    *chain.Source
	explorer *etherscan.Client
	close    func()
}

func openSources(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sources, error) {
	explorer := etherscan.NewClient(cfg.Etherscan, logger)

	if cfg.Chain.Source != config.ChainSourceRPC {
		logger.Info("链数据来源: Etherscan 代理接口")
		return &sources{chain: explorer, metadata: explorer, explorer: explorer, close: explorer.Close}, nil
	}

	nodes, err := chain.Dial(ctx, cfg.Chain.Nodes, logger)
	if err != nil {
		explorer.Close()
		return nil, err
	}
	logger.Infof("链数据来源: %d 个RPC节点", len(cfg.Chain.Nodes))
	return &sources{
		chain:    nodes,
		metadata: explorer,
		nodes:    nodes,
		explorer: explorer,
		close: func() {
			nodes.Close()
			explorer.Close()
		},
	}, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.Listen()
	ctx := gs.Context()

	store, err := openStore(cfg, logger)
	if err != nil {
		return abortScan(gs, logger, err)
	}

	src, err := openSources(ctx, cfg, logger)
	if err != nil {
		return abortScan(gs, logger, fmt.Errorf("连接链数据来源失败: %w", err))
	}
	gs.Register("关闭链数据来源", shutdown.OrderCloseSources, func(context.Context) error {
		src.close()
		return nil
	})

	out, err := output.New(cfg.Output, logger)
	if err != nil {
		return abortScan(gs, logger, fmt.Errorf("创建输出器失败: %w", err))
	}
	gs.Register("关闭输出", shutdown.OrderFlushOutput, func(context.Context) error {
		return out.Close()
	})

	var pm *progress.Manager
	if cfg.Progress.Enabled {
		pm, err = progress.NewManager(cfg.Progress.DBPath, logger)
		if err != nil {
			return abortScan(gs, logger, err)
		}
		gs.Register("关闭进度数据库", shutdown.OrderCleanupStorage, func(context.Context) error {
			return pm.Close()
		})
		if resetProgress {
			logger.Info("重置扫描进度...")
			if err := pm.Reset(); err != nil {
				logger.Warnf("重置进度失败: %v", err)
			}
		}
	}

	sc := scanner.NewScanner(src.chain, src.metadata, store, cfg.Scanner, logger)
	sc.SetOutput(out)
	if pm != nil {
		sc.SetProgressManager(pm)
		sc.SetResume(resume && !resetProgress)
	}

	if cfg.API.Enabled {
		srv, closeDB := newAPIServer(cfg, store, pm, src, logger)
		srv.SetScanner(sc)
		go func() {
			if err := srv.Start(cfg.API.Addr); err != nil {
				logger.Errorf("状态接口异常退出: %v", err)
			}
		}()
		gs.Register("停止状态接口", shutdown.OrderStopAPI, srv.Stop)
		gs.Register("关闭配额数据库", shutdown.OrderCleanupStorage, func(context.Context) error {
			return closeDB()
		})
	}

	result, runErr := sc.Run(ctx, cfg.Scanner.StartBlock, cfg.Scanner.EndBlock, cfg.Scanner.Workers)
	if result != nil {
		printResult(os.Stdout, result)
	}

	if err := gs.Shutdown(); err != nil {
		logger.Warnf("停机过程中发生错误: %v", err)
	}

	if runErr != nil {
		if stderrors.Is(runErr, context.Canceled) {
			logger.Warn("扫描已中断，进度已保存，使用 --resume 以相同参数继续")
			return nil
		}
		return fmt.Errorf("扫描失败: %w", runErr)
	}
	return nil
}

// abortScan 启动阶段失败时释放已注册的资源并停止信号监听
func abortScan(gs *shutdown.GracefulShutdown, logger *logrus.Logger, err error) error {
	if serr := gs.Shutdown(); serr != nil {
		logger.Warnf("停机过程中发生错误: %v", serr)
	}
	return err
}

// newAPIServer 创建状态接口并关联可用的组件，返回的函数关闭配额数据库连接
func newAPIServer(cfg *config.Config, store *corpus.Store, pm *progress.Manager, src *sources, logger *logrus.Logger) (*api.Server, func() error) {
	srv := api.NewServer(cfg, store, logger)
	if pm != nil {
		srv.SetProgressManager(pm)
	}
	if src != nil {
		srv.SetExplorerReporter(src.explorer)
		if src.nodes != nil {
			srv.SetNodeReporter(src.nodes)
		}
	}
	db := openQuotaStore(logger)
	if db == nil {
		return srv, func() error { return nil }
	}
	srv.SetQuotaStore(db)
	return srv, db.Close
}
