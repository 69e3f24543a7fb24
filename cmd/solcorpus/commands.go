package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"solcorpus/internal/corpus"
	"solcorpus/internal/progress"
	"solcorpus/internal/scanner"
	"solcorpus/internal/shutdown"
)

func newProgressCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "查看扫描进度",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			pm, err := progress.NewManager(cfg.Progress.DBPath, logger)
			if err != nil {
				return err
			}
			defer pm.Close()

			if reset {
				if err := pm.Reset(); err != nil {
					return fmt.Errorf("重置进度失败: %w", err)
				}
				fmt.Println("进度已重置")
				return nil
			}

			var last scanner.Result
			ok, err := pm.LoadStats(progress.LastRunKey, &last)
			if err != nil {
				return fmt.Errorf("读取运行统计失败: %w", err)
			}
			var lastRun *scanner.Result
			if ok {
				lastRun = &last
			}
			printProgress(os.Stdout, pm.GetDBPath(), pm.All(), lastRun)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "清空已保存的游标")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "查看各版本分区的合约数与配额",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			buckets, err := store.Summary()
			if err != nil {
				return err
			}
			printBuckets(os.Stdout, store.Root(), buckets)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "只启动状态接口，浏览已有的语料库",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.API.Addr
			}

			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}

			gs := shutdown.NewGracefulShutdown(10*time.Second, logger)
			gs.Listen()

			// 扫描进程持有进度库时只提供语料库视图
			var pm *progress.Manager
			if cfg.Progress.Enabled {
				if pm, err = progress.NewManager(cfg.Progress.DBPath, logger); err != nil {
					logger.Warnf("无法打开进度数据库，/api/v1/progress 不可用: %v", err)
					pm = nil
				} else {
					gs.Register("关闭进度数据库", shutdown.OrderCleanupStorage, func(context.Context) error {
						return pm.Close()
					})
				}
			}

			srv, closeDB := newAPIServer(cfg, store, pm, nil, logger)
			gs.Register("停止状态接口", shutdown.OrderStopAPI, srv.Stop)
			gs.Register("关闭配额数据库", shutdown.OrderCleanupStorage, func(context.Context) error {
				return closeDB()
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case <-gs.Context().Done():
			case err = <-errCh:
			}
			if shutdownErr := gs.Shutdown(); shutdownErr != nil {
				logger.Warnf("停机过程中发生错误: %v", shutdownErr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址，默认使用 api.addr")
	return cmd
}

// printResult 输出一次扫描的统计
func printResult(w io.Writer, r *scanner.Result) {
	fmt.Fprintln(w, "扫描结果")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-20s: %d -> %d\n", "区块范围", r.Start, r.End)
	fmt.Fprintf(w, "%-20s: %d\n", "工作协程", r.Workers)
	fmt.Fprintf(w, "%-20s: %d\n", "已扫描区块", r.Stats.BlocksScanned)
	fmt.Fprintf(w, "%-20s: %d\n", "区块错误", r.Stats.BlockErrors)
	fmt.Fprintf(w, "%-20s: %d\n", "合约创建", r.Stats.Creations)
	fmt.Fprintf(w, "%-20s: %d\n", "已保存", r.Stats.Accepted)
	fmt.Fprintf(w, "%-20s: %d\n", "已存在", r.Stats.AlreadyPersisted)
	fmt.Fprintf(w, "%-20s: %d\n", "超出配额", r.Stats.QuotaExhausted)
	fmt.Fprintf(w, "%-20s: %d\n", "未通过校验", r.Stats.Rejected)
	for _, rule := range sortedKeys(r.Stats.Rejections) {
		fmt.Fprintf(w, "  %-18s: %d\n", rule, r.Stats.Rejections[rule])
	}
	fmt.Fprintf(w, "%-20s: %d\n", "交易错误", r.Stats.TxErrors)
	fmt.Fprintf(w, "%-20s: %s\n", "耗时", r.Duration.Round(time.Millisecond))
	if r.Interrupted {
		fmt.Fprintf(w, "%-20s: %s\n", "状态", "已中断")
	}
}

// printProgress 输出游标与最近一次运行
func printProgress(w io.Writer, dbPath string, cursors []*progress.Cursor, last *scanner.Result) {
	fmt.Fprintln(w, "扫描进度")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-20s: %s\n", "数据库", dbPath)

	if len(cursors) == 0 {
		fmt.Fprintln(w, "没有已保存的游标")
	}
	for _, c := range cursors {
		state := fmt.Sprintf("下一个 %d，剩余 %d", c.Next, c.Remaining())
		if c.Done {
			state = "已完成"
		}
		fmt.Fprintf(w, "%-20s: %s (已扫描 %d)\n", fmt.Sprintf("%d-%d", c.Start, c.End), state, c.BlocksScanned)
	}

	if last != nil {
		fmt.Fprintln(w)
		printResult(w, last)
	}
}

// printBuckets 输出各分区条目数与配额
func printBuckets(w io.Writer, root string, buckets []corpus.BucketStat) {
	fmt.Fprintln(w, "语料库统计")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-20s: %s\n", "目录", root)

	total := 0
	for _, b := range buckets {
		total += b.Entries
		fmt.Fprintf(w, "%-20s: %d / %d\n", b.Bucket, b.Entries, b.Limit)
	}
	fmt.Fprintf(w, "%-20s: %d\n", "合计", total)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
