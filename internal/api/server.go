package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"solcorpus/internal/chain"
	"solcorpus/internal/config"
	"solcorpus/internal/corpus"
	"solcorpus/internal/etherscan"
	"solcorpus/internal/progress"
	"solcorpus/internal/scanner"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxPageSize = 500

// NodeReporter 提供链节点状态
type NodeReporter interface {
	NodeStatus() []chain.NodeStatus
}

// ExplorerReporter 提供区块浏览器接口的调用统计
type ExplorerReporter interface {
	Stats() etherscan.Stats
}

// Server API服务器
type Server struct {
	config        *config.Config
	store         *corpus.Store
	scanner       *scanner.Scanner
	progress      *progress.Manager
	nodes         NodeReporter
	explorer      ExplorerReporter
	configManager *ConfigManager
	logger        *logrus.Logger
	logs          *LogBuffer
	router        *gin.Engine
	startTime     time.Time

	mu     sync.Mutex
	server *http.Server
}

// NewServer 创建API服务器，并把 info 及以上级别的日志镜像到内存缓冲区
func NewServer(cfg *config.Config, store *corpus.Store, logger *logrus.Logger) *Server {
	logs := NewLogBuffer(1000)
	logger.AddHook(NewLogHook(logs, logrus.InfoLevel))

	s := &Server{
		config:        cfg,
		store:         store,
		configManager: NewConfigManager(cfg, store.Counter(), nil, logger),
		logger:        logger,
		logs:          logs,
		startTime:     time.Now(),
	}
	s.router = s.newRouter()
	return s
}

// SetScanner 关联正在运行的扫描器
func (s *Server) SetScanner(sc *scanner.Scanner) {
	s.scanner = sc
}

// SetProgressManager 关联进度库
func (s *Server) SetProgressManager(m *progress.Manager) {
	s.progress = m
}

// SetNodeReporter 关联链节点状态来源
func (s *Server) SetNodeReporter(n NodeReporter) {
	s.nodes = n
}

// SetExplorerReporter 关联区块浏览器客户端
func (s *Server) SetExplorerReporter(e ExplorerReporter) {
	s.explorer = e
}

// SetQuotaStore 配额修改同时写入数据库
func (s *Server) SetQuotaStore(q QuotaStore) {
	s.configManager.quotas = q
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到 Stop 被调用
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在 %s", addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器")
	return srv.Shutdown(ctx)
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/stats", s.getStats)
		api.GET("/progress", s.getProgress)
		api.GET("/nodes", s.getNodes)

		api.GET("/buckets", s.getBuckets)
		api.GET("/buckets/:bucket", s.getBucket)
		api.GET("/buckets/:bucket/:address", s.getEntry)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		api.GET("/config", s.configManager.GetConfig)
		api.GET("/quotas", s.configManager.GetQuotas)
		api.PUT("/quotas/:bucket", s.configManager.UpdateQuota)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

// getStatus 扫描状态
func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"running":     false,
		"corpus_root": s.store.Root(),
		"uptime":      time.Since(s.startTime).String(),
	}
	if s.scanner != nil {
		resp["running"] = s.scanner.Running()
		resp["cursors"] = s.scanner.Cursors()
	}
	if s.nodes != nil {
		resp["nodes"] = s.nodes.NodeStatus()
	}
	c.JSON(http.StatusOK, resp)
}

// getStats 扫描计数、错误统计与配额使用
func (s *Server) getStats(c *gin.Context) {
	resp := gin.H{
		"quotas": s.store.Counter().Snapshot(),
	}
	if s.scanner != nil {
		resp["scan"] = s.scanner.Stats()
		resp["errors"] = s.scanner.ErrorHandler().Stats()
	}
	if s.explorer != nil {
		resp["etherscan"] = s.explorer.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// getProgress 进度库中的游标与最近一次运行结果
func (s *Server) getProgress(c *gin.Context) {
	if s.progress == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "断点续传未启用",
		})
		return
	}

	resp := gin.H{
		"db_path": s.progress.GetDBPath(),
		"cursors": s.progress.All(),
	}
	var last scanner.Result
	ok, err := s.progress.LoadStats(progress.LastRunKey, &last)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "读取运行统计失败",
			"message": err.Error(),
		})
		return
	}
	if ok {
		resp["last_run"] = last
	}
	c.JSON(http.StatusOK, resp)
}

// getNodes 链节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": []chain.NodeStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": s.nodes.NodeStatus()})
}

// getBuckets 所有分区的条目数与配额
func (s *Server) getBuckets(c *gin.Context) {
	stats, err := s.store.Summary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "读取语料库失败",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": stats})
}

// getBucket 单个分区的日志记录
func (s *Server) getBucket(c *gin.Context) {
	bucket := c.Param("bucket")
	records, err := s.store.ReadLog(bucket)
	if err != nil {
		if stderrors.Is(err, corpus.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "分区不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "读取分区日志失败",
			"message": err.Error(),
		})
		return
	}

	counter := s.store.Counter()
	c.JSON(http.StatusOK, gin.H{
		"bucket":    bucket,
		"entries":   len(records),
		"limit":     counter.Limit(bucket),
		"remaining": counter.Remaining(bucket),
		"records":   records,
	})
}

// getEntry 单个合约的完整条目
func (s *Server) getEntry(c *gin.Context) {
	entry, err := s.store.Entry(c.Param("bucket"), c.Param("address"))
	if err != nil {
		if stderrors.Is(err, corpus.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "合约不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "读取合约失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entry":       entry,
		"source_code": entry.SourceCode,
	})
}

// getLogs 分页获取日志，支持 level 与 address 过滤
func (s *Server) getLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	logs, total := s.logs.Query(LogQuery{
		Level:    c.Query("level"),
		Address:  c.Query("address"),
		Page:     page,
		PageSize: pageSize,
	})

	c.JSON(http.StatusOK, gin.H{
		"logs":       logs,
		"total":      total,
		"page":       page,
		"pageSize":   pageSize,
		"totalPages": (total + pageSize - 1) / pageSize,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logs.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}
