package api

import (
	"net/http"

	"solcorpus/internal/config"
	"solcorpus/internal/quota"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// QuotaStore 配额持久化，由 config.DatabaseConfig 实现
type QuotaStore interface {
	ListQuotas() (map[string]int, error)
	SetQuota(bucket string, limit int) error
}

// ConfigManager 配置管理器：只读配置视图与运行时配额调整
type ConfigManager struct {
	cfg     *config.Config
	quotas  QuotaStore
	counter *quota.Counter
	logger  *logrus.Logger
}

// NewConfigManager 创建配置管理器，quotas 为 nil 时配额修改只在内存中生效
func NewConfigManager(cfg *config.Config, counter *quota.Counter, quotas QuotaStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		cfg:     cfg,
		quotas:  quotas,
		counter: counter,
		logger:  logger,
	}
}

// GetConfig 获取当前配置，API Key 与节点URL不会输出
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	if cm.cfg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "配置未加载",
		})
		return
	}
	c.JSON(http.StatusOK, cm.cfg)
}

// GetQuotas 获取各分区配额与使用情况
func (cm *ConfigManager) GetQuotas(c *gin.Context) {
	resp := gin.H{
		"quotas": cm.counter.Snapshot(),
	}

	if cm.quotas != nil {
		stored, err := cm.quotas.ListQuotas()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "读取数据库配额失败",
				"message": err.Error(),
			})
			return
		}
		resp["stored"] = stored
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateQuota 调整单个分区的配额
func (cm *ConfigManager) UpdateQuota(c *gin.Context) {
	bucket := c.Param("bucket")
	if !config.ValidBucket(bucket) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "无效的版本分区",
			"message": "分区格式应为 <major>_<minor>",
		})
		return
	}

	var req struct {
		Limit *int `json:"limit" binding:"required,min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	persisted := false
	if cm.quotas != nil {
		if err := cm.quotas.SetQuota(bucket, *req.Limit); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "保存配额失败",
				"message": err.Error(),
			})
			return
		}
		persisted = true
	}

	cm.counter.SetLimit(bucket, *req.Limit)
	cm.logger.WithFields(logrus.Fields{
		"bucket":    bucket,
		"limit":     *req.Limit,
		"persisted": persisted,
	}).Info("分区配额已更新")

	c.JSON(http.StatusOK, gin.H{
		"bucket":    bucket,
		"limit":     *req.Limit,
		"remaining": cm.counter.Remaining(bucket),
		"persisted": persisted,
	})
}
