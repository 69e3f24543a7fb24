package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
//
// 期望的表结构：
//
//	corpus_quotas(bucket TEXT PRIMARY KEY, quota_limit INT, is_active BOOL, updated_at TIMESTAMP)
//	chain_nodes(name TEXT, url TEXT, node_type TEXT, rate_limit INT, priority INT, is_active BOOL)
//	scanner_config(config_key TEXT PRIMARY KEY, config_value TEXT, is_active BOOL)
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// Overlay 用数据库中的配额、节点和扫描参数覆盖已加载的配置
func (dc *DatabaseConfig) Overlay(config *Config) error {
	quotas, err := dc.ListQuotas()
	if err != nil {
		return fmt.Errorf("加载配额配置失败: %w", err)
	}
	if len(quotas) > 0 {
		config.Corpus.Quotas = quotas
	}

	nodes, err := dc.loadChainNodes()
	if err != nil {
		return fmt.Errorf("加载节点配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Chain.Nodes = nodes
	}

	if err := dc.loadScannerConfig(config.Scanner); err != nil {
		return fmt.Errorf("加载扫描器配置失败: %w", err)
	}
	return nil
}

// ListQuotas 读取生效中的分区配额
func (dc *DatabaseConfig) ListQuotas() (map[string]int, error) {
	query := `SELECT bucket, quota_limit FROM corpus_quotas WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotas := make(map[string]int)
	for rows.Next() {
		var bucket string
		var limit int
		if err := rows.Scan(&bucket, &limit); err != nil {
			return nil, err
		}
		if !bucketPattern.MatchString(bucket) {
			dc.logger.Warnf("忽略无效的版本分区配额: %s", bucket)
			continue
		}
		quotas[bucket] = limit
	}
	return quotas, rows.Err()
}

// SetQuota 新增或更新一个分区的配额，下次运行生效
func (dc *DatabaseConfig) SetQuota(bucket string, limit int) error {
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("无效的版本分区: %s", bucket)
	}
	if limit < 0 {
		return fmt.Errorf("配额不能为负数: %d", limit)
	}

	query := `
		INSERT INTO corpus_quotas (bucket, quota_limit, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (bucket)
		DO UPDATE SET quota_limit = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, bucket, limit)
	return err
}

// loadChainNodes 加载RPC节点配置
func (dc *DatabaseConfig) loadChainNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, node_type, rate_limit, priority FROM chain_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Type, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// loadScannerConfig 加载扫描器参数
func (dc *DatabaseConfig) loadScannerConfig(config *ScannerConfig) error {
	query := `SELECT config_key, config_value FROM scanner_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		applyScannerSetting(config, key, value, dc.logger)
	}
	return rows.Err()
}

// applyScannerSetting 应用一条键值形式的扫描器配置
func applyScannerSetting(config *ScannerConfig, key, value string, logger *logrus.Logger) {
	switch key {
	case "workers":
		if v, err := strconv.Atoi(value); err == nil {
			config.Workers = v
			return
		}
	case "retry_limit":
		if v, err := strconv.Atoi(value); err == nil {
			config.RetryLimit = v
			return
		}
	case "timeout":
		if v, err := time.ParseDuration(value); err == nil {
			config.Timeout = v
			return
		}
	default:
		logger.Debugf("忽略未知的扫描器配置项: %s", key)
		return
	}
	logger.Warnf("扫描器配置项 %s 的值无效: %s", key, value)
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
