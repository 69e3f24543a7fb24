package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"solcorpus/internal/errors"
	"solcorpus/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 链数据来源
const (
	ChainSourceEtherscan = "etherscan"
	ChainSourceRPC       = "rpc"
)

// 输出格式
const (
	OutputNone  = "none"
	OutputFile  = "file"
	OutputKafka = "kafka"
)

const envPrefix = "SOLCORPUS"

var bucketPattern = regexp.MustCompile(`^\d+_\d+$`)

// ValidBucket 分区名是否为 <major>_<minor> 形式
func ValidBucket(bucket string) bool {
	return bucketPattern.MatchString(bucket)
}

// 可以通过环境变量覆盖的配置项，SOLCORPUS_ETHERSCAN_API_KEY 对应 etherscan.api_key
var envKeys = []string{
	"chain.source",
	"etherscan.api_url",
	"etherscan.api_key",
	"etherscan.chain_id",
	"etherscan.rate_limit_delay",
	"etherscan.timeout",
	"scanner.workers",
	"scanner.timeout",
	"corpus.base_dir",
	"corpus.seed_from_corpus",
	"progress.enabled",
	"progress.db_path",
	"output.format",
	"output.directory",
	"output.kafka.topic",
	"api.enabled",
	"api.addr",
	"logging.level",
	"logging.format",
	"logging.output",
}

// Config 主配置
type Config struct {
	Chain     *ChainConfig       `mapstructure:"chain" json:"chain"`
	Etherscan *EtherscanConfig   `mapstructure:"etherscan" json:"etherscan"`
	Scanner   *ScannerConfig     `mapstructure:"scanner" json:"scanner"`
	Corpus    *CorpusConfig      `mapstructure:"corpus" json:"corpus"`
	Progress  *ProgressConfig    `mapstructure:"progress" json:"progress"`
	Output    *OutputConfig      `mapstructure:"output" json:"output"`
	API       *APIConfig         `mapstructure:"api" json:"api"`
	Logging   *logging.LogConfig `mapstructure:"logging" json:"logging"`
}

// ChainConfig 链数据来源配置
type ChainConfig struct {
	Source string        `mapstructure:"source" json:"source"` // etherscan 或 rpc
	Nodes  []*NodeConfig `mapstructure:"nodes" json:"nodes"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name" json:"name"`
	URL       string `mapstructure:"url" json:"-"`
	Type      string `mapstructure:"type" json:"type"`
	RateLimit int    `mapstructure:"rate_limit" json:"rate_limit"`
	Priority  int    `mapstructure:"priority" json:"priority"`
}

// EtherscanConfig 区块浏览器接口配置
type EtherscanConfig struct {
	APIURL         string        `mapstructure:"api_url" json:"api_url"`
	APIKey         string        `mapstructure:"api_key" json:"-"`
	ChainID        uint64        `mapstructure:"chain_id" json:"chain_id"`
	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay" json:"rate_limit_delay"` // 每次请求前的固定延迟
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries" json:"max_retries"`
}

// ScannerConfig 扫描器配置
type ScannerConfig struct {
	Workers    int           `mapstructure:"workers" json:"workers"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"` // 单次外部调用超时
	RetryLimit int           `mapstructure:"retry_limit" json:"retry_limit"`
	StartBlock uint64        `mapstructure:"start_block" json:"start_block"` // 0 表示链头
	EndBlock   uint64        `mapstructure:"end_block" json:"end_block"`     // 不包含
}

// CorpusConfig 语料库配置
type CorpusConfig struct {
	BaseDir        string         `mapstructure:"base_dir" json:"base_dir"`
	Quotas         map[string]int `mapstructure:"quotas" json:"quotas"`
	SeedFromCorpus bool           `mapstructure:"seed_from_corpus" json:"seed_from_corpus"`
}

// ProgressConfig 断点续传配置
type ProgressConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	DBPath  string `mapstructure:"db_path" json:"db_path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic"`
}

// OutputConfig 已接受合约的额外输出
type OutputConfig struct {
	Format    string       `mapstructure:"format" json:"format"`
	Directory string       `mapstructure:"directory" json:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka" json:"kafka"`
}

// APIConfig 状态接口配置
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// LoadConfig 加载配置：默认值 -> YAML文件 -> 环境变量 -> 数据库覆盖
func LoadConfig(configPath string) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dbDSN := os.Getenv(envPrefix + "_DB_DSN")
	if dbDSN == "" {
		return config, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dbDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.Overlay(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载配额与节点配置")
	return config, nil
}

// LoadConfigFromFile 在默认配置之上合并YAML文件与环境变量；configPath 为空时只使用默认值与环境变量
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败 %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if config.Etherscan.APIKey == "" {
		config.Etherscan.APIKey = os.Getenv("ETHERSCAN_API_KEY")
	}
	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			Source: ChainSourceEtherscan,
			Nodes:  []*NodeConfig{},
		},
		Etherscan: &EtherscanConfig{
			APIURL:         "https://api.etherscan.io/v2/api",
			ChainID:        1,
			RateLimitDelay: 100 * time.Millisecond,
			Timeout:        20 * time.Second,
			MaxRetries:     3,
		},
		Scanner: &ScannerConfig{
			Workers:    1,
			Timeout:    30 * time.Second,
			RetryLimit: 1,
		},
		Corpus: &CorpusConfig{
			BaseDir: ".",
			Quotas: map[string]int{
				"0_4": 1000,
				"0_5": 1000,
				"0_6": 1000,
				"0_7": 1000,
				"0_8": 1000,
			},
		},
		Progress: &ProgressConfig{
			Enabled: true,
			DBPath:  "./data/progress.db",
		},
		Output: &OutputConfig{
			Format:    OutputNone,
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "solcorpus_contracts",
			},
		},
		API: &APIConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate 检查无法继续运行的配置错误
func (c *Config) Validate() error {
	if c.Chain == nil || c.Etherscan == nil || c.Scanner == nil || c.Corpus == nil ||
		c.Progress == nil || c.Output == nil || c.API == nil || c.Logging == nil {
		return errors.NewConfigError("配置不完整")
	}

	switch c.Chain.Source {
	case ChainSourceEtherscan:
	case ChainSourceRPC:
		if len(c.Chain.Nodes) == 0 {
			return errors.NewConfigError("chain.source=rpc 时至少需要配置一个节点")
		}
		for i, node := range c.Chain.Nodes {
			if node.Name == "" {
				return errors.NewConfigError(fmt.Sprintf("节点 %d 的名称不能为空", i))
			}
			if node.URL == "" {
				return errors.NewConfigError(fmt.Sprintf("节点 %s 的URL不能为空", node.Name))
			}
		}
	default:
		return errors.NewConfigError(fmt.Sprintf("不支持的链数据来源: %s", c.Chain.Source))
	}

	if c.Etherscan.APIURL == "" {
		return errors.NewConfigError("etherscan.api_url 不能为空")
	}
	if c.Etherscan.APIKey == "" {
		return errors.NewConfigError("缺少 Etherscan API Key (etherscan.api_key 或 ETHERSCAN_API_KEY)")
	}
	if c.Etherscan.RateLimitDelay < 0 {
		return errors.NewConfigError("etherscan.rate_limit_delay 不能为负数")
	}

	if c.Scanner.Workers < 1 {
		return errors.NewConfigError("scanner.workers 必须大于 0")
	}
	if c.Scanner.Timeout <= 0 {
		return errors.NewConfigError("scanner.timeout 必须大于 0")
	}
	if c.Scanner.StartBlock != 0 && c.Scanner.StartBlock <= c.Scanner.EndBlock {
		return errors.NewConfigError(fmt.Sprintf("起始区块 %d 必须大于结束区块 %d",
			c.Scanner.StartBlock, c.Scanner.EndBlock))
	}

	if c.Corpus.BaseDir == "" {
		return errors.NewConfigError("corpus.base_dir 不能为空")
	}
	for bucket, limit := range c.Corpus.Quotas {
		if !bucketPattern.MatchString(bucket) {
			return errors.NewConfigError(fmt.Sprintf("无效的版本分区 %q，格式应为 <major>_<minor>", bucket))
		}
		if limit < 0 {
			return errors.NewConfigError(fmt.Sprintf("分区 %s 的配额不能为负数", bucket))
		}
	}

	if c.Progress.Enabled && c.Progress.DBPath == "" {
		return errors.NewConfigError("progress.db_path 不能为空")
	}

	switch c.Output.Format {
	case "", OutputNone:
	case OutputFile:
		if c.Output.Directory == "" {
			return errors.NewConfigError("output.directory 不能为空")
		}
	case OutputKafka:
		if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
			return errors.NewConfigError("Kafka输出需要配置 brokers")
		}
		if c.Output.Kafka.Topic == "" {
			return errors.NewConfigError("Kafka输出需要配置 topic")
		}
	default:
		return errors.NewConfigError(fmt.Sprintf("不支持的输出格式: %s", c.Output.Format))
	}

	if c.API.Enabled && c.API.Addr == "" {
		return errors.NewConfigError("api.addr 不能为空")
	}
	return nil
}
