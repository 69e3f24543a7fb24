package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"solcorpus/internal/config"
	"solcorpus/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 输出接口
type Output interface {
	WriteEntry(entry *models.CorpusEntry) error
	Close() error
}

// New 按配置创建输出器
func New(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case "", config.OutputNone:
		return NopOutput{}, nil
	case config.OutputFile:
		return NewFileOutput(cfg.Directory, logger)
	case config.OutputKafka:
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("Kafka输出缺少配置")
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NopOutput 不输出任何内容
type NopOutput struct{}

// WriteEntry 丢弃条目
func (NopOutput) WriteEntry(*models.CorpusEntry) error { return nil }

// Close 无操作
func (NopOutput) Close() error { return nil }

// FileOutput 文件输出，每行一个 JSON 条目
type FileOutput struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *logrus.Logger
}

// NewFileOutput 在目录下创建带时间戳的 jsonl 文件
func NewFileOutput(outputDir string, logger *logrus.Logger) (*FileOutput, error) {
	// 确保输出目录存在
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(outputDir, fmt.Sprintf("contracts_%s.jsonl", timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建合约输出文件失败: %w", err)
	}

	logger.Infof("合约条目将写入 %s", path)
	return &FileOutput{path: path, file: file, logger: logger}, nil
}

// Path 输出文件路径
func (o *FileOutput) Path() string {
	return o.path
}

// WriteEntry 写入一个合约条目
func (o *FileOutput) WriteEntry(entry *models.CorpusEntry) error {
	if entry == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化合约条目失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return fmt.Errorf("输出文件已关闭")
	}
	if _, err := o.file.Write(data); err != nil {
		return fmt.Errorf("写入合约输出文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("刷新合约输出文件失败: %w", err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	if err != nil {
		return fmt.Errorf("关闭合约输出文件失败: %w", err)
	}
	return nil
}
