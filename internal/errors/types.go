package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 数据拉取错误（瞬时）
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeTimeout
	ErrorTypeRateLimit
	ErrorTypeExternalAPI

	// 单个合约处理错误
	ErrorTypeMalformedABI
	ErrorTypeMissingConstructor
	ErrorTypeDecodeLengthMismatch

	// 系统错误
	ErrorTypeFileIO
	ErrorTypeConfig
	ErrorTypeValidation
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ScanError 扫描过程中的错误
type ScanError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"-"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component,omitempty"`
	Address     string                 `json:"address,omitempty"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	TxHash      *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *ScanError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置产生错误的组件
func (e *ScanError) WithComponent(component string) *ScanError {
	e.Component = component
	return e
}

// WithAddress 设置合约地址
func (e *ScanError) WithAddress(address string) *ScanError {
	e.Address = address
	return e
}

// WithBlockNumber 添加区块号
func (e *ScanError) WithBlockNumber(blockNumber uint64) *ScanError {
	e.BlockNumber = &blockNumber
	return e
}

// WithTxHash 添加交易哈希
func (e *ScanError) WithTxHash(txHash string) *ScanError {
	e.TxHash = &txHash
	return e
}

// New 创建新的错误
func New(errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	return &ScanError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// Wrap 包装现有错误
func Wrap(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ScanError {
	e := New(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// As 从错误链中取出ScanError
func As(err error) (*ScanError, bool) {
	var se *ScanError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsType 判断错误链中是否包含指定类型的ScanError
func IsType(err error, errorType ErrorType) bool {
	se, ok := As(err)
	return ok && se.Type == errorType
}

// IsTransient 是否属于瞬时的拉取失败
func IsTransient(err error) bool {
	se, ok := As(err)
	if !ok {
		return false
	}
	switch se.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeExternalAPI:
		return true
	}
	return false
}

// NewFetchError 数据提供方调用失败
func NewFetchError(component, message string, err error) *ScanError {
	return Wrap(err, ErrorTypeNetwork, SeverityMedium, "FETCH_FAILED", message).WithComponent(component)
}

// NewRateLimitError 提供方限流
func NewRateLimitError(component, message string) *ScanError {
	return New(ErrorTypeRateLimit, SeverityMedium, "RATE_LIMITED", message).WithComponent(component)
}

// NewExternalAPIError 提供方返回了非预期的结构
func NewExternalAPIError(component, message string, err error) *ScanError {
	return Wrap(err, ErrorTypeExternalAPI, SeverityMedium, "UNEXPECTED_RESPONSE", message).WithComponent(component)
}

// NewMalformedABIError ABI文本无法解析
func NewMalformedABIError(message string, err error) *ScanError {
	return Wrap(err, ErrorTypeMalformedABI, SeverityHigh, "MALFORMED_ABI", message).WithComponent("decoder")
}

// NewMissingConstructorError ABI中没有构造函数条目
func NewMissingConstructorError() *ScanError {
	return New(ErrorTypeMissingConstructor, SeverityHigh, "MISSING_CONSTRUCTOR", "ABI中缺少constructor条目").WithComponent("decoder")
}

// NewDecodeLengthError 参数长度与声明的类型不一致
func NewDecodeLengthError(message string, err error) *ScanError {
	return Wrap(err, ErrorTypeDecodeLengthMismatch, SeverityHigh, "DECODE_LENGTH_MISMATCH", message).WithComponent("decoder")
}

// NewFileIOError 语料库读写失败
func NewFileIOError(message string, err error) *ScanError {
	return Wrap(err, ErrorTypeFileIO, SeverityHigh, "FILE_IO_FAILED", message).WithComponent("corpus")
}

// NewConfigError 不可恢复的配置错误
func NewConfigError(message string) *ScanError {
	return New(ErrorTypeConfig, SeverityCritical, "CONFIG_INVALID", message)
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:              "Network",
	ErrorTypeTimeout:              "Timeout",
	ErrorTypeRateLimit:            "RateLimit",
	ErrorTypeExternalAPI:          "ExternalAPI",
	ErrorTypeMalformedABI:         "MalformedABI",
	ErrorTypeMissingConstructor:   "MissingConstructor",
	ErrorTypeDecodeLengthMismatch: "DecodeLengthMismatch",
	ErrorTypeFileIO:               "FileIO",
	ErrorTypeConfig:               "Config",
	ErrorTypeValidation:           "Validation",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}
