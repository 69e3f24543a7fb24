package errors

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// 最多保留的最近错误数量
const maxRecentErrors = 100

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*ScanError   `json:"recent_errors"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ScanError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ScanError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}
	es.LastErrorTime = err.Timestamp

	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > maxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// clone 复制一份统计快照
func (es *ErrorStats) clone() *ErrorStats {
	out := NewErrorStats()
	out.TotalErrors = es.TotalErrors
	out.LastErrorTime = es.LastErrorTime
	for k, v := range es.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		out.ErrorsByComponent[k] = v
	}
	out.RecentErrors = append(out.RecentErrors, es.RecentErrors...)
	return out
}

// ErrorHandler 错误处理器：记录日志并统计，不中断扫描
type ErrorHandler struct {
	logger *logrus.Logger
	mu     sync.Mutex
	stats  *ErrorStats
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
		stats:  NewErrorStats(),
	}
}

// Handle 处理错误，返回规范化后的ScanError
func (eh *ErrorHandler) Handle(err error) *ScanError {
	if err == nil {
		return nil
	}

	se, ok := As(err)
	if !ok {
		se = Wrap(err, ErrorTypeExternalAPI, SeverityMedium, "UNCLASSIFIED", "未分类错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(se)
	eh.mu.Unlock()

	eh.log(se)
	return se
}

// log 按严重级别输出日志
func (eh *ErrorHandler) log(err *ScanError) {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"retryable":  err.Retryable,
	}
	if err.Component != "" {
		fields["component"] = err.Component
	}
	if err.Address != "" {
		fields["address"] = err.Address
	}
	if err.BlockNumber != nil {
		fields["block_number"] = *err.BlockNumber
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	for k, v := range err.Context {
		fields[k] = v
	}

	entry := eh.logger.WithFields(fields)
	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Error())
	case SeverityMedium:
		entry.Warn(err.Error())
	default:
		// 严重错误也只记录，不退出进程
		entry.Error(err.Error())
	}
}

// Stats 获取错误统计快照
func (eh *ErrorHandler) Stats() *ErrorStats {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.stats.clone()
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
