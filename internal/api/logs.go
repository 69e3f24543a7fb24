package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogQuery 日志查询条件
type LogQuery struct {
	Level    string // 为空时不过滤
	Address  string // 按 address 字段过滤
	Page     int
	PageSize int
}

// LogBuffer 固定容量的环形日志缓冲区，写满后覆盖最旧的条目
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBuffer 创建日志缓冲区
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogBuffer{entries: make([]LogEntry, capacity)}
}

// Add 添加日志
func (b *LogBuffer) Add(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	}
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Len 当前保存的条目数
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Query 按条件查询，最新的在前，返回当页条目与过滤后的总数
func (b *LogBuffer) Query(q LogQuery) ([]LogEntry, int) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}

	b.mu.RLock()
	n := b.next
	if b.full {
		n = len(b.entries)
	}
	matched := make([]LogEntry, 0, n)
	for i := 0; i < n; i++ {
		// 从最新的条目往回读
		idx := (b.next - 1 - i + len(b.entries)) % len(b.entries)
		e := b.entries[idx]
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Address != "" && e.Fields["address"] != q.Address {
			continue
		}
		matched = append(matched, e)
	}
	b.mu.RUnlock()

	total := len(matched)
	start := (q.Page - 1) * q.PageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Clear 清空日志
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]LogEntry, len(b.entries))
	b.next = 0
	b.full = false
}

// LogHook 把日志镜像到缓冲区的 logrus 钩子
type LogHook struct {
	buffer *LogBuffer
	levels []logrus.Level
}

// NewLogHook 创建日志钩子，只收集 minLevel 及更严重的日志
func NewLogHook(buffer *LogBuffer, minLevel logrus.Level) *LogHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &LogHook{buffer: buffer, levels: levels}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.buffer.Add(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
