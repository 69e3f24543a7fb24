package quota

import (
	"sort"
	"sync"
)

// Usage 单个分区的配额使用情况
type Usage struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
}

// Counter 各版本分区的已保存计数，所有扫描协程共享
type Counter struct {
	mu     sync.Mutex
	limits map[string]int
	counts map[string]int
}

// NewCounter 创建计数器，未配置上限的分区上限为0
func NewCounter(limits map[string]int) *Counter {
	c := &Counter{
		limits: make(map[string]int, len(limits)),
		counts: make(map[string]int, len(limits)),
	}
	for bucket, limit := range limits {
		c.limits[bucket] = limit
	}
	return c
}

// TryReserve 检查并占用一个名额，检查与自增在同一把锁内完成
func (c *Counter) TryReserve(bucket string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[bucket] >= c.limits[bucket] {
		return false
	}
	c.counts[bucket]++
	return true
}

// Release 归还一个名额（写入失败时使用）
func (c *Counter) Release(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[bucket] > 0 {
		c.counts[bucket]--
	}
}

// Seed 预置某个分区的计数
func (c *Counter) Seed(bucket string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[bucket] = count
}

// Limit 获取分区上限
func (c *Counter) Limit(bucket string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits[bucket]
}

// Remaining 剩余名额
func (c *Counter) Remaining(bucket string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if left := c.limits[bucket] - c.counts[bucket]; left > 0 {
		return left
	}
	return 0
}

// Snapshot 返回所有分区的使用情况，按分区名排序
func (c *Counter) Snapshot() []Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(c.limits))
	out := make([]Usage, 0, len(c.limits))
	for bucket, limit := range c.limits {
		seen[bucket] = struct{}{}
		out = append(out, Usage{Bucket: bucket, Count: c.counts[bucket], Limit: limit})
	}
	for bucket, count := range c.counts {
		if _, ok := seen[bucket]; !ok {
			out = append(out, Usage{Bucket: bucket, Count: count})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// SetLimit 调整分区上限，已保存的计数不变
func (c *Counter) SetLimit(bucket string, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[bucket] = limit
}
