package etherscan

import (
	"context"
	"time"
)

// RateLimiter 在所有worker之间共享的固定间隔限速器
//
// 每次外部请求前调用 Wait，相邻两次请求之间至少间隔 delay。
type RateLimiter struct {
	ticker *time.Ticker
}

// NewRateLimiter 创建限速器，delay <= 0 时不限速
func NewRateLimiter(delay time.Duration) *RateLimiter {
	if delay <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{ticker: time.NewTicker(delay)}
}

// Wait 等待直到可以发送下一个请求
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ticker.C:
		return nil
	}
}

// Stop 释放底层 ticker
func (r *RateLimiter) Stop() {
	if r != nil && r.ticker != nil {
		r.ticker.Stop()
	}
}
