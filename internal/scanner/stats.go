package scanner

import (
	"sync"
	"sync/atomic"
	"time"

	"solcorpus/internal/progress"
)

// Stats 扫描统计
type Stats struct {
	BlocksScanned    uint64            `json:"blocks_scanned"`
	BlockErrors      uint64            `json:"block_errors"`
	Transactions     uint64            `json:"transactions"`
	Creations        uint64            `json:"creations"`
	Accepted         uint64            `json:"accepted"`
	AlreadyPersisted uint64            `json:"already_persisted"`
	QuotaExhausted   uint64            `json:"quota_exhausted"`
	Rejected         uint64            `json:"rejected"`
	TxErrors         uint64            `json:"tx_errors"`
	Rejections       map[string]uint64 `json:"rejections"`
}

// Result 一次扫描的结果
type Result struct {
	Start       uint64             `json:"start"`
	End         uint64             `json:"end"`
	Workers     int                `json:"workers"`
	Stats       Stats              `json:"stats"`
	Cursors     []*progress.Cursor `json:"cursors"`
	Interrupted bool               `json:"interrupted"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	Duration    time.Duration      `json:"duration"`
}

// counters 运行期间由所有 worker 并发更新的计数器
type counters struct {
	blocksScanned    atomic.Uint64
	blockErrors      atomic.Uint64
	transactions     atomic.Uint64
	creations        atomic.Uint64
	accepted         atomic.Uint64
	alreadyPersisted atomic.Uint64
	quotaExhausted   atomic.Uint64
	rejected         atomic.Uint64
	txErrors         atomic.Uint64

	mu         sync.Mutex
	rejections map[string]uint64
}

func newCounters() *counters {
	return &counters{rejections: make(map[string]uint64)}
}

func (c *counters) reject(rule string) {
	c.rejected.Add(1)
	c.mu.Lock()
	c.rejections[rule]++
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	rejections := make(map[string]uint64, len(c.rejections))
	for k, v := range c.rejections {
		rejections[k] = v
	}
	c.mu.Unlock()

	return Stats{
		BlocksScanned:    c.blocksScanned.Load(),
		BlockErrors:      c.blockErrors.Load(),
		Transactions:     c.transactions.Load(),
		Creations:        c.creations.Load(),
		Accepted:         c.accepted.Load(),
		AlreadyPersisted: c.alreadyPersisted.Load(),
		QuotaExhausted:   c.quotaExhausted.Load(),
		Rejected:         c.rejected.Load(),
		TxErrors:         c.txErrors.Load(),
		Rejections:       rejections,
	}
}
