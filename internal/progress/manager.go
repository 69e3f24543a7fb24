package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/progress.db"

	// 存储桶名称
	CursorBucket = "cursors"
	StatsBucket  = "stats"

	// 最近一次运行统计的键
	LastRunKey = "last_run"
)

// Cursor 单个分区的扫描游标。分区覆盖 (End, Start]，Next 是下一个要扫描的区块
type Cursor struct {
	Start         uint64    `json:"start"`
	End           uint64    `json:"end"`
	Next          uint64    `json:"next"`
	Done          bool      `json:"done"`
	BlocksScanned uint64    `json:"blocks_scanned"`
	StartTime     time.Time `json:"start_time"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key 分区键
func (c *Cursor) Key() string {
	return PartitionKey(c.Start, c.End)
}

// Remaining 剩余未扫描的区块数
func (c *Cursor) Remaining() uint64 {
	if c.Done || c.Next <= c.End {
		return 0
	}
	return c.Next - c.End
}

// PartitionKey 由分区边界生成键，零填充保证字典序与数值序一致
func PartitionKey(start, end uint64) string {
	return fmt.Sprintf("%020d-%020d", start, end)
}

// Manager 进度管理器
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存缓存
	cache map[string]*Cursor
}

// NewManager 创建进度管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开进度数据库失败: %w", err)
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		cache:  make(map[string]*Cursor),
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	if err := manager.loadCache(); err != nil {
		logger.Warnf("加载进度缓存失败: %v", err)
	}

	logger.Infof("进度管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

// initDB 初始化数据库结构
func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CursorBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// loadCache 加载缓存
func (m *Manager) loadCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(CursorBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var cursor Cursor
			if err := json.Unmarshal(v, &cursor); err != nil {
				m.logger.Warnf("忽略损坏的游标 %s: %v", k, err)
				return nil
			}
			m.cache[string(k)] = &cursor
			return nil
		})
	})
}

// Save 保存游标
func (m *Manager) Save(cursor *Cursor) error {
	if cursor == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cursor
	c.UpdatedAt = time.Now()
	if c.StartTime.IsZero() {
		c.StartTime = c.UpdatedAt
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("序列化游标失败: %w", err)
	}

	err = m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(CursorBucket))
		if bucket == nil {
			return fmt.Errorf("游标存储桶不存在")
		}
		return bucket.Put([]byte(c.Key()), data)
	})
	if err != nil {
		return fmt.Errorf("保存游标失败: %w", err)
	}

	m.cache[c.Key()] = &c
	return nil
}

// Load 读取分区游标，不存在时返回 false
func (m *Manager) Load(start, end uint64) (*Cursor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cursor, ok := m.cache[PartitionKey(start, end)]
	if !ok {
		return nil, false
	}
	c := *cursor
	return &c, true
}

// All 返回全部游标，按分区起点从高到低排序
func (m *Manager) All() []*Cursor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Cursor, 0, len(m.cache))
	for _, cursor := range m.cache {
		c := *cursor
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start > out[j].Start
		}
		return out[i].End > out[j].End
	})
	return out
}

// SaveStats 保存一份统计快照
func (m *Manager) SaveStats(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化统计失败: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StatsBucket))
		if bucket == nil {
			return fmt.Errorf("统计存储桶不存在")
		}
		return bucket.Put([]byte(key), data)
	})
}

// LoadStats 读取统计快照，不存在时返回 false
func (m *Manager) LoadStats(key string, v interface{}) (bool, error) {
	var data []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StatsBucket))
		if bucket == nil {
			return nil
		}
		if raw := bucket.Get([]byte(key)); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("解析统计失败: %w", err)
	}
	return true, nil
}

// Reset 重置进度
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*Cursor)

	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CursorBucket, StatsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("清空存储桶 %s 失败: %w", name, err)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("重建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// Close 关闭进度管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭进度管理器")
		return m.db.Close()
	}
	return nil
}
