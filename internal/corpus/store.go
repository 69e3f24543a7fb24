package corpus

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"solcorpus/internal/errors"
	"solcorpus/internal/quota"
	"solcorpus/internal/version"
	"solcorpus/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	contractsDir   = "contracts"
	sourceDir      = "sourcecode"
	runtimeDir     = "runtime_bytecode"
	creationDir    = "creation_bytecode"
	logFileName    = "logs.json"
	logIndent      = "    "
	dirPermission  = 0o755
	filePermission = 0o644
)

var (
	bucketPattern  = regexp.MustCompile(`^\d+_\d+$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

	// ErrNotFound 语料库中不存在该条目
	ErrNotFound = stderrors.New("corpus entry not found")
)

// Outcome 一次持久化的结果
type Outcome int

const (
	Saved Outcome = iota
	AlreadyPersisted
	QuotaExhausted
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case AlreadyPersisted:
		return "already_persisted"
	case QuotaExhausted:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}

// Store 按版本分区的语料库
type Store struct {
	baseDir string
	counter *quota.Counter
	logger  *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore 创建语料库存储，counter 由调用方持有并在所有worker间共享
func NewStore(baseDir string, counter *quota.Counter, logger *logrus.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		counter: counter,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Root 返回 <base>/contracts
func (s *Store) Root() string {
	return filepath.Join(s.baseDir, contractsDir)
}

// Counter 返回配额计数器
func (s *Store) Counter() *quota.Counter {
	return s.counter
}

func (s *Store) bucketDir(bucket string) string {
	return filepath.Join(s.Root(), bucket)
}

func (s *Store) bucketLock(bucket string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[bucket]
	if !ok {
		l = &sync.Mutex{}
		s.locks[bucket] = l
	}
	return l
}

type artifact struct {
	path string
	data []byte
}

func (s *Store) artifacts(entry *models.CorpusEntry) []artifact {
	dir := s.bucketDir(entry.Bucket)
	return []artifact{
		{filepath.Join(dir, sourceDir, entry.Address+".sol"), []byte(entry.SourceCode)},
		{filepath.Join(dir, runtimeDir, entry.Address+".hex"), []byte(entry.RuntimeBytecode)},
		{filepath.Join(dir, creationDir, entry.Address+".hex"), []byte(entry.CreationBytecode)},
	}
}

// Persist 在分区锁内完成 存在性检查 -> 配额预留 -> 写入三个文件 -> 合并 logs.json
//
// 任一文件已存在时返回 AlreadyPersisted，不写入也不消耗配额。写入失败时释放配额并删除本次写入的文件。
func (s *Store) Persist(entry *models.CorpusEntry) (Outcome, error) {
	if entry == nil {
		return 0, errors.New(errors.ErrorTypeValidation, errors.SeverityMedium,
			"NIL_CORPUS_ENTRY", "语料条目为空").WithComponent("corpus")
	}
	if entry.Bucket == "" {
		entry.Bucket = version.Bucket(entry.Record.Pragma)
	}
	if !bucketPattern.MatchString(entry.Bucket) {
		return 0, errors.New(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_BUCKET", fmt.Sprintf("无效的版本分区 %q", entry.Bucket)).
			WithComponent("corpus").WithAddress(entry.Address)
	}
	if !addressPattern.MatchString(entry.Address) {
		return 0, errors.New(errors.ErrorTypeValidation, errors.SeverityMedium,
			"INVALID_ADDRESS", fmt.Sprintf("无效的合约地址 %q", entry.Address)).
			WithComponent("corpus")
	}

	lock := s.bucketLock(entry.Bucket)
	lock.Lock()
	defer lock.Unlock()

	files := s.artifacts(entry)
	for _, f := range files {
		exists, err := fileExists(f.path)
		if err != nil {
			return 0, errors.NewFileIOError("检查文件失败", err).WithAddress(entry.Address)
		}
		if exists {
			return AlreadyPersisted, nil
		}
	}

	if !s.counter.TryReserve(entry.Bucket) {
		return QuotaExhausted, nil
	}

	written := make([]string, 0, len(files))
	rollback := func() {
		for _, p := range written {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.logger.WithError(err).WithField("path", p).Warn("回滚时删除文件失败")
			}
		}
		s.counter.Release(entry.Bucket)
	}

	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f.path), dirPermission); err != nil {
			rollback()
			return 0, errors.NewFileIOError("创建目录失败", err).WithAddress(entry.Address)
		}
		if err := writeFileAtomic(f.path, f.data); err != nil {
			rollback()
			return 0, errors.NewFileIOError("写入文件失败", err).WithAddress(entry.Address)
		}
		written = append(written, f.path)
	}

	if err := s.appendLog(entry); err != nil {
		rollback()
		return 0, err
	}

	entry.SavedAt = time.Now()
	return Saved, nil
}

// appendLog 读取-合并-整体写回 logs.json，调用方必须持有分区锁
func (s *Store) appendLog(entry *models.CorpusEntry) error {
	path := filepath.Join(s.bucketDir(entry.Bucket), logFileName)

	logs, err := readLogFile(path)
	if err != nil {
		return errors.NewFileIOError("读取 logs.json 失败", err).WithAddress(entry.Address)
	}

	record, err := json.Marshal(entry.Record)
	if err != nil {
		return errors.NewFileIOError("序列化日志记录失败", err).WithAddress(entry.Address)
	}
	logs[entry.Address] = record

	data, err := json.MarshalIndent(logs, "", logIndent)
	if err != nil {
		return errors.NewFileIOError("序列化 logs.json 失败", err).WithAddress(entry.Address)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.NewFileIOError("写入 logs.json 失败", err).WithAddress(entry.Address)
	}
	return nil
}

// ReadLog 读取分区的 logs.json，文件不存在时返回空结果
func (s *Store) ReadLog(bucket string) (map[string]json.RawMessage, error) {
	if !bucketPattern.MatchString(bucket) {
		return nil, ErrNotFound
	}
	logs, err := readLogFile(filepath.Join(s.bucketDir(bucket), logFileName))
	if err != nil {
		return nil, errors.NewFileIOError("读取 logs.json 失败", err)
	}
	return logs, nil
}

// CountEntries 分区中已记录的合约数
func (s *Store) CountEntries(bucket string) (int, error) {
	logs, err := s.ReadLog(bucket)
	if err != nil {
		return 0, err
	}
	return len(logs), nil
}

// Buckets 列出已存在的版本分区
func (s *Store) Buckets() ([]string, error) {
	dirEntries, err := os.ReadDir(s.Root())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.NewFileIOError("读取语料库目录失败", err)
	}

	buckets := make([]string, 0, len(dirEntries))
	for _, d := range dirEntries {
		if d.IsDir() && bucketPattern.MatchString(d.Name()) {
			buckets = append(buckets, d.Name())
		}
	}
	sort.Strings(buckets)
	return buckets, nil
}

// Entry 读取一个合约的完整条目
func (s *Store) Entry(bucket, address string) (*models.CorpusEntry, error) {
	if !bucketPattern.MatchString(bucket) || !addressPattern.MatchString(address) {
		return nil, ErrNotFound
	}

	entry := &models.CorpusEntry{Address: address, Bucket: bucket}
	files := s.artifacts(entry)
	contents := make([]string, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, errors.NewFileIOError("读取语料文件失败", err).WithAddress(address)
		}
		contents[i] = string(data)
	}
	entry.SourceCode, entry.RuntimeBytecode, entry.CreationBytecode = contents[0], contents[1], contents[2]

	if info, err := os.Stat(files[0].path); err == nil {
		entry.SavedAt = info.ModTime()
	}

	logs, err := s.ReadLog(bucket)
	if err != nil {
		return nil, err
	}
	if raw, ok := logs[address]; ok {
		if err := json.Unmarshal(raw, &entry.Record); err != nil {
			return nil, errors.NewFileIOError("解析日志记录失败", err).WithAddress(address)
		}
	}
	return entry, nil
}

// BucketStat 单个分区的统计
type BucketStat struct {
	Bucket  string `json:"bucket"`
	Entries int    `json:"entries"`
	Limit   int    `json:"limit"`
}

// Summary 汇总所有分区以及已配置配额但尚无条目的分区
func (s *Store) Summary() ([]BucketStat, error) {
	buckets, err := s.Buckets()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(buckets))
	stats := make([]BucketStat, 0, len(buckets))
	for _, b := range buckets {
		n, err := s.CountEntries(b)
		if err != nil {
			return nil, err
		}
		seen[b] = true
		stats = append(stats, BucketStat{Bucket: b, Entries: n, Limit: s.counter.Limit(b)})
	}
	for _, u := range s.counter.Snapshot() {
		if !seen[u.Bucket] && u.Limit > 0 {
			stats = append(stats, BucketStat{Bucket: u.Bucket, Limit: u.Limit})
		}
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Bucket < stats[j].Bucket })
	return stats, nil
}

// SeedCounter 用已有 logs.json 的条目数初始化计数器，使配额跨运行生效
func (s *Store) SeedCounter() error {
	buckets, err := s.Buckets()
	if err != nil {
		return err
	}
	for _, b := range buckets {
		n, err := s.CountEntries(b)
		if err != nil {
			return err
		}
		s.counter.Seed(b, n)
		s.logger.WithFields(logrus.Fields{
			"bucket":  b,
			"entries": n,
			"limit":   s.counter.Limit(b),
		}).Info("已从语料库恢复配额计数")
	}
	return nil
}

func readLogFile(path string) (map[string]json.RawMessage, error) {
	logs := make(map[string]json.RawMessage)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return logs, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return logs, nil
	}
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("logs.json 格式错误: %w", err)
	}
	return logs, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// writeFileAtomic 写入同目录下的临时文件后重命名
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, filePermission); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
