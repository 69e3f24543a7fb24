package scanner

import (
	"context"
	stderrs "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solcorpus/internal/config"
	"solcorpus/internal/corpus"
	"solcorpus/internal/errors"
	"solcorpus/internal/progress"
	"solcorpus/internal/quota"
	"solcorpus/internal/validation"
	"solcorpus/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0xABC0000000000000000000000000000000000001"
	addrB = "0xABC0000000000000000000000000000000000002"
	addrC = "0xABC0000000000000000000000000000000000003"
)

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	blocks    map[uint64][]*models.Transaction
	blockErrs map[uint64]error
	flaky     map[uint64]int // 成功前失败的次数
	fetches   map[uint64]int
	receipts  map[string]string
	txErrs    map[string]error
	code      map[string][]byte
	codeCalls map[string]int
	onReceipt func(hash string)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:    make(map[uint64][]*models.Transaction),
		blockErrs: make(map[uint64]error),
		flaky:     make(map[uint64]int),
		fetches:   make(map[uint64]int),
		receipts:  make(map[string]string),
		txErrs:    make(map[string]error),
		code:      make(map[string][]byte),
		codeCalls: make(map[string]int),
	}
}

// addCreation 在区块中加入一笔部署到 address 的创建交易
func (f *fakeChain) addCreation(block uint64, hash, address string) {
	f.blocks[block] = append(f.blocks[block], &models.Transaction{
		Hash:        hash,
		BlockNumber: block,
		Input:       "0x6080604052",
	})
	f.receipts[hash] = address
	f.code[address] = []byte{0x60, 0x80}
}

func (f *fakeChain) addCall(block uint64, hash string) {
	to := "0x00000000000000000000000000000000000000ff"
	f.blocks[block] = append(f.blocks[block], &models.Transaction{Hash: hash, BlockNumber: block, To: &to, Input: "0x"})
}

func (f *fakeChain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) TransactionsInBlock(ctx context.Context, n uint64) ([]*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[n]++
	if err := f.blockErrs[n]; err != nil {
		return nil, err
	}
	if f.flaky[n] > 0 {
		f.flaky[n]--
		return nil, errors.NewFetchError("test", "connection reset", nil)
	}
	return f.blocks[n], nil
}

func (f *fakeChain) ReceiptOf(ctx context.Context, hash string) (*models.Receipt, error) {
	if f.onReceipt != nil {
		f.onReceipt(hash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.txErrs[hash]; err != nil {
		return nil, err
	}
	address, ok := f.receipts[hash]
	if !ok {
		return nil, nil
	}
	return &models.Receipt{TransactionHash: hash, ContractAddress: address}, nil
}

func (f *fakeChain) CodeAt(ctx context.Context, address string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls[address]++
	return f.code[address], nil
}

type fakeMetadata struct {
	mu    sync.Mutex
	meta  map[string]*models.ContractMetadata
	calls int
}

func (f *fakeMetadata) MetadataOf(ctx context.Context, address string) (*models.ContractMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.meta[address], nil
}

type recordingOutput struct {
	mu      sync.Mutex
	entries []*models.CorpusEntry
}

func (o *recordingOutput) WriteEntry(e *models.CorpusEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	return nil
}

func (o *recordingOutput) Close() error { return nil }

func validMetadata(name string) *models.ContractMetadata {
	return &models.ContractMetadata{
		SourceCode:       "pragma solidity ^0.8.20;\ncontract " + name + " {}\n",
		ABI:              `[{"type":"constructor","inputs":[]}]`,
		ContractName:     name,
		CompilerVersion:  "v0.8.20+commit.a1b79de6",
		CompilerType:     "solc",
		OptimizationUsed: "1",
		Runs:             "200",
		Proxy:            "0",
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type harness struct {
	chain    *fakeChain
	metadata *fakeMetadata
	store    *corpus.Store
	baseDir  string
	output   *recordingOutput
}

func newHarness(t *testing.T, limits map[string]int) *harness {
	t.Helper()
	baseDir := t.TempDir()
	return &harness{
		chain:    newFakeChain(),
		metadata: &fakeMetadata{meta: make(map[string]*models.ContractMetadata)},
		store:    corpus.NewStore(baseDir, quota.NewCounter(limits), quietLogger()),
		baseDir:  baseDir,
		output:   &recordingOutput{},
	}
}

func (h *harness) scanner() *Scanner {
	s := NewScanner(h.chain, h.metadata, h.store, &config.ScannerConfig{Timeout: time.Second}, quietLogger())
	s.SetOutput(h.output)
	return s
}

func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[path] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestRun_SingleCreationScenario(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 1})
	h.chain.addCall(1000, "0xcall")
	h.chain.addCreation(999, "0xdeploy", addrA)
	h.metadata.meta[addrA] = validMetadata("A")

	result, err := h.scanner().Run(context.Background(), 1000, 998, 1)
	require.NoError(t, err)
	assert.False(t, result.Interrupted)
	assert.Equal(t, uint64(2), result.Stats.BlocksScanned)
	assert.Equal(t, uint64(2), result.Stats.Transactions)
	assert.Equal(t, uint64(1), result.Stats.Creations)
	assert.Equal(t, uint64(1), result.Stats.Accepted)

	bucketDir := filepath.Join(h.baseDir, "contracts", "0_8")
	assert.FileExists(t, filepath.Join(bucketDir, "sourcecode", addrA+".sol"))
	assert.FileExists(t, filepath.Join(bucketDir, "runtime_bytecode", addrA+".hex"))
	assert.FileExists(t, filepath.Join(bucketDir, "creation_bytecode", addrA+".hex"))

	log, err := h.store.ReadLog("0_8")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Contains(t, log, addrA)

	entry, err := h.store.Entry("0_8", addrA)
	require.NoError(t, err)
	assert.Equal(t, "0.8.20", entry.Record.Pragma)
	assert.Equal(t, uint64(999), entry.Record.BlockNumber)
	assert.Equal(t, "0xdeploy", entry.Record.TransactionHash)
	assert.Equal(t, "0x6080", entry.RuntimeBytecode)
	assert.Equal(t, "0x6080604052", entry.CreationBytecode)

	require.Len(t, h.output.entries, 1)
	assert.Equal(t, addrA, h.output.entries[0].Address)

	require.Len(t, result.Cursors, 1)
	assert.True(t, result.Cursors[0].Done)
	assert.Equal(t, uint64(998), result.Cursors[0].Next)

	// 第二次相同的运行不改变文件系统
	before := snapshotTree(t, h.baseDir)
	h2 := *h
	h2.store = corpus.NewStore(h.baseDir, quota.NewCounter(map[string]int{"0_8": 1}), quietLogger())
	second, err := h2.scanner().Run(context.Background(), 1000, 998, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), second.Stats.Accepted)
	assert.Equal(t, uint64(1), second.Stats.AlreadyPersisted)
	assert.Equal(t, before, snapshotTree(t, h.baseDir))
}

func TestRun_InvalidRange(t *testing.T) {
	h := newHarness(t, nil)
	s := h.scanner()

	_, err := s.Run(context.Background(), 998, 1000, 1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = s.Run(context.Background(), 1000, 1000, 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = s.Run(context.Background(), 1000, 0, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRun_StartZeroUsesHead(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.head = 50
	h.chain.addCreation(50, "0xhead", addrA)
	h.metadata.meta[addrA] = validMetadata("A")

	result, err := h.scanner().Run(context.Background(), 0, 48, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), result.Start)
	assert.Equal(t, uint64(2), result.Stats.BlocksScanned)
	assert.Equal(t, uint64(1), result.Stats.Accepted)
}

func TestRun_FailureIsolation(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.blockErrs[999] = errors.NewFetchError("test", "block unavailable", nil)
	h.chain.addCreation(1000, "0xbroken", addrA)
	h.chain.txErrs["0xbroken"] = stderrs.New("receipt timeout")
	h.chain.addCreation(1000, "0xgood", addrB)
	h.metadata.meta[addrB] = validMetadata("B")
	h.chain.addCreation(998, "0xlater", addrC)
	h.metadata.meta[addrC] = validMetadata("C")

	s := h.scanner()
	result, err := s.Run(context.Background(), 1000, 997, 1)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), result.Stats.BlocksScanned)
	assert.Equal(t, uint64(1), result.Stats.BlockErrors)
	assert.Equal(t, uint64(1), result.Stats.TxErrors)
	assert.Equal(t, uint64(2), result.Stats.Accepted)
	assert.True(t, result.Cursors[0].Done)
	assert.Equal(t, 2, s.ErrorHandler().Stats().TotalErrors)
}

func TestRun_RetriesTransientBlockErrors(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.flaky[1000] = 1
	h.chain.addCreation(1000, "0xa", addrA)
	h.metadata.meta[addrA] = validMetadata("A")

	s := NewScanner(h.chain, h.metadata, h.store, &config.ScannerConfig{Timeout: time.Second, RetryLimit: 2}, quietLogger())
	result, err := s.Run(context.Background(), 1000, 999, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, h.chain.fetches[1000])
	assert.Equal(t, uint64(0), result.Stats.BlockErrors)
	assert.Equal(t, uint64(1), result.Stats.Accepted)
}

func TestRun_DefaultConfigSkipsFailedBlock(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.flaky[1000] = 1
	h.chain.addCreation(1000, "0xa", addrA)
	h.metadata.meta[addrA] = validMetadata("A")

	s := NewScanner(h.chain, h.metadata, h.store, config.GetDefaultConfig().Scanner, quietLogger())
	result, err := s.Run(context.Background(), 1000, 999, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, h.chain.fetches[1000])
	assert.Equal(t, uint64(1), result.Stats.BlockErrors)
	assert.Equal(t, uint64(0), result.Stats.Accepted)
	assert.True(t, result.Cursors[0].Done)
}

func TestRun_ProxyRejectedBeforeBytecode(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.addCreation(10, "0xproxy", addrA)
	proxy := validMetadata("P")
	proxy.Proxy = "1"
	h.metadata.meta[addrA] = proxy

	h.chain.addCreation(10, "0xjson", addrB)
	multi := validMetadata("M")
	multi.SourceCode = `{"language":"Solidity"}`
	h.metadata.meta[addrB] = multi

	result, err := h.scanner().Run(context.Background(), 10, 9, 1)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), result.Stats.Rejected)
	assert.Equal(t, uint64(1), result.Stats.Rejections[validation.RuleNonProxy])
	assert.Equal(t, uint64(1), result.Stats.Rejections[validation.RuleInlineSource])
	assert.Zero(t, h.chain.codeCalls[addrA])
	assert.Zero(t, h.chain.codeCalls[addrB])
	assert.NoDirExists(t, filepath.Join(h.baseDir, "contracts", "0_8"))
}

func TestRun_Rejections(t *testing.T) {
	h := newHarness(t, map[string]int{"0_7": 10, "0_8": 10})

	// 未验证
	h.chain.addCreation(10, "0x1", addrA)

	// 版本不一致
	h.chain.addCreation(10, "0x2", addrB)
	mismatch := validMetadata("V")
	mismatch.CompilerVersion = "v0.7.6+commit.7338295f"
	h.metadata.meta[addrB] = mismatch

	// 链接外部库
	h.chain.addCreation(10, "0x3", addrC)
	lib := validMetadata("L")
	lib.Library = "Math:0x0000000000000000000000000000000000000001"
	h.metadata.meta[addrC] = lib

	result, err := h.scanner().Run(context.Background(), 10, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.Stats.Rejected)
	assert.Equal(t, uint64(1), result.Stats.Rejections[validation.RulePresence])
	assert.Equal(t, uint64(1), result.Stats.Rejections[validation.RuleVersionAgreement])
	assert.Equal(t, uint64(1), result.Stats.Rejections[validation.RuleNoLibraries])
	assert.Zero(t, h.chain.codeCalls[addrA], "unverified contracts skip the bytecode fetch")
	assert.Equal(t, uint64(0), result.Stats.Accepted)
}

func TestRun_QuotaExhausted(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 1})
	h.chain.addCreation(10, "0x1", addrA)
	h.chain.addCreation(10, "0x2", addrB)
	h.metadata.meta[addrA] = validMetadata("A")
	h.metadata.meta[addrB] = validMetadata("B")

	result, err := h.scanner().Run(context.Background(), 10, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Stats.Accepted)
	assert.Equal(t, uint64(1), result.Stats.QuotaExhausted)

	count, err := h.store.CountEntries("0_8")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRun_DecodeFailureIsTxError(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.addCreation(10, "0x1", addrA)
	meta := validMetadata("A")
	meta.ABI = `[{"type":"constructor","inputs":[{"name":"x","type":"uint256"}]}]`
	meta.ConstructorArguments = "01"
	h.metadata.meta[addrA] = meta

	s := h.scanner()
	result, err := s.Run(context.Background(), 10, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Stats.TxErrors)
	assert.Equal(t, 1, s.ErrorHandler().Stats().ErrorsByType["DecodeLengthMismatch"])
}

func TestRun_DecodedArgsPersisted(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.addCreation(10, "0x1", addrA)
	meta := validMetadata("A")
	meta.ABI = `[{"type":"constructor","inputs":[{"name":"x","type":"uint256"}]}]`
	meta.ConstructorArguments = fmt.Sprintf("%064x", 42)
	h.metadata.meta[addrA] = meta

	result, err := h.scanner().Run(context.Background(), 10, 9, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Stats.Accepted)

	log, err := h.store.ReadLog("0_8")
	require.NoError(t, err)
	assert.Contains(t, string(log[addrA]), `"constructor arguments decoded": {`)
	assert.Contains(t, string(log[addrA]), `"x": 42`)
}

func TestRun_PartitionedWorkers(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 100})
	addresses := make([]string, 0, 20)
	for b := uint64(1); b <= 20; b++ {
		addr := fmt.Sprintf("0x%040x", b)
		addresses = append(addresses, addr)
		h.chain.addCreation(b, fmt.Sprintf("0x%x", b), addr)
		h.metadata.meta[addr] = validMetadata("C")
	}

	result, err := h.scanner().Run(context.Background(), 20, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Workers)
	assert.Equal(t, uint64(20), result.Stats.BlocksScanned)
	assert.Equal(t, uint64(20), result.Stats.Accepted)
	require.Len(t, result.Cursors, 4)
	for _, c := range result.Cursors {
		assert.True(t, c.Done)
	}

	count, err := h.store.CountEntries("0_8")
	require.NoError(t, err)
	assert.Equal(t, len(addresses), count)
}

func TestRun_InterruptFinishesInFlightTransaction(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.addCreation(10, "0x1", addrA)
	h.chain.addCreation(10, "0x2", addrB)
	h.metadata.meta[addrA] = validMetadata("A")
	h.metadata.meta[addrB] = validMetadata("B")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.chain.onReceipt = func(hash string) {
		if hash == "0x1" {
			cancel()
		}
	}

	result, err := h.scanner().Run(ctx, 10, 5, 1)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.True(t, result.Interrupted)

	// 进行中的交易完成，同一区块的下一笔交易不再处理
	assert.Equal(t, uint64(1), result.Stats.Accepted)
	assert.Equal(t, 1, h.metadata.calls)

	// 区块未完成，游标停在该区块
	require.Len(t, result.Cursors, 1)
	assert.Equal(t, uint64(10), result.Cursors[0].Next)
	assert.False(t, result.Cursors[0].Done)
}

func TestRun_ResumeFromProgress(t *testing.T) {
	h := newHarness(t, map[string]int{"0_8": 10})
	h.chain.addCreation(10, "0x1", addrA)
	h.chain.addCreation(8, "0x2", addrB)
	h.metadata.meta[addrA] = validMetadata("A")
	h.metadata.meta[addrB] = validMetadata("B")

	manager, err := progress.NewManager(filepath.Join(t.TempDir(), "progress.db"), quietLogger())
	require.NoError(t, err)
	defer manager.Close()

	// 上次运行停在区块 9
	require.NoError(t, manager.Save(&progress.Cursor{Start: 10, End: 5, Next: 9, BlocksScanned: 1}))

	s := h.scanner()
	s.SetProgressManager(manager)
	s.SetResume(true)
	result, err := s.Run(context.Background(), 10, 5, 1)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), result.Stats.BlocksScanned)
	assert.Equal(t, uint64(1), result.Stats.Accepted)
	assert.Zero(t, h.chain.codeCalls[addrA], "block 10 was finished before the interrupt")

	saved, ok := manager.Load(10, 5)
	require.True(t, ok)
	assert.True(t, saved.Done)
	assert.Equal(t, uint64(5), saved.BlocksScanned)

	var last Result
	found, err := manager.LoadStats(progress.LastRunKey, &last)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1), last.Stats.Accepted)

	// 已完成的分区在续扫时直接跳过
	again, err := s.Run(context.Background(), 10, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), again.Stats.BlocksScanned)
}

func TestPartitions(t *testing.T) {
	tests := []struct {
		name    string
		start   uint64
		end     uint64
		workers int
		want    []Partition
	}{
		{"single", 1000, 998, 1, []Partition{{1000, 998}}},
		{"remainder goes high", 10, 0, 3, []Partition{{10, 6}, {6, 3}, {3, 0}}},
		{"more workers than blocks", 5, 3, 8, []Partition{{5, 4}, {4, 3}}},
		{"zero workers", 3, 1, 0, []Partition{{3, 1}}},
		{"empty range", 5, 5, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Partitions(tt.start, tt.end, tt.workers)
			assert.Equal(t, tt.want, got)

			var total uint64
			for _, p := range got {
				total += p.Size()
			}
			if tt.start > tt.end {
				assert.Equal(t, tt.start-tt.end, total)
			}
		})
	}
}
