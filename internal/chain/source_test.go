package chain

import (
	"context"
	stderrs "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"solcorpus/internal/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	head     uint64
	err      error
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	code     map[common.Address][]byte
	calls    int
	closed   bool
}

func (f *fakeBackend) hit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.hit(); err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *fakeBackend) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if err := f.hit(); err != nil {
		return nil, err
	}
	block, ok := f.blocks[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return block, nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := f.hit(); err != nil {
		return nil, err
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := f.hit(); err != nil {
		return nil, err
	}
	return f.code[account], nil
}

func (f *fakeBackend) Close() { f.closed = true }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSource_PriorityOrder(t *testing.T) {
	primary := &fakeBackend{head: 100}
	backup := &fakeBackend{head: 90}
	source := NewSource([]*Node{
		NewNode("backup", 2, backup),
		NewNode("primary", 1, primary),
	}, quietLogger())

	n, err := source.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
	assert.Equal(t, 0, backup.calls)
}

func TestSource_Failover(t *testing.T) {
	broken := &fakeBackend{err: stderrs.New("connection refused")}
	healthy := &fakeBackend{head: 42}
	source := NewSource([]*Node{
		NewNode("broken", 1, broken),
		NewNode("healthy", 2, healthy),
	}, quietLogger())

	n, err := source.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, 1, broken.calls)

	status := source.NodeStatus()
	require.Len(t, status, 2)
	assert.Equal(t, 1, status[0].ErrorCount)
	assert.Equal(t, 0, status[1].ErrorCount)
}

func TestSource_RateLimitedNodeIsSkipped(t *testing.T) {
	limited := &fakeBackend{err: stderrs.New("429 Too Many Requests")}
	healthy := &fakeBackend{head: 7}
	source := NewSource([]*Node{
		NewNode("limited", 1, limited),
		NewNode("healthy", 2, healthy),
	}, quietLogger())

	_, err := source.LatestBlockNumber(context.Background())
	require.NoError(t, err)

	status := source.NodeStatus()
	assert.True(t, status[0].RateLimited)
	assert.True(t, status[0].RateLimitEnd.After(time.Now()))

	// 冷却期内不再访问被限速的节点
	_, err = source.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, limited.calls)
	assert.Equal(t, 2, healthy.calls)
}

func TestSource_RateLimitCooldownExpires(t *testing.T) {
	limited := &fakeBackend{err: stderrs.New("rate limit exceeded")}
	source := NewSource([]*Node{NewNode("only", 1, limited)}, quietLogger())
	source.cooldown = time.Millisecond

	_, err := source.LatestBlockNumber(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))

	time.Sleep(5 * time.Millisecond)
	limited.err = nil
	limited.head = 9
	n, err := source.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
}

func TestSource_AllNodesFail(t *testing.T) {
	source := NewSource([]*Node{
		NewNode("a", 1, &fakeBackend{err: stderrs.New("boom")}),
		NewNode("b", 2, &fakeBackend{err: stderrs.New("boom")}),
	}, quietLogger())

	_, err := source.LatestBlockNumber(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNetwork))
	assert.True(t, errors.IsTransient(err))
}

func TestSource_TooManyErrorsDisablesNode(t *testing.T) {
	flaky := &fakeBackend{err: stderrs.New("boom")}
	healthy := &fakeBackend{head: 1}
	source := NewSource([]*Node{
		NewNode("flaky", 1, flaky),
		NewNode("healthy", 2, healthy),
	}, quietLogger())

	for i := 0; i < defaultMaxNodeErrors; i++ {
		source.current = 0
		_, err := source.LatestBlockNumber(context.Background())
		require.NoError(t, err)
	}
	assert.False(t, source.NodeStatus()[0].Available)

	source.current = 0
	_, err := source.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultMaxNodeErrors, flaky.calls)
}

func TestSource_TransactionsInBlock(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	creation := types.NewTx(&types.LegacyTx{Nonce: 1, Data: []byte{0x60, 0x80}})
	call := types.NewTx(&types.LegacyTx{Nonce: 2, To: &to})
	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(999)}).
		WithBody(types.Body{Transactions: []*types.Transaction{creation, call}})

	backend := &fakeBackend{blocks: map[uint64]*types.Block{999: block}}
	source := NewSource([]*Node{NewNode("n", 1, backend)}, quietLogger())

	txs, err := source.TransactionsInBlock(context.Background(), 999)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].IsContractCreation())
	assert.Equal(t, "0x6080", txs[0].Input)
	assert.Equal(t, creation.Hash().Hex(), txs[0].Hash)
	assert.Equal(t, uint64(999), txs[0].BlockNumber)
	assert.False(t, txs[1].IsContractCreation())
	assert.Equal(t, to.Hex(), *txs[1].To)

	_, err = source.TransactionsInBlock(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternalAPI))
}

func TestSource_ReceiptOf(t *testing.T) {
	hash := common.HexToHash("0xaaa")
	created := common.HexToAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		hash: {TxHash: hash, ContractAddress: created},
	}}
	source := NewSource([]*Node{NewNode("n", 1, backend)}, quietLogger())

	receipt, err := source.ReceiptOf(context.Background(), hash.Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", receipt.ContractAddress)

	receipt, err = source.ReceiptOf(context.Background(), "0xbbb")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestSource_CodeAt(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	backend := &fakeBackend{code: map[common.Address][]byte{addr: {0x60, 0x80}}}
	source := NewSource([]*Node{NewNode("n", 1, backend)}, quietLogger())

	code, err := source.CodeAt(context.Background(), addr.Hex())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, code)

	code, err = source.CodeAt(context.Background(), "0x00000000000000000000000000000000000000dd")
	require.NoError(t, err)
	assert.NotNil(t, code)
	assert.Empty(t, code)
}

func TestSource_CanceledContext(t *testing.T) {
	backend := &fakeBackend{head: 1}
	source := NewSource([]*Node{NewNode("n", 1, backend)}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := source.LatestBlockNumber(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, backend.calls)
}

func TestSource_Close(t *testing.T) {
	a, b := &fakeBackend{}, &fakeBackend{}
	source := NewSource([]*Node{NewNode("a", 1, a), NewNode("b", 2, b)}, quietLogger())
	source.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, isRateLimitError(stderrs.New("HTTP 429")))
	assert.True(t, isRateLimitError(stderrs.New("Exceeded quota exceeded for today")))
	assert.True(t, isRateLimitError(errors.NewRateLimitError("x", "slow down")))
	assert.False(t, isRateLimitError(stderrs.New("connection reset")))
	assert.False(t, isRateLimitError(nil))
}
