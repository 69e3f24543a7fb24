package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"solcorpus/internal/config"
	"solcorpus/internal/errors"
	"solcorpus/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const (
	component            = "chain"
	defaultCooldown      = 5 * time.Minute
	defaultMaxNodeErrors = 3
	dialTimeout          = 10 * time.Second
)

// Backend 扫描所需的 ethclient 方法子集
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Node 节点客户端
type Node struct {
	Name         string
	Priority     int
	backend      Backend
	available    bool
	rateLimited  bool      // 是否被速率限制
	rateLimitEnd time.Time // 速率限制结束时间
	errorCount   int
	lastUsed     time.Time
	mu           sync.RWMutex
}

// NewNode 用已建立的连接创建节点
func NewNode(name string, priority int, backend Backend) *Node {
	return &Node{Name: name, Priority: priority, backend: backend, available: true}
}

// NodeStatus 节点状态快照
type NodeStatus struct {
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	Available    bool      `json:"available"`
	RateLimited  bool      `json:"rate_limited"`
	RateLimitEnd time.Time `json:"rate_limit_end,omitempty"`
	ErrorCount   int       `json:"error_count"`
	LastUsed     time.Time `json:"last_used"`
}

// Source 多节点链数据源
type Source struct {
	nodes         []*Node
	logger        *logrus.Logger
	mu            sync.Mutex
	current       int
	cooldown      time.Duration
	maxNodeErrors int
}

// NewSource 由节点列表创建数据源，节点按优先级排序（数字越小越优先）
func NewSource(nodes []*Node, logger *logrus.Logger) *Source {
	sorted := append([]*Node(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Source{
		nodes:         sorted,
		logger:        logger,
		cooldown:      defaultCooldown,
		maxNodeErrors: defaultMaxNodeErrors,
	}
}

// Dial 连接所有配置的节点，跳过不可用的节点
func Dial(ctx context.Context, cfgs []*config.NodeConfig, logger *logrus.Logger) (*Source, error) {
	var nodes []*Node
	for _, nodeConfig := range cfgs {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		client, err := ethclient.DialContext(dialCtx, nodeConfig.URL)
		if err != nil {
			cancel()
			logger.Warnf("连接节点失败 %s: %v", nodeConfig.Name, err)
			continue
		}

		// 测试节点连接
		if _, err := client.BlockNumber(dialCtx); err != nil {
			cancel()
			logger.Warnf("节点 %s 不可用: %v", nodeConfig.Name, err)
			client.Close()
			continue
		}
		cancel()

		nodes = append(nodes, NewNode(nodeConfig.Name, nodeConfig.Priority, client))
		logger.Infof("成功连接到节点: %s", nodeConfig.Name)
	}

	if len(nodes) == 0 {
		return nil, errors.NewFetchError(component, "无法连接到任何区块链节点", nil)
	}
	return NewSource(nodes, logger), nil
}

// nextAvailableNode 获取下一个可用节点
func (s *Source) nextAvailableNode(skip map[*Node]bool) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(s.nodes); i++ {
		index := (s.current + i) % len(s.nodes)
		node := s.nodes[index]
		if skip[node] {
			continue
		}

		node.mu.Lock()
		// 检查速率限制是否已过期
		if node.rateLimited && now.After(node.rateLimitEnd) {
			node.rateLimited = false
			node.errorCount = 0
			s.logger.Infof("节点 %s 速率限制已解除", node.Name)
		}
		usable := node.available && !node.rateLimited
		node.mu.Unlock()

		if usable {
			s.current = index
			return node
		}
	}

	// 没有可用节点时，恢复未被限速的节点再试一次
	var fallback *Node
	for _, node := range s.nodes {
		if skip[node] {
			continue
		}
		node.mu.Lock()
		if !node.rateLimited {
			node.available = true
			node.errorCount = 0
			if fallback == nil {
				fallback = node
			}
		}
		node.mu.Unlock()
	}
	if fallback != nil {
		s.logger.Warn("所有节点都不可用，尝试重新启用")
	}
	return fallback
}

// handleNodeError 记录节点错误，限速的节点进入冷却，连续错误过多的节点暂时禁用
func (s *Source) handleNodeError(node *Node, err error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	node.errorCount++
	if isRateLimitError(err) {
		node.rateLimited = true
		node.rateLimitEnd = time.Now().Add(s.cooldown)
		s.logger.Errorf("节点 %s 达到速率限制，将在 %v 后重试: %v", node.Name, s.cooldown, err)
		return
	}
	if node.errorCount >= s.maxNodeErrors {
		node.available = false
		s.logger.Warnf("节点 %s 错误次数过多，暂时禁用", node.Name)
	}
}

func (n *Node) markSuccess() {
	n.mu.Lock()
	n.errorCount = 0
	n.lastUsed = time.Now()
	n.mu.Unlock()
}

// withNode 依次在可用节点上执行 fn，直到成功或没有更多节点
func (s *Source) withNode(ctx context.Context, op string, fn func(Backend) error) error {
	tried := make(map[*Node]bool)
	var lastErr error

	for len(tried) < len(s.nodes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := s.nextAvailableNode(tried)
		if node == nil {
			break
		}
		tried[node] = true

		err := fn(node.backend)
		if err == nil {
			node.markSuccess()
			return nil
		}
		if stderrors.Is(err, ethereum.NotFound) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, errors.SeverityMedium,
				"REQUEST_TIMEOUT", fmt.Sprintf("%s 超时", op)).WithComponent(component)
		}

		lastErr = err
		s.handleNodeError(node, err)
		s.logger.WithFields(logrus.Fields{
			"node":      node.Name,
			"operation": op,
		}).Warnf("节点调用失败，尝试下一个节点: %v", err)
	}

	if lastErr == nil {
		return errors.NewRateLimitError(component, "所有节点都被速率限制")
	}
	if isRateLimitError(lastErr) {
		return errors.NewRateLimitError(component, lastErr.Error())
	}
	return errors.NewFetchError(component, fmt.Sprintf("%s 在所有节点上失败", op), lastErr)
}

// LatestBlockNumber 当前链头高度
func (s *Source) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.withNode(ctx, "eth_blockNumber", func(b Backend) error {
		var err error
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

// TransactionsInBlock 获取区块内的全部交易
func (s *Source) TransactionsInBlock(ctx context.Context, blockNumber uint64) ([]*models.Transaction, error) {
	var block *types.Block
	err := s.withNode(ctx, "eth_getBlockByNumber", func(b Backend) error {
		var err error
		block, err = b.BlockByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ethereum.NotFound) {
			return nil, errors.NewExternalAPIError(component, "区块不存在", err).WithBlockNumber(blockNumber)
		}
		return nil, err
	}

	txs := make([]*models.Transaction, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		txs = append(txs, models.FromEthereumTransaction(tx, blockNumber))
	}
	return txs, nil
}

// ReceiptOf 获取交易收据，交易不存在时返回 nil
func (s *Source) ReceiptOf(ctx context.Context, txHash string) (*models.Receipt, error) {
	var receipt *types.Receipt
	err := s.withNode(ctx, "eth_getTransactionReceipt", func(b Backend) error {
		var err error
		receipt, err = b.TransactionReceipt(ctx, common.HexToHash(txHash))
		return err
	})
	if err != nil {
		if stderrors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return models.FromEthereumReceipt(receipt), nil
}

// CodeAt 获取地址当前的运行时字节码
func (s *Source) CodeAt(ctx context.Context, address string) ([]byte, error) {
	var code []byte
	err := s.withNode(ctx, "eth_getCode", func(b Backend) error {
		var err error
		code, err = b.CodeAt(ctx, common.HexToAddress(address), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if code == nil {
		code = []byte{}
	}
	return code, nil
}

// NodeStatus 返回所有节点的状态
func (s *Source) NodeStatus() []NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NodeStatus, 0, len(s.nodes))
	for _, node := range s.nodes {
		node.mu.RLock()
		out = append(out, NodeStatus{
			Name:         node.Name,
			Priority:     node.Priority,
			Available:    node.available,
			RateLimited:  node.rateLimited,
			RateLimitEnd: node.rateLimitEnd,
			ErrorCount:   node.errorCount,
			LastUsed:     node.lastUsed,
		})
		node.mu.RUnlock()
	}
	return out
}

// Close 关闭所有节点连接
func (s *Source) Close() {
	for _, node := range s.nodes {
		node.backend.Close()
	}
}

// isRateLimitError 检测是否为429错误
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsType(err, errors.ErrorTypeRateLimit) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), []string{
		"429", "too many requests", "rate limit", "quota exceeded",
		"request limit", "requests per second", "exceed rate limit",
	})
}

// containsAny 检查字符串是否包含任意一个子字符串
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
