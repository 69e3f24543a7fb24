package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"solcorpus/internal/errors"
	"solcorpus/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type rpcTransaction struct {
	Hash  string  `json:"hash"`
	To    *string `json:"to"`
	Input string  `json:"input"`
}

type rpcBlock struct {
	Number       string           `json:"number"`
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcReceipt struct {
	TransactionHash string  `json:"transactionHash"`
	ContractAddress *string `json:"contractAddress"`
}

// proxyString 调用返回十六进制字符串的 proxy 方法
func (c *Client) proxyString(ctx context.Context, action string, params url.Values) (string, error) {
	resp, err := c.call(ctx, "proxy", action, params)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(resp.Result, &s); err != nil {
		return "", errors.NewExternalAPIError(component, fmt.Sprintf("%s 返回了非字符串结果", action), err)
	}
	return s, nil
}

// LatestBlockNumber 当前链头高度
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	s, err := c.proxyString(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, errors.NewExternalAPIError(component, fmt.Sprintf("无法解析区块高度 %q", s), err)
	}
	return n, nil
}

// TransactionsInBlock 获取区块内的全部交易，没有交易时返回空列表
func (c *Client) TransactionsInBlock(ctx context.Context, blockNumber uint64) ([]*models.Transaction, error) {
	resp, err := c.call(ctx, "proxy", "eth_getBlockByNumber", url.Values{
		"tag":     {hexutil.EncodeUint64(blockNumber)},
		"boolean": {"true"},
	})
	if err != nil {
		return nil, err
	}

	var block *rpcBlock
	if err := json.Unmarshal(resp.Result, &block); err != nil {
		return nil, errors.NewExternalAPIError(component, "区块数据格式错误", err).WithBlockNumber(blockNumber)
	}
	if block == nil {
		return nil, errors.NewExternalAPIError(component, "区块不存在", nil).WithBlockNumber(blockNumber)
	}

	txs := make([]*models.Transaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txs = append(txs, &models.Transaction{
			Hash:        tx.Hash,
			BlockNumber: blockNumber,
			To:          tx.To,
			Input:       tx.Input,
		})
	}
	return txs, nil
}

// ReceiptOf 获取交易收据，交易不存在时返回 nil
func (c *Client) ReceiptOf(ctx context.Context, txHash string) (*models.Receipt, error) {
	resp, err := c.call(ctx, "proxy", "eth_getTransactionReceipt", url.Values{"txhash": {txHash}})
	if err != nil {
		return nil, err
	}

	var receipt *rpcReceipt
	if err := json.Unmarshal(resp.Result, &receipt); err != nil {
		return nil, errors.NewExternalAPIError(component, "收据格式错误", err).WithTxHash(txHash)
	}
	if receipt == nil {
		return nil, nil
	}

	out := &models.Receipt{TransactionHash: receipt.TransactionHash}
	if receipt.ContractAddress != nil && common.IsHexAddress(*receipt.ContractAddress) {
		out.ContractAddress = common.HexToAddress(*receipt.ContractAddress).Hex()
	}
	return out, nil
}

// CodeAt 获取地址当前的运行时字节码
func (c *Client) CodeAt(ctx context.Context, address string) ([]byte, error) {
	s, err := c.proxyString(ctx, "eth_getCode", url.Values{
		"address": {address},
		"tag":     {"latest"},
	})
	if err != nil {
		return nil, err
	}
	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.NewExternalAPIError(component, "字节码格式错误", err).WithAddress(address)
	}
	return code, nil
}
