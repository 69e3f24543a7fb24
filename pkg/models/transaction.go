package models

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transaction 扫描所需的最小交易视图
type Transaction struct {
	Hash        string  `json:"hash"`
	BlockNumber uint64  `json:"block_number"`
	To          *string `json:"to"` // nil 表示合约创建
	Input       string  `json:"input"`
}

// IsContractCreation 判断是否为合约部署交易
func (t *Transaction) IsContractCreation() bool {
	return t != nil && t.To == nil
}

// FromEthereumTransaction 从以太坊交易转换为内部模型
func FromEthereumTransaction(tx *types.Transaction, blockNumber uint64) *Transaction {
	if tx == nil {
		return nil
	}

	t := &Transaction{
		Hash:        tx.Hash().Hex(),
		BlockNumber: blockNumber,
		Input:       hexutil.Encode(tx.Data()),
	}
	if tx.To() != nil {
		to := tx.To().Hex()
		t.To = &to
	}
	return t
}

// Receipt 交易收据视图
type Receipt struct {
	TransactionHash string `json:"transaction_hash"`
	ContractAddress string `json:"contract_address"`
}

// FromEthereumReceipt 从以太坊收据转换为内部模型
func FromEthereumReceipt(r *types.Receipt) *Receipt {
	if r == nil {
		return nil
	}

	receipt := &Receipt{TransactionHash: r.TxHash.Hex()}
	if r.ContractAddress != zeroAddress {
		receipt.ContractAddress = r.ContractAddress.Hex()
	}
	return receipt
}
