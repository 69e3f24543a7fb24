package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var zeroAddress = common.Address{}

// ContractMetadata 区块浏览器返回的已验证合约元数据
type ContractMetadata struct {
	SourceCode           string `json:"SourceCode"`
	ABI                  string `json:"ABI"`
	ContractName         string `json:"ContractName"`
	CompilerVersion      string `json:"CompilerVersion"`
	CompilerType         string `json:"CompilerType"`
	OptimizationUsed     string `json:"OptimizationUsed"`
	Runs                 string `json:"Runs"`
	ConstructorArguments string `json:"ConstructorArguments"`
	EVMVersion           string `json:"EVMVersion"`
	Library              string `json:"Library"`
	LicenseType          string `json:"LicenseType"`
	Proxy                string `json:"Proxy"`
	Implementation       string `json:"Implementation"`
}

// IsProxy 代理合约标记
func (m *ContractMetadata) IsProxy() bool {
	return m != nil && strings.TrimSpace(m.Proxy) == "1"
}

// HasLibraries 是否链接了外部库
func (m *ContractMetadata) HasLibraries() bool {
	return m != nil && strings.TrimSpace(m.Library) != ""
}

// LogRecord logs.json 中单个地址对应的记录
type LogRecord struct {
	Pragma                      string          `json:"pragma"`
	CompilerVersion             string          `json:"compiler version"`
	CompilerType                string          `json:"compiler type"`
	Optimization                string          `json:"optimization"`
	Runs                        string          `json:"runs,omitempty"`
	EVMVersion                  string          `json:"evm version,omitempty"`
	ContractName                string          `json:"contract name,omitempty"`
	ABI                         json.RawMessage `json:"abi"`
	ConstructorArguments        string          `json:"constructor arguments"`
	ConstructorArgumentsDecoded interface{}     `json:"constructor arguments decoded"`
	BlockNumber                 uint64          `json:"block number,omitempty"`
	TransactionHash             string          `json:"transaction hash,omitempty"`
}

// CorpusEntry 一个被接受的合约
type CorpusEntry struct {
	Address          string    `json:"address"`
	Bucket           string    `json:"bucket"`
	SourceCode       string    `json:"-"`
	RuntimeBytecode  string    `json:"runtime_bytecode"`
	CreationBytecode string    `json:"creation_bytecode,omitempty"`
	Record           LogRecord `json:"record"`
	SavedAt          time.Time `json:"saved_at"`
}
