package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"solcorpus/internal/corpus"
	"solcorpus/internal/decoder"
	"solcorpus/internal/errors"
	"solcorpus/internal/logging"
	"solcorpus/internal/validation"
	"solcorpus/internal/version"
	"solcorpus/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// processCreation 处理一笔合约创建交易，所有失败都在这里记录并吞掉
func (s *Scanner) processCreation(ctx context.Context, tx *models.Transaction) {
	log := logging.TransactionLogger(s.logger, tx.BlockNumber, tx.Hash)

	defer func() {
		if r := recover(); r != nil {
			s.stats.txErrors.Add(1)
			log.Errorf("处理合约创建交易时发生panic: %v", r)
		}
	}()

	if err := s.pipeline(ctx, tx, log); err != nil {
		s.stats.txErrors.Add(1)
		if se, ok := errors.As(err); ok && se.TxHash == nil {
			err = se.WithTxHash(tx.Hash)
		}
		s.errors.Handle(err)
	}
}

// pipeline 收据 -> 元数据 -> 预筛 -> 运行时字节码 -> 完整校验 -> 分区 -> 解码 -> 持久化 -> 输出
func (s *Scanner) pipeline(ctx context.Context, tx *models.Transaction, log *logrus.Entry) error {
	receipt, err := callWithTimeout(s, ctx, func(c context.Context) (*models.Receipt, error) {
		return s.chain.ReceiptOf(c, tx.Hash)
	})
	if err != nil {
		return err
	}
	if receipt == nil || receipt.ContractAddress == "" {
		return errors.NewExternalAPIError("scanner", "收据中没有合约地址", nil).WithTxHash(tx.Hash)
	}
	address := receipt.ContractAddress
	log = log.WithField("address", address)

	meta, err := callWithTimeout(s, ctx, func(c context.Context) (*models.ContractMetadata, error) {
		return s.metadata.MetadataOf(c, address)
	})
	if err != nil {
		return withAddress(err, address)
	}

	candidate := &validation.Candidate{Address: address, Metadata: meta}
	if creation, err := hexutil.Decode(ensure0x(tx.Input)); err == nil {
		candidate.CreationBytecode = creation
	}

	// 代理与多文件源码在获取字节码之前就淘汰
	if rejection := s.validator.Screen(candidate); rejection != nil {
		s.reject(log, rejection)
		return nil
	}

	// 未验证的合约交给 presence 规则拒绝，不再获取字节码
	if meta != nil {
		code, err := callWithTimeout(s, ctx, func(c context.Context) ([]byte, error) {
			return s.chain.CodeAt(c, address)
		})
		if err != nil {
			return withAddress(err, address)
		}
		candidate.RuntimeBytecode = code
	}

	if rejection := s.validator.Validate(candidate); rejection != nil {
		s.reject(log, rejection)
		return nil
	}

	pragma, ok := version.PragmaVersion(meta.SourceCode)
	if !ok {
		s.reject(log, &validation.Rejection{Rule: validation.RuleVersionAgreement, Reason: "源码中没有 pragma solidity 声明"})
		return nil
	}
	bucket := version.Bucket(pragma)

	if !json.Valid([]byte(meta.ABI)) {
		return errors.NewMalformedABIError("ABI 不是合法的 JSON", nil).WithAddress(address)
	}
	decoded, err := decoder.DecodeConstructorArgs(meta.ABI, meta.ConstructorArguments)
	if err != nil {
		return withAddress(err, address)
	}

	entry := &models.CorpusEntry{
		Address:          address,
		Bucket:           bucket,
		SourceCode:       meta.SourceCode,
		RuntimeBytecode:  hexutil.Encode(candidate.RuntimeBytecode),
		CreationBytecode: ensure0x(tx.Input),
		Record: models.LogRecord{
			Pragma:                      pragma,
			CompilerVersion:             meta.CompilerVersion,
			CompilerType:                meta.CompilerType,
			Optimization:                meta.OptimizationUsed,
			Runs:                        meta.Runs,
			EVMVersion:                  meta.EVMVersion,
			ContractName:                meta.ContractName,
			ABI:                         json.RawMessage(meta.ABI),
			ConstructorArguments:        meta.ConstructorArguments,
			ConstructorArgumentsDecoded: decoded,
			BlockNumber:                 tx.BlockNumber,
			TransactionHash:             tx.Hash,
		},
	}

	outcome, err := s.store.Persist(entry)
	if err != nil {
		return withAddress(err, address)
	}

	log = log.WithField("bucket", bucket)
	switch outcome {
	case corpus.Saved:
		s.stats.accepted.Add(1)
		log.Infof("已保存合约 %s (%s) 到分区 %s", address, meta.ContractName, bucket)
		if err := s.outputter.WriteEntry(entry); err != nil {
			log.Warnf("输出合约条目失败: %v", err)
		}
	case corpus.AlreadyPersisted:
		s.stats.alreadyPersisted.Add(1)
		log.Infof("合约 %s 已存在于分区 %s，跳过", address, bucket)
	case corpus.QuotaExhausted:
		s.stats.quotaExhausted.Add(1)
		log.Infof("分区 %s 已达到配额上限 %d，跳过合约 %s", bucket, s.store.Counter().Limit(bucket), address)
	}
	return nil
}

// callWithTimeout 在独立的超时上下文中执行一次外部调用
func callWithTimeout[T any](s *Scanner, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return fn(callCtx)
}

func (s *Scanner) reject(log *logrus.Entry, rejection *validation.Rejection) {
	s.stats.reject(rejection.Rule)
	log.WithField("rule", rejection.Rule).Infof("跳过合约: %s", rejection.Reason)
}

func withAddress(err error, address string) error {
	if se, ok := errors.As(err); ok {
		if se.Address == "" {
			se = se.WithAddress(address)
		}
		return se
	}
	return fmt.Errorf("%s: %w", address, err)
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
