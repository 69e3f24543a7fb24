package validation

import (
	"fmt"
	"strings"

	"solcorpus/internal/version"
	"solcorpus/pkg/models"

	"github.com/sirupsen/logrus"
)

// 规则名称，同时用作统计与日志中的拒绝原因标签
const (
	RuleNonProxy         = "non-proxy"
	RuleInlineSource     = "inline-source"
	RulePresence         = "presence"
	RuleVersionAgreement = "version-agreement"
	RuleNoLibraries      = "no-libraries"
	RuleABIPresent       = "abi-present"
)

// Candidate 待校验的合约
//
// 字节码为 nil 表示调用方没有提供（尚未获取），空切片表示链上返回了空代码。
type Candidate struct {
	Address          string
	Metadata         *models.ContractMetadata
	RuntimeBytecode  []byte
	CreationBytecode []byte
}

// Rejection 校验未通过的原因
type Rejection struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Rule, r.Reason)
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Name() string
	Description() string
	// NeedsBytecode 规则是否依赖字节码
	NeedsBytecode() bool
	// Check 返回拒绝原因；通过时返回空字符串
	Check(c *Candidate) string
}

// Validator 候选合约验证器，按注册顺序执行规则并在第一次失败时停止
type Validator struct {
	logger *logrus.Logger
	rules  []ValidationRule
}

// NewValidator 创建带默认规则的验证器
func NewValidator(logger *logrus.Logger) *Validator {
	v := &Validator{logger: logger}
	v.registerDefaultRules()
	return v
}

// registerDefaultRules 注册默认验证规则，顺序即执行顺序
func (v *Validator) registerDefaultRules() {
	v.AddRule(nonProxyRule{})
	v.AddRule(inlineSourceRule{})
	v.AddRule(presenceRule{})
	v.AddRule(versionAgreementRule{})
	v.AddRule(noLibrariesRule{})
	v.AddRule(abiPresentRule{})
}

// AddRule 在规则链末尾追加规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// Rules 返回规则名称列表
func (v *Validator) Rules() []string {
	names := make([]string, len(v.rules))
	for i, r := range v.rules {
		names[i] = r.Name()
	}
	return names
}

// Validate 执行全部规则，返回第一个失败的规则；全部通过时返回 nil
func (v *Validator) Validate(c *Candidate) *Rejection {
	return v.run(c, false)
}

// Screen 只执行不依赖字节码的前置规则，用于在获取字节码之前尽早淘汰
func (v *Validator) Screen(c *Candidate) *Rejection {
	return v.run(c, true)
}

func (v *Validator) run(c *Candidate, screenOnly bool) (rejection *Rejection) {
	var current string
	defer func() {
		if r := recover(); r != nil {
			v.logger.WithField("rule", current).Errorf("验证规则发生panic: %v", r)
			rejection = &Rejection{Rule: current, Reason: fmt.Sprintf("规则执行异常: %v", r)}
		}
	}()

	if c == nil {
		c = &Candidate{}
	}
	for _, rule := range v.rules {
		if screenOnly && rule.NeedsBytecode() {
			return nil
		}
		current = rule.Name()
		if reason := rule.Check(c); reason != "" {
			return &Rejection{Rule: rule.Name(), Reason: reason}
		}
	}
	return nil
}

// nonProxyRule 代理合约的源码与部署字节码不一一对应
type nonProxyRule struct{}

func (nonProxyRule) Name() string        { return RuleNonProxy }
func (nonProxyRule) Description() string { return "拒绝代理合约" }
func (nonProxyRule) NeedsBytecode() bool { return false }

func (nonProxyRule) Check(c *Candidate) string {
	if c.Metadata.IsProxy() {
		return "代理合约"
	}
	return ""
}

// inlineSourceRule 以 { 开头的源码是标准JSON输入格式，不做解析
type inlineSourceRule struct{}

func (inlineSourceRule) Name() string        { return RuleInlineSource }
func (inlineSourceRule) Description() string { return "只接受单文件源码" }
func (inlineSourceRule) NeedsBytecode() bool { return false }

func (inlineSourceRule) Check(c *Candidate) string {
	if c.Metadata != nil && strings.HasPrefix(strings.TrimSpace(c.Metadata.SourceCode), "{") {
		return "源码为JSON格式的多文件提交"
	}
	return ""
}

type presenceRule struct{}

func (presenceRule) Name() string        { return RulePresence }
func (presenceRule) Description() string { return "源码与字节码必须存在" }
func (presenceRule) NeedsBytecode() bool { return true }

func (presenceRule) Check(c *Candidate) string {
	switch {
	case c.Metadata == nil:
		return "没有已验证的元数据"
	case strings.TrimSpace(c.Metadata.SourceCode) == "":
		return "源码为空"
	case len(c.RuntimeBytecode) == 0:
		return "运行时字节码为空"
	case c.CreationBytecode != nil && len(c.CreationBytecode) == 0:
		return "创建字节码为空"
	}
	return ""
}

type versionAgreementRule struct{}

func (versionAgreementRule) Name() string        { return RuleVersionAgreement }
func (versionAgreementRule) Description() string { return "pragma 与编译器的 major.minor 一致" }
func (versionAgreementRule) NeedsBytecode() bool { return false }

func (versionAgreementRule) Check(c *Candidate) string {
	pragma, ok := version.PragmaVersion(c.Metadata.SourceCode)
	if !ok {
		return "源码中没有 pragma solidity 声明"
	}
	if !version.Agree(pragma, c.Metadata.CompilerVersion) {
		return fmt.Sprintf("pragma %s 与编译器 %s 不一致", pragma, c.Metadata.CompilerVersion)
	}
	return ""
}

type noLibrariesRule struct{}

func (noLibrariesRule) Name() string        { return RuleNoLibraries }
func (noLibrariesRule) Description() string { return "不接受链接外部库的合约" }
func (noLibrariesRule) NeedsBytecode() bool { return false }

func (noLibrariesRule) Check(c *Candidate) string {
	if c.Metadata.HasLibraries() {
		return fmt.Sprintf("链接了外部库 %s", c.Metadata.Library)
	}
	return ""
}

type abiPresentRule struct{}

func (abiPresentRule) Name() string        { return RuleABIPresent }
func (abiPresentRule) Description() string { return "ABI 必须存在" }
func (abiPresentRule) NeedsBytecode() bool { return false }

func (abiPresentRule) Check(c *Candidate) string {
	if strings.TrimSpace(c.Metadata.ABI) == "" {
		return "ABI为空"
	}
	return ""
}
