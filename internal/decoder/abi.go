package decoder

import (
	"encoding/json"
	"strings"

	"solcorpus/internal/errors"
)

// AbiParam ABI中的一个参数描述
type AbiParam struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	InternalType string     `json:"internalType,omitempty"`
	Components   []AbiParam `json:"components,omitempty"`
	Indexed      bool       `json:"indexed,omitempty"`
}

// AbiEntry ABI数组中的一个条目
type AbiEntry struct {
	Type            string     `json:"type"`
	Name            string     `json:"name,omitempty"`
	Inputs          []AbiParam `json:"inputs"`
	Outputs         []AbiParam `json:"outputs,omitempty"`
	StateMutability string     `json:"stateMutability,omitempty"`
}

// ParseABI 解析ABI JSON文本
func ParseABI(text string) ([]AbiEntry, error) {
	var entries []AbiEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &entries); err != nil {
		return nil, errors.NewMalformedABIError("ABI不是合法的JSON数组", err)
	}
	return entries, nil
}

// FindConstructor 查找构造函数条目
func FindConstructor(entries []AbiEntry) (*AbiEntry, bool) {
	for i := range entries {
		if entries[i].Type == "constructor" {
			return &entries[i], true
		}
	}
	return nil, false
}

// ResolveType 生成参数的规范类型签名
//
// 基础类型原样返回；tuple 展开为 "(c1,c2,...)"；tuple[] 与 tuple[N] 在展开后保留原始的数组后缀。
func ResolveType(p AbiParam) string {
	switch {
	case p.Type == "tuple":
		return "(" + resolveComponents(p.Components) + ")"
	case strings.HasPrefix(p.Type, "tuple["):
		return "(" + resolveComponents(p.Components) + ")" + strings.TrimPrefix(p.Type, "tuple")
	default:
		return p.Type
	}
}

func resolveComponents(components []AbiParam) string {
	parts := make([]string, len(components))
	for i, c := range components {
		parts[i] = ResolveType(c)
	}
	return strings.Join(parts, ",")
}

// ResolveTypes 按声明顺序生成一组参数的规范签名
func ResolveTypes(params []AbiParam) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = ResolveType(p)
	}
	return out
}
