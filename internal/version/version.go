package version

import (
	"regexp"
	"strings"
)

var (
	pragmaPattern     = regexp.MustCompile(`pragma\s+solidity\s+([^;]+);?`)
	disallowedChars   = regexp.MustCompile(`[^0-9a-zA-Z.+\-]`)
	compilerPattern   = regexp.MustCompile(`v?(\d+\.\d+\.\d+)`)
	majorMinorPattern = regexp.MustCompile(`^(\d+\.\d+)`)
	digitPattern      = regexp.MustCompile(`\d`)
)

// PragmaVersion 提取源码中第一个 pragma solidity 声明的版本
//
// 版本表达式按空白切分，逐个去掉 [0-9A-Za-z.+-] 以外的字符，返回第一个仍含数字的片段：
// "^0.8.19" -> "0.8.19"，">=0.6.0 <0.8.0" -> "0.6.0"，">= 0.5.0" -> "0.5.0"。
func PragmaVersion(source string) (string, bool) {
	m := pragmaPattern.FindStringSubmatch(source)
	if m == nil {
		return "", false
	}

	for _, token := range strings.Fields(m[1]) {
		cleaned := disallowedChars.ReplaceAllString(token, "")
		if digitPattern.MatchString(cleaned) {
			return cleaned, true
		}
	}
	return "", false
}

// CompilerVersion 规范化编译器版本：v0.8.20+commit.a1b79de6 -> 0.8.20
func CompilerVersion(raw string) (string, bool) {
	m := compilerPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MajorMinor 取版本号的 major.minor 部分
func MajorMinor(v string) (string, bool) {
	m := majorMinorPattern.FindStringSubmatch(v)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Bucket 由 pragma 版本得到分区键："0.8.30" -> "0_8"
func Bucket(pragma string) string {
	parts := strings.Split(strings.ReplaceAll(pragma, ".", "_"), "_")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "_")
}

// Agree 判断 pragma 与编译器版本的 major.minor 是否一致
func Agree(pragma, compiler string) bool {
	pm, ok := MajorMinor(pragma)
	if !ok {
		return false
	}
	cv, ok := CompilerVersion(compiler)
	if !ok {
		return false
	}
	cm, ok := MajorMinor(cv)
	if !ok {
		return false
	}
	return pm == cm
}
