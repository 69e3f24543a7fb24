package decoder

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// typeFromSignature 将规范签名（如 "(uint256,(address,bool)[])[2]"）转换为 abi.Type
func typeFromSignature(sig string) (abi.Type, error) {
	p := &sigParser{s: sig}
	m, err := p.parseType("")
	if err != nil {
		return abi.Type{}, err
	}
	if p.pos != len(p.s) {
		return abi.Type{}, fmt.Errorf("签名 %q 在位置 %d 存在多余字符", sig, p.pos)
	}
	return abi.NewType(m.Type, "", m.Components)
}

// sigParser 规范签名的递归下降解析器
type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

// parseType 解析一个类型及其数组后缀；元组成员以 f0、f1... 命名以满足 abi.NewType 的字段要求
func (p *sigParser) parseType(name string) (abi.ArgumentMarshaling, error) {
	out := abi.ArgumentMarshaling{Name: name}

	if p.peek() == '(' {
		p.pos++
		if p.peek() != ')' {
			for i := 0; ; i++ {
				c, err := p.parseType(fmt.Sprintf("f%d", i))
				if err != nil {
					return out, err
				}
				out.Components = append(out.Components, c)
				if p.peek() != ',' {
					break
				}
				p.pos++
			}
		}
		if p.peek() != ')' {
			return out, fmt.Errorf("签名 %q 在位置 %d 缺少 ')'", p.s, p.pos)
		}
		p.pos++
		out.Type = "tuple"
	} else {
		start := p.pos
		for p.pos < len(p.s) && isIdentByte(p.s[p.pos]) {
			p.pos++
		}
		if start == p.pos {
			return out, fmt.Errorf("签名 %q 在位置 %d 缺少类型名", p.s, p.pos)
		}
		out.Type = p.s[start:p.pos]
	}

	start := p.pos
	for p.peek() == '[' {
		end := strings.IndexByte(p.s[p.pos:], ']')
		if end < 0 {
			return out, fmt.Errorf("签名 %q 的数组后缀未闭合", p.s)
		}
		p.pos += end + 1
	}
	out.Type += p.s[start:p.pos]

	return out, nil
}

func isIdentByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
