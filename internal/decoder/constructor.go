package decoder

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"solcorpus/internal/errors"
)

const wordSize = 32

// DecodeConstructorArgs 按ABI中的构造函数声明解码构造参数
//
// 参数为空时返回空结果；ABI缺少构造函数条目时返回 MissingConstructor 错误。
func DecodeConstructorArgs(abiText, payload string) (Args, error) {
	raw := strip0x(strings.TrimSpace(payload))
	if raw == "" {
		return Args{}, nil
	}

	entries, err := ParseABI(abiText)
	if err != nil {
		return nil, err
	}
	ctor, ok := FindConstructor(entries)
	if !ok {
		return nil, errors.NewMissingConstructorError()
	}

	data, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.NewDecodeLengthError("构造参数不是合法的十六进制", err)
	}
	return DecodeInputs(ctor.Inputs, data)
}

// DecodeInputs 按参数声明顺序对原始字节做位置解码，并映射回参数名
func DecodeInputs(inputs []AbiParam, data []byte) (Args, error) {
	if len(data) == 0 {
		return Args{}, nil
	}
	if len(data)%wordSize != 0 {
		return nil, errors.NewDecodeLengthError(
			fmt.Sprintf("构造参数长度 %d 不是 %d 字节的整数倍", len(data), wordSize), nil)
	}
	if len(inputs) == 0 {
		return nil, errors.NewDecodeLengthError(
			fmt.Sprintf("构造函数没有声明参数，但收到 %d 字节", len(data)), nil)
	}

	signatures := ResolveTypes(inputs)
	arguments := make(abi.Arguments, len(inputs))
	for i, sig := range signatures {
		typ, err := typeFromSignature(sig)
		if err != nil {
			return nil, errors.NewMalformedABIError(fmt.Sprintf("无法识别参数类型 %s", sig), err)
		}
		arguments[i] = abi.Argument{Name: inputs[i].Name, Type: typ}
	}

	values, err := arguments.UnpackValues(data)
	if err != nil {
		return nil, errors.NewDecodeLengthError("构造参数与声明的类型不一致", err)
	}
	if len(values) != len(inputs) {
		return nil, errors.NewDecodeLengthError(
			fmt.Sprintf("解码得到 %d 个值，声明了 %d 个参数", len(values), len(inputs)), nil)
	}
	if n, ok := encodedLength(arguments, values); ok && len(data) > n {
		return nil, errors.NewDecodeLengthError(
			fmt.Sprintf("构造参数有 %d 字节，声明的类型只占 %d 字节", len(data), n), nil)
	}

	out := make(Args, len(inputs))
	for i, in := range inputs {
		out[i] = Arg{
			Name:  paramName(in.Name, "arg", i),
			Type:  signatures[i],
			Value: project(in, arguments[i].Type, values[i]),
		}
	}
	return out, nil
}

// encodedLength 解码结果按规范编码后的长度，无法重新编码时不做检查
func encodedLength(arguments abi.Arguments, values []interface{}) (int, bool) {
	packed, err := arguments.Pack(values...)
	if err != nil {
		return 0, false
	}
	return len(packed), true
}

// paramName 未命名的参数使用 <prefix><index>
func paramName(name, prefix string, index int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s%d", prefix, index)
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
