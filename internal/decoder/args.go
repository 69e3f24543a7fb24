package decoder

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Arg 一个已解码的具名参数
type Arg struct {
	Name  string
	Type  string
	Value interface{}
}

// Args 保持声明顺序的参数列表，序列化为JSON对象
type Args []Arg

// MarshalJSON 按声明顺序输出 {name: value}
func (a Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, arg := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(arg.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(arg.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get 按名称取值
func (a Args) Get(name string) (interface{}, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// Names 参数名列表
func (a Args) Names() []string {
	names := make([]string, len(a))
	for i, arg := range a {
		names[i] = arg.Name
	}
	return names
}

// Signature 参数类型组成的签名，如 "(address,uint256)"
func (a Args) Signature() string {
	types := make([]string, len(a))
	for i, arg := range a {
		types[i] = arg.Type
	}
	return "(" + strings.Join(types, ",") + ")"
}

// project 将位置解码结果映射回参数名
//
// 只命名第一层元组：tuple 参数得到 {组件名: 值}，tuple[] / tuple[N] 的每个元素同样处理，
// 更深层的嵌套元组保持为位置列表。
func project(p AbiParam, t abi.Type, v interface{}) interface{} {
	switch t.T {
	case abi.TupleTy:
		return nameTuple(p.Components, t, v)
	case abi.SliceTy, abi.ArrayTy:
		if strings.HasPrefix(p.Type, "tuple[") {
			return projectTupleArray(p, t, reflect.ValueOf(v))
		}
	}
	return normalize(t, v)
}

func projectTupleArray(p AbiParam, t abi.Type, rv reflect.Value) interface{} {
	items := make([]interface{}, rv.Len())
	for i := range items {
		elem := rv.Index(i).Interface()
		if t.Elem.T == abi.TupleTy {
			items[i] = nameTuple(p.Components, *t.Elem, elem)
		} else {
			items[i] = projectTupleArray(p, *t.Elem, rv.Index(i))
		}
	}
	return items
}

func nameTuple(components []AbiParam, t abi.Type, v interface{}) Args {
	rv := reflect.ValueOf(v)
	n := len(t.TupleElems)
	if rv.Kind() == reflect.Struct && rv.NumField() < n {
		n = rv.NumField()
	}

	out := make(Args, 0, n)
	for i := 0; i < n; i++ {
		var c AbiParam
		if i < len(components) {
			c = components[i]
		}
		out = append(out, Arg{
			Name:  paramName(c.Name, "field", i),
			Type:  ResolveType(c),
			Value: normalize(*t.TupleElems[i], rv.Field(i).Interface()),
		})
	}
	return out
}

// normalize 将go-ethereum的解码结果转换为可直接序列化的值
func normalize(t abi.Type, v interface{}) interface{} {
	switch t.T {
	case abi.TupleTy:
		rv := reflect.ValueOf(v)
		out := make([]interface{}, len(t.TupleElems))
		for i := range out {
			out[i] = normalize(*t.TupleElems[i], rv.Field(i).Interface())
		}
		return out
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = normalize(*t.Elem, rv.Index(i).Interface())
		}
		return out
	case abi.BytesTy:
		return hexutil.Bytes(v.([]byte))
	case abi.FixedBytesTy, abi.FunctionTy:
		rv := reflect.ValueOf(v)
		b := make([]byte, rv.Len())
		for i := range b {
			b[i] = byte(rv.Index(i).Uint())
		}
		return hexutil.Bytes(b)
	default:
		return v
	}
}
