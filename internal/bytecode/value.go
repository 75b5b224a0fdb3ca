package bytecode

import (
	"fmt"
	"math"
	"strconv"
)

// ValueType 值类型
type ValueType byte

const (
	ValNull ValueType = iota
	ValBool
	ValInt
	ValFloat
	ValString
	ValFunc
)

var valueTypeNames = [...]string{"null", "bool", "int", "float", "string", "func"}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("valuetype(%d)", t)
}

// Value 运行时值
//
// Int 始终落在 int32 范围内，超出范围的整数运算结果变为 Float。
type Value struct {
	Type ValueType
	Data interface{}
}

// 预定义常量值
var (
	NullValue  = Value{Type: ValNull}
	TrueValue  = Value{Type: ValBool, Data: true}
	FalseValue = Value{Type: ValBool, Data: false}
	ZeroValue  = Value{Type: ValInt, Data: int64(0)}
)

// NewBool 创建布尔值
func NewBool(b bool) Value {
	if b {
		return TrueValue
	}
	return FalseValue
}

// NewInt 创建整数值，超出 int32 范围时返回 Float
func NewInt(n int64) Value {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return NewFloat(float64(n))
	}
	return Value{Type: ValInt, Data: n}
}

// NewFloat 创建浮点数值
func NewFloat(f float64) Value {
	return Value{Type: ValFloat, Data: f}
}

// NewString 创建字符串值
func NewString(s string) Value {
	return Value{Type: ValString, Data: s}
}

// NewFunc 创建函数值
func NewFunc(fn *Function) Value {
	return Value{Type: ValFunc, Data: fn}
}

// ============================================================================
// 类型判断与取值
// ============================================================================

func (v Value) IsNull() bool   { return v.Type == ValNull }
func (v Value) IsInt() bool    { return v.Type == ValInt }
func (v Value) IsFloat() bool  { return v.Type == ValFloat }
func (v Value) IsString() bool { return v.Type == ValString }
func (v Value) IsNumber() bool { return v.Type == ValInt || v.Type == ValFloat }

// AsBool 布尔值，非布尔类型返回 false
func (v Value) AsBool() bool {
	b, _ := v.Data.(bool)
	return b
}

// AsInt 整数值，Float 截断
func (v Value) AsInt() int64 {
	switch d := v.Data.(type) {
	case int64:
		return d
	case float64:
		return int64(d)
	case bool:
		if d {
			return 1
		}
	}
	return 0
}

// AsFloat 浮点值，Int 转换
func (v Value) AsFloat() float64 {
	switch d := v.Data.(type) {
	case float64:
		return d
	case int64:
		return float64(d)
	}
	return 0
}

// AsString 字符串值
func (v Value) AsString() string {
	s, _ := v.Data.(string)
	return s
}

// AsFunc 函数值
func (v Value) AsFunc() *Function {
	fn, _ := v.Data.(*Function)
	return fn
}

// Truthy 条件跳转使用的真值
//
// null、false、0、0.0 和空字符串为假，NaN 为真。
func (v Value) Truthy() bool {
	switch v.Type {
	case ValNull:
		return false
	case ValBool:
		return v.AsBool()
	case ValInt:
		return v.AsInt() != 0
	case ValFloat:
		return v.AsFloat() != 0 || math.IsNaN(v.AsFloat())
	case ValString:
		return v.AsString() != ""
	}
	return true
}

// Equals eq 运算：数值按数值比较，其他类型必须相同
func (v Value) Equals(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		if v.IsInt() && o.IsInt() {
			return v.AsInt() == o.AsInt()
		}
		return v.AsFloat() == o.AsFloat()
	}
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case ValNull:
		return true
	case ValBool:
		return v.AsBool() == o.AsBool()
	case ValString:
		return v.AsString() == o.AsString()
	case ValFunc:
		return v.AsFunc() == o.AsFunc()
	}
	return false
}

// Identical 类型与位模式都相同，用于比较两次运行的结果
func (v Value) Identical(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	if v.Type == ValFloat {
		return math.Float64bits(v.AsFloat()) == math.Float64bits(o.AsFloat())
	}
	return v.Equals(o)
}

func (v Value) String() string {
	switch v.Type {
	case ValNull:
		return "null"
	case ValBool:
		return strconv.FormatBool(v.AsBool())
	case ValInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case ValFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case ValString:
		return v.AsString()
	case ValFunc:
		if fn := v.AsFunc(); fn != nil {
			return "<func " + fn.Name + ">"
		}
		return "<func>"
	}
	return "<?>"
}

// Repr 带引号的表示，用于反汇编和汇编源码
func (v Value) Repr() string {
	switch v.Type {
	case ValString:
		return strconv.Quote(v.AsString())
	case ValFloat:
		s := v.String()
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			s += ".0"
		}
		return s
	}
	return v.String()
}
