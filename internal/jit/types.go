package jit

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// 值类型
// ============================================================================

// Type trace 中值的类型
//
// 解释器状态区中每个槽位保存一个 64 位未装箱值：
// Int 为符号扩展后的 int32，Float 为 IEEE 位模式，Bool 为 0/1，
// Null 为 0，String 为字符串堆句柄。
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
)

var typeLetters = [...]byte{'N', 'B', 'I', 'F', 'S'}
var typeNames = [...]string{"null", "bool", "int", "float", "string"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// Letter 单字母缩写，用于类型映射的紧凑表示
func (t Type) Letter() byte {
	if int(t) < len(typeLetters) {
		return typeLetters[t]
	}
	return '?'
}

// SizeClass 调用辅助函数时的尺寸类别
func (t Type) SizeClass() platform.SizeClass {
	switch t {
	case TypeInt, TypeBool:
		return platform.SizeInt
	case TypeFloat:
		return platform.SizeFloat
	}
	return platform.SizePtr
}

// IsNumber 是否为数值类型
func (t Type) IsNumber() bool {
	return t == TypeInt || t == TypeFloat
}

// TypeMap 每个槽位的类型
type TypeMap []Type

// Equal 比较两个类型映射
func (m TypeMap) Equal(o TypeMap) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if m[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone 复制类型映射
func (m TypeMap) Clone() TypeMap {
	return append(TypeMap(nil), m...)
}

func (m TypeMap) String() string {
	var sb strings.Builder
	for _, t := range m {
		sb.WriteByte(t.Letter())
	}
	return sb.String()
}

// ParseTypeMap 解析 String 的输出
func ParseTypeMap(s string) (TypeMap, error) {
	m := make(TypeMap, len(s))
	for i := 0; i < len(s); i++ {
		found := false
		for t, l := range typeLetters {
			if l == s[i] {
				m[i] = Type(t)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("jit: bad type letter %q in %q", s[i], s)
		}
	}
	return m, nil
}

// ============================================================================
// 立即数
// ============================================================================

// Handle 堆对象句柄
type Handle uint32

// ImmKind 立即数种类
type ImmKind uint8

const (
	ImmInt ImmKind = iota
	ImmFloat
	ImmPtr
)

// Immediate 带标签的立即数：整数、浮点或堆句柄
type Immediate struct {
	Kind ImmKind
	bits uint64
}

// IntImm 整数立即数
func IntImm(v int64) Immediate { return Immediate{Kind: ImmInt, bits: uint64(v)} }

// FloatImm 浮点立即数
func FloatImm(f float64) Immediate { return Immediate{Kind: ImmFloat, bits: math.Float64bits(f)} }

// PtrImm 句柄立即数
func PtrImm(h Handle) Immediate { return Immediate{Kind: ImmPtr, bits: uint64(h)} }

// Int 整数值
func (i Immediate) Int() int64 { return int64(i.bits) }

// Float 浮点值
func (i Immediate) Float() float64 { return math.Float64frombits(i.bits) }

// Ptr 句柄值
func (i Immediate) Ptr() Handle { return Handle(i.bits) }

// Bits 机器表示
func (i Immediate) Bits() uint64 { return i.bits }

func (i Immediate) String() string {
	switch i.Kind {
	case ImmFloat:
		return fmt.Sprintf("%g", i.Float())
	case ImmPtr:
		return fmt.Sprintf("@%d", i.Ptr())
	}
	return fmt.Sprintf("%d", i.Int())
}

// ImmFor 按类型把未装箱值包装成立即数
func ImmFor(t Type, bits uint64) Immediate {
	switch t {
	case TypeFloat:
		return Immediate{Kind: ImmFloat, bits: bits}
	case TypeString:
		return Immediate{Kind: ImmPtr, bits: bits}
	}
	return Immediate{Kind: ImmInt, bits: bits}
}
