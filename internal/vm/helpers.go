package vm

import (
	"math"

	"github.com/tangzhangming/tracejit/internal/bytecode"
	"github.com/tangzhangming/tracejit/internal/jit"
	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// 算术
// int 运算结果超出 int32 时变为 float，/ 总是得到 float
// ============================================================================

// arith 二元算术与位运算，类型不支持时 ok 为 false
func arith(op bytecode.OpCode, a, b bytecode.Value) (v bytecode.Value, ok bool) {
	ints := a.IsInt() && b.IsInt()
	numbers := a.IsNumber() && b.IsNumber()

	switch op {
	case bytecode.OpAdd:
		if a.IsString() && b.IsString() {
			return bytecode.NewString(a.AsString() + b.AsString()), true
		}
		if ints {
			return bytecode.NewInt(a.AsInt() + b.AsInt()), true
		}
		if numbers {
			return bytecode.NewFloat(a.AsFloat() + b.AsFloat()), true
		}
	case bytecode.OpSub:
		if ints {
			return bytecode.NewInt(a.AsInt() - b.AsInt()), true
		}
		if numbers {
			return bytecode.NewFloat(a.AsFloat() - b.AsFloat()), true
		}
	case bytecode.OpMul:
		if ints {
			return bytecode.NewInt(a.AsInt() * b.AsInt()), true
		}
		if numbers {
			return bytecode.NewFloat(a.AsFloat() * b.AsFloat()), true
		}
	case bytecode.OpDiv:
		if numbers {
			return bytecode.NewFloat(a.AsFloat() / b.AsFloat()), true
		}
	case bytecode.OpMod:
		if ints {
			if b.AsInt() == 0 {
				return bytecode.NewFloat(math.NaN()), true
			}
			return bytecode.NewInt(a.AsInt() % b.AsInt()), true
		}
		if numbers {
			return bytecode.NewFloat(math.Mod(a.AsFloat(), b.AsFloat())), true
		}
	case bytecode.OpBitAnd, bytecode.OpBitOr, bytecode.OpBitXor, bytecode.OpShl, bytecode.OpShr:
		if ints {
			return bytecode.NewInt(int64(bitwise(op, int32(a.AsInt()), int32(b.AsInt())))), true
		}
	}
	return bytecode.NullValue, false
}

// bitwise int32 位运算，移位数取低 5 位
func bitwise(op bytecode.OpCode, a, b int32) int32 {
	switch op {
	case bytecode.OpBitAnd:
		return a & b
	case bytecode.OpBitOr:
		return a | b
	case bytecode.OpBitXor:
		return a ^ b
	case bytecode.OpShl:
		return a << (uint32(b) & 31)
	case bytecode.OpShr:
		return a >> (uint32(b) & 31)
	}
	panic("vm: not a bitwise op " + op.String())
}

// compare 比较运算
//
// eq/ne 适用于任意类型，大小比较只适用于数值和字符串。
func compare(op bytecode.OpCode, a, b bytecode.Value) (bytecode.Value, bool) {
	switch op {
	case bytecode.OpEq:
		return bytecode.NewBool(a.Equals(b)), true
	case bytecode.OpNe:
		return bytecode.NewBool(!a.Equals(b)), true
	}

	var c int
	switch {
	case a.IsInt() && b.IsInt():
		c = cmpInt(a.AsInt(), b.AsInt())
	case a.IsNumber() && b.IsNumber():
		x, y := a.AsFloat(), b.AsFloat()
		if math.IsNaN(x) || math.IsNaN(y) {
			return bytecode.FalseValue, true
		}
		c = cmpFloat(x, y)
	case a.IsString() && b.IsString():
		x, y := a.AsString(), b.AsString()
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	default:
		return bytecode.NullValue, false
	}

	switch op {
	case bytecode.OpLt:
		return bytecode.NewBool(c < 0), true
	case bytecode.OpLe:
		return bytecode.NewBool(c <= 0), true
	case bytecode.OpGt:
		return bytecode.NewBool(c > 0), true
	case bytecode.OpGe:
		return bytecode.NewBool(c >= 0), true
	}
	return bytecode.NullValue, false
}

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// unary 一元运算
func unary(op bytecode.OpCode, a bytecode.Value) (bytecode.Value, bool) {
	switch op {
	case bytecode.OpNeg:
		if a.IsInt() {
			return bytecode.NewInt(-a.AsInt()), true
		}
		if a.IsFloat() {
			return bytecode.NewFloat(-a.AsFloat()), true
		}
	case bytecode.OpBitNot:
		if a.IsInt() {
			return bytecode.NewInt(int64(^int32(a.AsInt()))), true
		}
	case bytecode.OpNot:
		return bytecode.NewBool(!a.Truthy()), true
	}
	return bytecode.NullValue, false
}

// ============================================================================
// 内置函数
// 通过与编译代码相同的辅助函数表执行，两边结果逐位一致
// ============================================================================

// callBuiltin 调用内置函数
func (vm *VM) callBuiltin(desc *jit.HelperDesc, args []bytecode.Value) (bytecode.Value, error) {
	mark := vm.heap.Len()
	raw := make([]uint64, len(args))
	for i, a := range args {
		switch desc.Args[i] {
		case platform.SizeFloat:
			if !a.IsNumber() {
				return bytecode.NullValue, vm.runtimeError("%s: argument %d must be a number, got %s", desc.Name, i+1, a.Type)
			}
			raw[i] = math.Float64bits(a.AsFloat())
		case platform.SizePtr:
			if !a.IsString() {
				return bytecode.NullValue, vm.runtimeError("%s: argument %d must be a string, got %s", desc.Name, i+1, a.Type)
			}
			raw[i] = uint64(vm.heap.Intern(a.AsString()))
		default:
			if !a.IsInt() {
				return bytecode.NullValue, vm.runtimeError("%s: argument %d must be an int, got %s", desc.Name, i+1, a.Type)
			}
			raw[i] = uint64(a.AsInt())
		}
	}
	v := vm.rebox(vm.helpers.Invoke(vm.heap, desc.ID, raw...), desc.ResultType())
	vm.heap.Truncate(mark)
	return v, nil
}
