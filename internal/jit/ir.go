package jit

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// IR 指令定义
// ============================================================================

// Ref IR 值的标识，即指令在缓冲区中的下标
type Ref int32

// NoRef 无操作数
const NoRef Ref = -1

// IROp IR 操作码
type IROp uint8

const (
	// 值来源
	IR_PARAM IROp = iota // 从状态区读取槽位
	IR_IMM               // 立即数

	// 整数运算（64 位寄存器中的 int32 值）
	IR_ADD
	IR_SUB
	IR_MUL
	IR_AND
	IR_OR
	IR_XOR
	IR_SHL
	IR_SAR

	// 带溢出检测的 int32 运算
	IR_ADDOV
	IR_SUBOV
	IR_MULOV

	// 浮点运算
	IR_FADD
	IR_FSUB
	IR_FMUL
	IR_FDIV

	// 一元运算
	IR_NEG
	IR_NOT
	IR_NEGOV
	IR_FNEG
	IR_I2F

	// 整数比较
	IR_EQ
	IR_NE
	IR_LT
	IR_LE
	IR_GT
	IR_GE

	// 浮点比较
	IR_FEQ
	IR_FNE
	IR_FLT
	IR_FLE
	IR_FGT
	IR_FGE

	// 副作用
	IR_STORE // 写回状态区槽位
	IR_CALL  // 调用辅助函数

	// 守卫
	IR_XT  // 条件为假时退出
	IR_XF  // 条件为真时退出
	IR_XOV // 前一条溢出运算溢出时退出

	// 终止指令
	IR_LOOP  // 跳回本 trace 的循环顶
	IR_JTREE // 跳到 trace 树根的循环顶

	numIROps
)

var irOpNames = [...]string{
	IR_PARAM: "param", IR_IMM: "imm",
	IR_ADD: "add", IR_SUB: "sub", IR_MUL: "mul", IR_AND: "and", IR_OR: "or", IR_XOR: "xor",
	IR_SHL: "shl", IR_SAR: "sar",
	IR_ADDOV: "addov", IR_SUBOV: "subov", IR_MULOV: "mulov",
	IR_FADD: "fadd", IR_FSUB: "fsub", IR_FMUL: "fmul", IR_FDIV: "fdiv",
	IR_NEG: "neg", IR_NOT: "not", IR_NEGOV: "negov", IR_FNEG: "fneg", IR_I2F: "i2f",
	IR_EQ: "eq", IR_NE: "ne", IR_LT: "lt", IR_LE: "le", IR_GT: "gt", IR_GE: "ge",
	IR_FEQ: "feq", IR_FNE: "fne", IR_FLT: "flt", IR_FLE: "fle", IR_FGT: "fgt", IR_FGE: "fge",
	IR_STORE: "store", IR_CALL: "call",
	IR_XT: "xt", IR_XF: "xf", IR_XOV: "xov",
	IR_LOOP: "loop", IR_JTREE: "jtree",
}

// String 返回 IR 操作码的字符串表示
func (op IROp) String() string {
	if int(op) < len(irOpNames) && irOpNames[op] != "" {
		return irOpNames[op]
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// IRInst IR 指令
type IRInst struct {
	Op     IROp
	A, B   Ref       // 操作数
	Type   Type      // 结果类型
	Slot   Addr      // IR_PARAM / IR_STORE 的槽位地址
	Imm    Immediate // IR_IMM 的值
	Helper HelperID  // IR_CALL 的辅助函数
	Args   []Ref     // IR_CALL 的参数
	Exit   *SideExit // 守卫的侧出口
	PC     int       // 对应的字节码位置（调试用）
}

// ============================================================================
// 指令分类
// ============================================================================

var binaryMachineOps = map[IROp]platform.Op{
	IR_ADD: platform.OpAdd, IR_SUB: platform.OpSub, IR_MUL: platform.OpMul,
	IR_AND: platform.OpAnd, IR_OR: platform.OpOr, IR_XOR: platform.OpXor,
	IR_SHL: platform.OpShl32, IR_SAR: platform.OpSar32,
	IR_ADDOV: platform.OpAddOv, IR_SUBOV: platform.OpSubOv, IR_MULOV: platform.OpMulOv,
	IR_FADD: platform.OpFAdd, IR_FSUB: platform.OpFSub, IR_FMUL: platform.OpFMul, IR_FDIV: platform.OpFDiv,
}

var unaryMachineOps = map[IROp]platform.Op{
	IR_NEG: platform.OpNeg, IR_NOT: platform.OpNot, IR_NEGOV: platform.OpNegOv,
	IR_FNEG: platform.OpFNeg, IR_I2F: platform.OpI2F,
}

// IsBinaryOp 检查指令是否是二元算术
func (op IROp) IsBinaryOp() bool {
	_, ok := binaryMachineOps[op]
	return ok
}

// IsUnaryOp 检查指令是否是一元算术
func (op IROp) IsUnaryOp() bool {
	_, ok := unaryMachineOps[op]
	return ok
}

// IsCompare 检查指令是否是比较
func (op IROp) IsCompare() bool {
	return op >= IR_EQ && op <= IR_FGE
}

// IsOverflowOp 检查指令是否设置溢出标志
func (op IROp) IsOverflowOp() bool {
	switch op {
	case IR_ADDOV, IR_SUBOV, IR_MULOV, IR_NEGOV:
		return true
	}
	return false
}

// IsGuard 检查指令是否是守卫
func (op IROp) IsGuard() bool {
	return op == IR_XT || op == IR_XF || op == IR_XOV
}

// IsTerminal 检查指令是否是终止指令
func (op IROp) IsTerminal() bool {
	return op == IR_LOOP || op == IR_JTREE
}

// HasResult 指令是否产生值
func (op IROp) HasResult() bool {
	switch op {
	case IR_STORE, IR_XT, IR_XF, IR_XOV, IR_LOOP, IR_JTREE:
		return false
	}
	return true
}

// MachineOp 算术指令对应的机器操作
func (op IROp) MachineOp() platform.Op {
	if m, ok := binaryMachineOps[op]; ok {
		return m
	}
	if m, ok := unaryMachineOps[op]; ok {
		return m
	}
	panic(fmt.Sprintf("jit: %s has no machine op", op))
}

// Cond 比较指令的条件与是否为浮点比较
func (op IROp) Cond() (platform.Cond, bool) {
	if !op.IsCompare() {
		panic(fmt.Sprintf("jit: %s is not a compare", op))
	}
	if op >= IR_FEQ {
		return platform.Cond(op - IR_FEQ), true
	}
	return platform.Cond(op - IR_EQ), false
}

// Operands 指令直接引用的值
func (inst *IRInst) Operands() []Ref {
	var out []Ref
	if inst.A != NoRef {
		out = append(out, inst.A)
	}
	if inst.B != NoRef {
		out = append(out, inst.B)
	}
	return append(out, inst.Args...)
}

// ============================================================================
// IR 缓冲区
// ============================================================================

// Buffer 只追加的 IR 缓冲区
//
// 操作数必须先于使用者出现；Seal 之后缓冲区只读，最后一条指令是终止指令。
type Buffer struct {
	insts  []IRInst
	sealed bool
}

// NewBuffer 创建缓冲区
func NewBuffer() *Buffer {
	return &Buffer{insts: make([]IRInst, 0, 64)}
}

// Len 指令数
func (b *Buffer) Len() int {
	return len(b.insts)
}

// Sealed 是否已封闭
func (b *Buffer) Sealed() bool {
	return b.sealed
}

// At 取指令
func (b *Buffer) At(r Ref) *IRInst {
	return &b.insts[r]
}

// Last 终止指令，未封闭时返回 NoRef
func (b *Buffer) Last() Ref {
	if !b.sealed {
		return NoRef
	}
	return Ref(len(b.insts) - 1)
}

// Append 追加指令，返回其标识
func (b *Buffer) Append(inst IRInst) Ref {
	if b.sealed {
		panic("jit: append to sealed IR buffer")
	}
	n := Ref(len(b.insts))
	for _, r := range inst.Operands() {
		if r < 0 || r >= n {
			panic(fmt.Sprintf("jit: %s at %d references %d before its definition", inst.Op, n, r))
		}
		if !b.insts[r].Op.HasResult() {
			panic(fmt.Sprintf("jit: %s at %d uses valueless %s at %d", inst.Op, n, b.insts[r].Op, r))
		}
	}
	if inst.Exit != nil {
		for _, e := range inst.Exit.Snapshot {
			if e.Ref < 0 || e.Ref >= n {
				panic(fmt.Sprintf("jit: snapshot of guard at %d references %d", n, e.Ref))
			}
		}
	}
	if inst.Op == IR_XOV {
		if n == 0 || inst.A != n-1 || !b.insts[n-1].Op.IsOverflowOp() {
			panic(fmt.Sprintf("jit: xov at %d must follow its overflow op", n))
		}
	}
	if inst.Op.IsGuard() && inst.Exit == nil {
		panic(fmt.Sprintf("jit: guard at %d has no side exit", n))
	}
	b.insts = append(b.insts, inst)
	return n
}

// Seal 封闭缓冲区
func (b *Buffer) Seal() {
	if b.sealed {
		panic("jit: IR buffer sealed twice")
	}
	if len(b.insts) == 0 || !b.insts[len(b.insts)-1].Op.IsTerminal() {
		panic("jit: IR buffer must end with a terminal instruction")
	}
	b.sealed = true
}

// Reset 清空缓冲区以便复用
func (b *Buffer) Reset() {
	b.insts = b.insts[:0]
	b.sealed = false
}

// Uses 每个值的使用位置（升序），守卫的快照引用也算作使用
func (b *Buffer) Uses() [][]int32 {
	uses := make([][]int32, len(b.insts))
	for i := range b.insts {
		inst := &b.insts[i]
		for _, r := range inst.Operands() {
			uses[r] = appendUse(uses[r], int32(i))
		}
		if inst.Exit != nil {
			for _, e := range inst.Exit.Snapshot {
				uses[e.Ref] = appendUse(uses[e.Ref], int32(i))
			}
		}
	}
	return uses
}

func appendUse(u []int32, i int32) []int32 {
	if n := len(u); n > 0 && u[n-1] == i {
		return u
	}
	return append(u, i)
}

// Validate 检查封闭后的缓冲区
func (b *Buffer) Validate() error {
	if !b.sealed {
		return errors.New("jit: IR buffer not sealed")
	}
	for i := range b.insts {
		inst := &b.insts[i]
		if inst.Op >= numIROps {
			return errors.Errorf("jit: bad opcode %d at %d", inst.Op, i)
		}
		if inst.Op.IsTerminal() && i != len(b.insts)-1 {
			return errors.Errorf("jit: terminal %s at %d is not last", inst.Op, i)
		}
		for _, r := range inst.Operands() {
			if r < 0 || int(r) >= i {
				return errors.Errorf("jit: %s at %d references %d", inst.Op, i, r)
			}
		}
		if inst.Op == IR_CALL && len(inst.Args) > maxHelperArgs {
			return errors.Errorf("jit: call at %d has %d args", i, len(inst.Args))
		}
	}
	return nil
}
