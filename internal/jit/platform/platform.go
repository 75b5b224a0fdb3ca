// platform.go - 目标平台抽象
//
// 本文件定义了汇编器与具体指令编码器之间的边界：
// 寄存器模型、条件码、机器操作、调用描述以及反向代码写入器。
//
// 汇编器从 trace 的末尾向入口反向生成代码，因此所有编码器都
// 通过 CodeWriter.Prepend 把指令写到当前游标之前。

package platform

import (
	"fmt"
	"math/bits"
)

// ============================================================================
// 寄存器
// ============================================================================

// Reg 物理寄存器编号
type Reg int8

// RegNone 无寄存器
const RegNone Reg = -1

// RegSet 寄存器集合（位图）
type RegSet uint32

// Has 检查集合中是否包含寄存器
func (s RegSet) Has(r Reg) bool {
	return r >= 0 && s&(1<<uint(r)) != 0
}

// With 返回加入寄存器后的集合
func (s RegSet) With(r Reg) RegSet {
	if r < 0 {
		return s
	}
	return s | 1<<uint(r)
}

// Without 返回移除寄存器后的集合
func (s RegSet) Without(r Reg) RegSet {
	if r < 0 {
		return s
	}
	return s &^ (1 << uint(r))
}

// Count 集合大小
func (s RegSet) Count() int {
	return bits.OnesCount32(uint32(s))
}

// First 编号最小的寄存器，空集合返回 RegNone
func (s RegSet) First() Reg {
	if s == 0 {
		return RegNone
	}
	return Reg(bits.TrailingZeros32(uint32(s)))
}

// Regs 按编号顺序列出集合中的寄存器
func (s RegSet) Regs() []Reg {
	out := make([]Reg, 0, s.Count())
	for s != 0 {
		r := s.First()
		out = append(out, r)
		s = s.Without(r)
	}
	return out
}

// SetOf 由寄存器列表构造集合
func SetOf(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.With(r)
	}
	return s
}

// ============================================================================
// 代码地址
// ============================================================================

// CodeAddr 代码区内的偏移
// 所有代码页都位于同一块连续区域中，跨页的相对跳转因此可以直接编码。
type CodeAddr uint32

// String 返回地址的十六进制表示
func (a CodeAddr) String() string {
	return fmt.Sprintf("0x%06x", uint32(a))
}

// ============================================================================
// 机器操作
// ============================================================================

// Op 机器级算术操作
type Op uint8

const (
	// 二元整数运算（64 位）
	OpAdd Op = iota
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor

	// 32 位移位，结果符号扩展
	OpShl32
	OpSar32

	// 32 位带溢出检测的运算，设置溢出标志并符号扩展结果
	OpAddOv
	OpSubOv
	OpMulOv

	// 二元浮点运算
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv

	// 一元运算
	OpNeg
	OpNot
	OpNegOv
	OpFNeg
	OpI2F
)

var opNames = [...]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl32: "shl32", OpSar32: "sar32",
	OpAddOv: "addov", OpSubOv: "subov", OpMulOv: "mulov",
	OpFAdd: "fadd", OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv",
	OpNeg: "neg", OpNot: "not", OpNegOv: "negov", OpFNeg: "fneg", OpI2F: "i2f",
}

// String 返回操作名
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// SetsOverflow 操作是否设置溢出标志
func (op Op) SetsOverflow() bool {
	switch op {
	case OpAddOv, OpSubOv, OpMulOv, OpNegOv:
		return true
	}
	return false
}

// Commutative 操作数是否可交换
func (op Op) Commutative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpAddOv, OpMulOv, OpFAdd, OpFMul:
		return true
	}
	return false
}

// Cond 比较条件
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

// String 返回条件名
func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", c)
}

// GuardCond 守卫分支的跳转条件（条件成立即离开 trace）
type GuardCond uint8

const (
	GuardZero     GuardCond = iota // 寄存器为 0 时跳转
	GuardNonZero                   // 寄存器非 0 时跳转
	GuardOverflow                  // 上一条溢出运算溢出时跳转
)

// String 返回守卫条件名
func (g GuardCond) String() string {
	switch g {
	case GuardZero:
		return "jz"
	case GuardNonZero:
		return "jnz"
	case GuardOverflow:
		return "jo"
	}
	return fmt.Sprintf("guard(%d)", g)
}

// ============================================================================
// 调用约定
// ============================================================================

// SizeClass 参数/返回值的尺寸类别
type SizeClass uint8

const (
	SizeInt   SizeClass = iota // 32 位整数，符号扩展
	SizePtr                    // 指针宽度
	SizeFloat                  // 64 位浮点
)

// String 返回尺寸类别名
func (c SizeClass) String() string {
	switch c {
	case SizeInt:
		return "int"
	case SizePtr:
		return "ptr"
	case SizeFloat:
		return "float"
	}
	return fmt.Sprintf("size(%d)", c)
}

// CallSpec 一次辅助函数调用的编码信息
type CallSpec struct {
	Index   int32       // 辅助函数表下标
	Address uint64      // 辅助函数地址
	Args    []SizeClass // 参数尺寸类别
	Ret     SizeClass   // 返回值尺寸类别
}

// StackArgs 需要通过栈传递的参数个数
func (cs *CallSpec) StackArgs(t *Target) int {
	if n := len(cs.Args) - len(t.ArgRegs); n > 0 {
		return n
	}
	return 0
}

// StackWords 调用前压栈的字数（含对齐填充）
func (cs *CallSpec) StackWords(t *Target) int {
	n := cs.StackArgs(t)
	if t.StackAlign && n%2 == 1 {
		n++
	}
	return n
}

// ============================================================================
// 目标描述
// ============================================================================

// Target 目标平台的寄存器使用约定
type Target struct {
	Name        string
	Allocatable RegSet // 可分配寄存器
	CallerSaved RegSet // 调用者保存的寄存器（调用后失效）
	ArgRegs     []Reg  // 参数寄存器（按顺序）
	RetReg      Reg    // 返回值寄存器
	Scratch     Reg    // 编码器内部使用的临时寄存器（不参与分配）
	ExitReg     Reg    // 退出桩传递守卫编号的寄存器
	StateBase   Reg    // 指向解释器状态区的基址寄存器
	FrameBase   Reg    // 指向活动记录的基址寄存器
	FrameOffset int32  // 0 号溢出槽相对 FrameBase 的偏移
	SlotStride  int32  // 溢出槽之间的步长
	StackAlign  bool   // 栈参数为奇数个时先压入一个填充字，保持 16 字节对齐
	RegNames    []string
}

// SpillDisp 溢出槽的位移
func (t *Target) SpillDisp(slot int) int32 {
	return t.FrameOffset + int32(slot)*t.SlotStride
}

// RegName 寄存器名
func (t *Target) RegName(r Reg) string {
	if r >= 0 && int(r) < len(t.RegNames) {
		return t.RegNames[r]
	}
	return "???"
}

// Limit 限制可分配寄存器数量（0 表示不限制），用于测试溢出路径
func (t *Target) Limit(n int) *Target {
	if n <= 0 || n >= t.Allocatable.Count() {
		return t
	}
	cp := *t
	cp.Allocatable = 0
	for _, r := range t.Allocatable.Regs() {
		// 参数寄存器必须保留，否则无法编组调用参数
		if cp.Allocatable.Count() >= n && !t.isArgReg(r) {
			continue
		}
		cp.Allocatable = cp.Allocatable.With(r)
	}
	return &cp
}

func (t *Target) isArgReg(r Reg) bool {
	for _, a := range t.ArgRegs {
		if a == r {
			return true
		}
	}
	return false
}

// ============================================================================
// 反向代码写入器
// ============================================================================

// CodeWriter 在一个代码页内从高地址向低地址写入指令
type CodeWriter struct {
	mem []byte
	lo  int
	cur int
}

// NewCodeWriter 创建写入器，范围为 mem[lo:hi]，游标位于 hi
func NewCodeWriter(mem []byte, lo, hi int) *CodeWriter {
	return &CodeWriter{mem: mem, lo: lo, cur: hi}
}

// Reset 切换到新的页范围
func (w *CodeWriter) Reset(lo, hi int) {
	w.lo = lo
	w.cur = hi
}

// Pos 当前游标（最近写入指令的起始地址）
func (w *CodeWriter) Pos() CodeAddr {
	return CodeAddr(w.cur)
}

// Free 当前页剩余字节数
func (w *CodeWriter) Free() int {
	return w.cur - w.lo
}

// Mem 整个代码区
func (w *CodeWriter) Mem() []byte {
	return w.mem
}

// Prepend 把 b 写到游标之前
func (w *CodeWriter) Prepend(b []byte) {
	if len(b) > w.Free() {
		panic(fmt.Sprintf("platform: code page overflow (need %d, free %d)", len(b), w.Free()))
	}
	w.cur -= len(b)
	copy(w.mem[w.cur:], b)
}

// ============================================================================
// 编码器接口
// ============================================================================

// Encoder 指令编码器
//
// 每个方法向 w 的游标之前追加一段完整的机器指令序列。
// 返回 CodeAddr 的方法返回可被 Patch 改写的分支位置。
type Encoder interface {
	Target() *Target
	// MaxInstrLen 单次方法调用最多写入的字节数
	MaxInstrLen() int

	Mov(w *CodeWriter, dst, src Reg)
	MovImm(w *CodeWriter, dst Reg, v int64)
	Load(w *CodeWriter, dst, base Reg, disp int32)
	Store(w *CodeWriter, base Reg, disp int32, src Reg)
	Binary(w *CodeWriter, op Op, dst, a, b Reg)
	Unary(w *CodeWriter, op Op, dst, a Reg)
	Compare(w *CodeWriter, cond Cond, float bool, dst, a, b Reg)

	Guard(w *CodeWriter, cond GuardCond, r Reg, target CodeAddr) CodeAddr
	Jump(w *CodeWriter, target CodeAddr) CodeAddr

	Push(w *CodeWriter, r Reg)
	Call(w *CodeWriter, spec *CallSpec)

	Prologue(w *CodeWriter, frameSlots int)
	Bailout(w *CodeWriter)

	// Patch 改写 site 处分支的目标
	Patch(mem []byte, site, target CodeAddr)
	// BranchTarget 解码 site 处分支当前的目标
	BranchTarget(mem []byte, site CodeAddr) CodeAddr
}
