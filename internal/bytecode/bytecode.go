package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// OpCode 操作码类型
type OpCode byte

const (
	// 常量与栈操作
	OpConst OpCode = iota // 压入常量 (index: u16)
	OpNull                // 压入 null
	OpTrue                // 压入 true
	OpFalse               // 压入 false
	OpPop                 // 弹出栈顶
	OpDup                 // 复制栈顶

	// 局部变量操作
	OpLoad  // 加载局部变量 (slot: u16)
	OpStore // 弹出并存储到局部变量 (slot: u16)

	// 算术运算
	OpAdd // 加法，两个字符串时拼接
	OpSub // 减法
	OpMul // 乘法
	OpDiv // 除法，结果总是 float
	OpMod // 取模
	OpNeg // 取负

	// 位运算
	OpBitAnd // 位与
	OpBitOr  // 位或
	OpBitXor // 位异或
	OpBitNot // 位非
	OpShl    // 左移
	OpShr    // 算术右移

	// 比较运算
	OpEq // 等于
	OpNe // 不等于
	OpLt // 小于
	OpLe // 小于等于
	OpGt // 大于
	OpGe // 大于等于

	// 逻辑运算
	OpNot // 逻辑非

	// 跳转指令
	OpJump        // 无条件跳转 (offset: i16)
	OpJumpIfFalse // 弹出条件，为假时跳转 (offset: i16)
	OpJumpIfTrue  // 弹出条件，为真时跳转 (offset: i16)
	OpLoop        // 循环回边 (向后跳转, offset: u16)

	// 调用
	OpBuiltin // 调用内置函数 (builtin: u8)
	OpCall    // 调用函数 (argCount: u8)
	OpReturn  // 返回栈顶

	// 输出与终止
	OpPrint // 弹出并打印
	OpHalt  // 停止执行

	numOpCodes
)

var opNames = [...]string{
	OpConst:       "const",
	OpNull:        "null",
	OpTrue:        "true",
	OpFalse:       "false",
	OpPop:         "pop",
	OpDup:         "dup",
	OpLoad:        "load",
	OpStore:       "store",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpMod:         "mod",
	OpNeg:         "neg",
	OpBitAnd:      "band",
	OpBitOr:       "bor",
	OpBitXor:      "bxor",
	OpBitNot:      "bnot",
	OpShl:         "shl",
	OpShr:         "shr",
	OpEq:          "eq",
	OpNe:          "ne",
	OpLt:          "lt",
	OpLe:          "le",
	OpGt:          "gt",
	OpGe:          "ge",
	OpNot:         "not",
	OpJump:        "jump",
	OpJumpIfFalse: "jumpf",
	OpJumpIfTrue:  "jumpt",
	OpLoop:        "loop",
	OpBuiltin:     "builtin",
	OpCall:        "call",
	OpReturn:      "ret",
	OpPrint:       "print",
	OpHalt:        "halt",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// LookupOpCode 按助记符查找操作码
func LookupOpCode(name string) (OpCode, bool) {
	for i, n := range opNames {
		if n == name {
			return OpCode(i), true
		}
	}
	return 0, false
}

// OperandKind 操作数种类
type OperandKind byte

const (
	OperandNone  OperandKind = iota
	OperandConst             // u16 常量索引
	OperandSlot              // u16 局部变量槽位
	OperandJump              // i16 相对偏移，从下一条指令起算
	OperandLoop              // u16 向后偏移，从下一条指令起算
	OperandByte              // u8
)

// Operand 操作码的操作数种类
func (op OpCode) Operand() OperandKind {
	switch op {
	case OpConst:
		return OperandConst
	case OpLoad, OpStore:
		return OperandSlot
	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		return OperandJump
	case OpLoop:
		return OperandLoop
	case OpBuiltin, OpCall:
		return OperandByte
	}
	return OperandNone
}

// Size 指令长度（字节）
func (op OpCode) Size() int {
	switch op.Operand() {
	case OperandNone:
		return 1
	case OperandByte:
		return 2
	}
	return 3
}

// ============================================================================
// 内置函数
// ============================================================================

// Builtin 内置函数，Helper 为 JIT 辅助函数表中的同义实现
type Builtin struct {
	Name   string
	Helper string
	Arity  int
}

// Builtins 内置函数表，builtin 指令的操作数是表中的下标
var Builtins = []Builtin{
	{Name: "sqrt", Helper: "sqrt", Arity: 1},
	{Name: "floor", Helper: "floor", Arity: 1},
	{Name: "abs", Helper: "fabs", Arity: 1},
	{Name: "fmod", Helper: "fmod", Arity: 2},
	{Name: "len", Helper: "str_len", Arity: 1},
	{Name: "number", Helper: "str_to_number", Arity: 1},
}

// LookupBuiltin 按名字查找内置函数
func LookupBuiltin(name string) (int, bool) {
	for i, b := range Builtins {
		if b.Name == name {
			return i, true
		}
	}
	return 0, false
}

// ============================================================================
// 字节码块
// ============================================================================

// Chunk 字节码块
type Chunk struct {
	Code      []byte  // 字节码
	Constants []Value // 常量池
	Lines     []int   // 行号信息 (用于错误报告)
}

// NewChunk 创建新的字节码块
func NewChunk() *Chunk {
	return &Chunk{}
}

// Write 写入一个字节
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// WriteOp 写入操作码
func (c *Chunk) WriteOp(op OpCode, line int) {
	c.Write(byte(op), line)
}

// WriteU16 写入 uint16 (大端序)
func (c *Chunk) WriteU16(v uint16, line int) {
	c.Write(byte(v>>8), line)
	c.Write(byte(v), line)
}

// AddConstant 添加常量，相同的常量复用同一个索引
func (c *Chunk) AddConstant(value Value) uint16 {
	for i, k := range c.Constants {
		if k.Identical(value) {
			return uint16(i)
		}
	}
	c.Constants = append(c.Constants, value)
	return uint16(len(c.Constants) - 1)
}

// Len 返回字节码长度
func (c *Chunk) Len() int {
	return len(c.Code)
}

// ReadU16 从指定位置读取 uint16
func (c *Chunk) ReadU16(offset int) uint16 {
	return binary.BigEndian.Uint16(c.Code[offset:])
}

// ReadI16 从指定位置读取 int16
func (c *Chunk) ReadI16(offset int) int16 {
	return int16(c.ReadU16(offset))
}

// PutU16 覆盖指定位置的 uint16
func (c *Chunk) PutU16(offset int, v uint16) {
	binary.BigEndian.PutUint16(c.Code[offset:], v)
}

// JumpTarget 跳转或回边指令的目标位置
func (c *Chunk) JumpTarget(offset int) int {
	op := OpCode(c.Code[offset])
	next := offset + op.Size()
	switch op.Operand() {
	case OperandJump:
		return next + int(c.ReadI16(offset+1))
	case OperandLoop:
		return next - int(c.ReadU16(offset+1))
	}
	return -1
}

// Line 指令所在的源码行
func (c *Chunk) Line(offset int) int {
	if offset >= 0 && offset < len(c.Lines) {
		return c.Lines[offset]
	}
	return 0
}

// ============================================================================
// 函数与程序
// ============================================================================

// Function 可调用的字节码函数
type Function struct {
	ID       uint32 // 程序内唯一，作为 JIT 片段键的一部分
	Name     string
	Arity    int // 参数个数，参数占据前 Arity 个局部变量
	Locals   int // 局部变量总数
	MaxStack int // 操作数栈最大深度，由栈检查计算
	Chunk    *Chunk
}

func (fn *Function) String() string {
	return fmt.Sprintf("%s/%d", fn.Name, fn.Arity)
}

// Program 一组函数，Main 为入口
type Program struct {
	Functions []*Function
	Main      *Function
}

// Lookup 按名字查找函数
func (p *Program) Lookup(name string) *Function {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// ============================================================================
// 反汇编
// ============================================================================

// Disassemble 反汇编整个程序
func (p *Program) Disassemble() string {
	var sb strings.Builder
	for _, fn := range p.Functions {
		sb.WriteString(fn.Chunk.Disassemble(fmt.Sprintf("%s (locals=%d stack=%d)", fn, fn.Locals, fn.MaxStack)))
	}
	return sb.String()
}

// Disassemble 反汇编字节码
func (c *Chunk) Disassemble(name string) string {
	var sb strings.Builder
	sb.Grow(len(c.Code) * 30)

	sb.WriteString("=== ")
	sb.WriteString(name)
	sb.WriteString(" ===\n")

	offset := 0
	for offset < len(c.Code) {
		offset = c.DisassembleInstruction(&sb, offset)
	}
	return sb.String()
}

// DisassembleInstruction 反汇编一条指令，返回下一条指令的位置
func (c *Chunk) DisassembleInstruction(sb *strings.Builder, offset int) int {
	fmt.Fprintf(sb, "%04d ", offset)

	// 显示行号
	if offset > 0 && c.Line(offset) == c.Line(offset-1) {
		sb.WriteString("   | ")
	} else {
		fmt.Fprintf(sb, "%4d ", c.Line(offset))
	}

	op := OpCode(c.Code[offset])
	if offset+op.Size() > len(c.Code) {
		fmt.Fprintf(sb, "%s <truncated>\n", op)
		return len(c.Code)
	}
	switch op.Operand() {
	case OperandConst:
		idx := c.ReadU16(offset + 1)
		fmt.Fprintf(sb, "%-8s %4d '", op, idx)
		if int(idx) < len(c.Constants) {
			sb.WriteString(c.Constants[idx].Repr())
		}
		sb.WriteString("'\n")
	case OperandSlot:
		fmt.Fprintf(sb, "%-8s %4d\n", op, c.ReadU16(offset+1))
	case OperandJump, OperandLoop:
		fmt.Fprintf(sb, "%-8s      -> %04d\n", op, c.JumpTarget(offset))
	case OperandByte:
		arg := c.Code[offset+1]
		if op == OpBuiltin && int(arg) < len(Builtins) {
			fmt.Fprintf(sb, "%-8s %4d (%s)\n", op, arg, Builtins[arg].Name)
		} else {
			fmt.Fprintf(sb, "%-8s %4d\n", op, arg)
		}
	default:
		fmt.Fprintf(sb, "%s\n", op)
	}
	return offset + op.Size()
}
