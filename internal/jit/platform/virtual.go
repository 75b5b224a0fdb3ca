package platform

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ============================================================================
// 可移植虚拟指令集
// ============================================================================
//
// Virtual 编码器生成定长 16 字节的指令字，由 Machine 解释执行。
// 它与 X64 编码器共享同一个 Encoder 接口，使寄存器分配、守卫、
// 退出桩与补丁逻辑在任何宿主上都能被完整执行和测试。
//
// 指令字布局：
//
//	[0]     操作码
//	[1]     a
//	[2]     b
//	[3]     c
//	[4:8]   x (int32，小端)
//	[8:16]  y (int64，小端)
//
// 分支位移相对下一条指令：rel = target - (site + WordSize)。

// WordSize 虚拟指令字长度
const WordSize = 16

// 虚拟寄存器
const (
	VR0 Reg = iota
	VR1
	VR2
	VR3
	VR4
	VR5
	VR6
	VR7
	VR8
	VR9
	VR10
	VR11
	VScratch // r12
	VState   // r13
	VFrame   // r14

	NumVirtualRegs = 16
)

// 虚拟操作码
const (
	vNop byte = iota
	vMov
	vMovImm
	vLoad
	vStore
	vBinary
	vUnary
	vCompare
	vGuard
	vJump
	vPush
	vCall
	vPrologue
	vBailout
)

var vopNames = [...]string{
	vNop: "nop", vMov: "mov", vMovImm: "movi", vLoad: "ld", vStore: "st",
	vBinary: "bin", vUnary: "un", vCompare: "cmp", vGuard: "guard",
	vJump: "jmp", vPush: "push", vCall: "call", vPrologue: "enter", vBailout: "bail",
}

var virtualTarget = &Target{
	Name:        "virtual",
	Allocatable: SetOf(VR0, VR1, VR2, VR3, VR4, VR5, VR6, VR7, VR8, VR9, VR10, VR11),
	CallerSaved: SetOf(VR0, VR1, VR2, VR3, VR4, VR5, VR6, VR7),
	ArgRegs:     []Reg{VR0, VR1, VR2, VR3},
	RetReg:      VR0,
	Scratch:     VScratch,
	ExitReg:     VR0,
	StateBase:   VState,
	FrameBase:   VFrame,
	FrameOffset: 0,
	SlotStride:  8,
	RegNames: []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "rs", "st", "fp", "r15",
	},
}

// Virtual 虚拟指令编码器
type Virtual struct {
	target *Target
}

// NewVirtual 创建虚拟编码器
func NewVirtual() *Virtual {
	return &Virtual{target: virtualTarget}
}

// Target 返回目标描述
func (v *Virtual) Target() *Target { return v.target }

// MaxInstrLen 单次方法调用最多写入的字节数
func (v *Virtual) MaxInstrLen() int { return WordSize * 10 }

// word 构造一个指令字并写到游标之前
func (v *Virtual) word(w *CodeWriter, op, a, b, c byte, x int32, y int64) CodeAddr {
	var buf [WordSize]byte
	buf[0] = op
	buf[1] = a
	buf[2] = b
	buf[3] = c
	binary.LittleEndian.PutUint32(buf[4:8], uint32(x))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(y))
	w.Prepend(buf[:])
	return w.Pos()
}

// Mov dst = src
func (v *Virtual) Mov(w *CodeWriter, dst, src Reg) {
	if dst == src {
		return
	}
	v.word(w, vMov, byte(dst), byte(src), 0, 0, 0)
}

// MovImm dst = imm
func (v *Virtual) MovImm(w *CodeWriter, dst Reg, imm int64) {
	v.word(w, vMovImm, byte(dst), 0, 0, 0, imm)
}

// Load dst = [base+disp]
func (v *Virtual) Load(w *CodeWriter, dst, base Reg, disp int32) {
	v.word(w, vLoad, byte(dst), byte(base), 0, disp, 0)
}

// Store [base+disp] = src
func (v *Virtual) Store(w *CodeWriter, base Reg, disp int32, src Reg) {
	v.word(w, vStore, byte(base), byte(src), 0, disp, 0)
}

// Binary dst = a op b
func (v *Virtual) Binary(w *CodeWriter, op Op, dst, a, b Reg) {
	v.word(w, vBinary, byte(dst), byte(a), byte(b), int32(op), 0)
}

// Unary dst = op a
func (v *Virtual) Unary(w *CodeWriter, op Op, dst, a Reg) {
	v.word(w, vUnary, byte(dst), byte(a), 0, int32(op), 0)
}

// Compare dst = (a cond b) ? 1 : 0
func (v *Virtual) Compare(w *CodeWriter, cond Cond, float bool, dst, a, b Reg) {
	var f int64
	if float {
		f = 1
	}
	v.word(w, vCompare, byte(dst), byte(a), byte(b), int32(cond), f)
}

// Guard 条件成立时跳转到 target
func (v *Virtual) Guard(w *CodeWriter, cond GuardCond, r Reg, target CodeAddr) CodeAddr {
	site := w.Pos() - WordSize
	return v.word(w, vGuard, byte(r), byte(cond), 0, rel(site, target), 0)
}

// Jump 无条件跳转
func (v *Virtual) Jump(w *CodeWriter, target CodeAddr) CodeAddr {
	site := w.Pos() - WordSize
	return v.word(w, vJump, 0, 0, 0, rel(site, target), 0)
}

// Push 把参数压入参数栈
func (v *Virtual) Push(w *CodeWriter, r Reg) {
	v.word(w, vPush, byte(r), 0, 0, 0, 0)
}

// Call 调用辅助函数
// y 的低位按 2 位一组编码参数尺寸类别，调用返回后弹出栈参数。
func (v *Virtual) Call(w *CodeWriter, spec *CallSpec) {
	var classes int64
	for i, c := range spec.Args {
		classes |= int64(c) << (2 * uint(i))
	}
	v.word(w, vCall, byte(len(spec.Args)), byte(spec.Ret), byte(spec.StackArgs(v.target)), spec.Index, classes)
}

// Prologue 建立活动记录
func (v *Virtual) Prologue(w *CodeWriter, frameSlots int) {
	v.word(w, vPrologue, 0, 0, 0, int32(frameSlots), 0)
}

// Bailout 返回解释器，ExitReg 中是守卫编号
func (v *Virtual) Bailout(w *CodeWriter) {
	v.word(w, vBailout, 0, 0, 0, 0, 0)
}

// Patch 改写 site 处分支的目标
func (v *Virtual) Patch(mem []byte, site, target CodeAddr) {
	op := mem[site]
	if op != vJump && op != vGuard {
		panic(fmt.Sprintf("platform: patch site %s is %s, not a branch", site, vopName(op)))
	}
	binary.LittleEndian.PutUint32(mem[site+4:site+8], uint32(rel(site, target)))
}

// BranchTarget 解码 site 处分支的目标
func (v *Virtual) BranchTarget(mem []byte, site CodeAddr) CodeAddr {
	x := int32(binary.LittleEndian.Uint32(mem[site+4 : site+8]))
	return CodeAddr(int64(site) + WordSize + int64(x))
}

func rel(site, target CodeAddr) int32 {
	return int32(int64(target) - int64(site) - WordSize)
}

func vopName(op byte) string {
	if int(op) < len(vopNames) {
		return vopNames[op]
	}
	return fmt.Sprintf("op%d", op)
}

// ============================================================================
// 反汇编
// ============================================================================

// DisassembleVirtual 反汇编 mem[from:to] 中的虚拟指令
func DisassembleVirtual(mem []byte, from, to CodeAddr) string {
	var sb strings.Builder
	t := virtualTarget
	for pc := from; pc+WordSize <= to; pc += WordSize {
		wd := mem[pc : pc+WordSize]
		a, b, c := Reg(wd[1]), Reg(wd[2]), Reg(wd[3])
		x := int32(binary.LittleEndian.Uint32(wd[4:8]))
		y := int64(binary.LittleEndian.Uint64(wd[8:16]))
		fmt.Fprintf(&sb, "%s  %-6s", pc, vopName(wd[0]))
		switch wd[0] {
		case vMov:
			fmt.Fprintf(&sb, "%s, %s", t.RegName(a), t.RegName(b))
		case vMovImm:
			fmt.Fprintf(&sb, "%s, %d", t.RegName(a), y)
		case vLoad:
			fmt.Fprintf(&sb, "%s, [%s%+d]", t.RegName(a), t.RegName(b), x)
		case vStore:
			fmt.Fprintf(&sb, "[%s%+d], %s", t.RegName(a), x, t.RegName(b))
		case vBinary:
			fmt.Fprintf(&sb, "%s %s, %s, %s", Op(x), t.RegName(a), t.RegName(b), t.RegName(c))
		case vUnary:
			fmt.Fprintf(&sb, "%s %s, %s", Op(x), t.RegName(a), t.RegName(b))
		case vCompare:
			prefix := ""
			if y != 0 {
				prefix = "f"
			}
			fmt.Fprintf(&sb, "%s%s %s, %s, %s", prefix, Cond(x), t.RegName(a), t.RegName(b), t.RegName(c))
		case vGuard:
			fmt.Fprintf(&sb, "%s %s, %s", GuardCond(wd[2]), t.RegName(a), CodeAddr(int64(pc)+WordSize+int64(x)))
		case vJump:
			fmt.Fprintf(&sb, "%s", CodeAddr(int64(pc)+WordSize+int64(x)))
		case vPush:
			fmt.Fprintf(&sb, "%s", t.RegName(a))
		case vCall:
			fmt.Fprintf(&sb, "#%d args=%d stack=%d", x, wd[1], wd[3])
		case vPrologue:
			fmt.Fprintf(&sb, "%d", x)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
