package platform

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ============================================================================
// x86-64 编码器
// ============================================================================
//
// 寄存器编号与硬件编号一致。
// 约定：
//   - R15 保存解释器状态区基址（入口参数 RDI）
//   - RBP 为帧指针，溢出槽位于被保存寄存器之下
//   - R11 为编码器临时寄存器，XMM14/XMM15 用于浮点运算
//   - 辅助函数统一通过整数寄存器传递位模式，返回值在 RAX

// x86-64 寄存器
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// 浮点临时寄存器编号（xmm14 / xmm15）
const (
	xmmB = 14
	xmmA = 15
)

// calleeSaved 序言中保存的寄存器，顺序与压栈顺序一致
var calleeSaved = []Reg{RBX, R12, R13, R14, R15}

var x64Target = &Target{
	Name:        "x86-64",
	Allocatable: SetOf(RAX, RCX, RDX, RBX, RSI, RDI, R8, R9, R10, R12, R13, R14),
	CallerSaved: SetOf(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11),
	ArgRegs:     []Reg{RDI, RSI, RDX, RCX},
	RetReg:      RAX,
	Scratch:     R11,
	ExitReg:     RAX,
	StateBase:   R15,
	FrameBase:   RBP,
	FrameOffset: -8 * int32(len(calleeSaved)+1),
	SlotStride:  -8,
	StackAlign:  true,
	RegNames: []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
}

// X64 x86-64 指令编码器
type X64 struct {
	target *Target
}

// NewX64 创建 x86-64 编码器
func NewX64() *X64 {
	return &X64{target: x64Target}
}

// Target 返回目标描述
func (e *X64) Target() *Target { return e.target }

// MaxInstrLen 单次方法调用最多写入的字节数
func (e *X64) MaxInstrLen() int { return 96 }

// ============================================================================
// 字节构造
// ============================================================================

type x64buf struct {
	b []byte
}

func (a *x64buf) emit(bytes ...byte) {
	a.b = append(a.b, bytes...)
}

func (a *x64buf) emitU32(v uint32) {
	a.b = binary.LittleEndian.AppendUint32(a.b, v)
}

func (a *x64buf) emitU64(v uint64) {
	a.b = binary.LittleEndian.AppendUint64(a.b, v)
}

// rex REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | (reg << 3) | rm
}

// hi 寄存器是否需要 REX 扩展位
func hi(r Reg) bool {
	return r >= R8
}

// low3 寄存器编码低 3 位
func low3(r Reg) byte {
	return byte(r) & 7
}

// optRex 仅在需要时输出 REX（32 位操作）
func (a *x64buf) optRex(r, b Reg) {
	if hi(r) || hi(b) {
		a.emit(rex(false, hi(r), false, hi(b)))
	}
}

// memOperand [base+disp] 的 ModR/M、SIB 与位移
func (a *x64buf) memOperand(reg byte, base Reg, disp int32) {
	rm := low3(base)
	switch {
	case disp == 0 && rm != 5:
		a.emit(modrm(0, reg, rm))
	case disp >= -128 && disp <= 127:
		a.emit(modrm(1, reg, rm))
	default:
		a.emit(modrm(2, reg, rm))
	}
	if rm == 4 {
		a.emit(0x24) // SIB: base=rsp/r12, 无索引
	}
	switch {
	case disp == 0 && rm != 5:
	case disp >= -128 && disp <= 127:
		a.emit(byte(int8(disp)))
	default:
		a.emitU32(uint32(disp))
	}
}

func (a *x64buf) movRR(dst, src Reg) {
	if dst == src {
		return
	}
	a.emit(rex(true, hi(src), false, hi(dst)), 0x89, modrm(3, low3(src), low3(dst)))
}

// aluRR dst = dst op src（64 位，opcode 为 r/m, r 形式）
func (a *x64buf) aluRR(opcode byte, dst, src Reg) {
	a.emit(rex(true, hi(src), false, hi(dst)), opcode, modrm(3, low3(src), low3(dst)))
}

// alu32RR 32 位形式
func (a *x64buf) alu32RR(opcode byte, dst, src Reg) {
	a.optRex(src, dst)
	a.emit(opcode, modrm(3, low3(src), low3(dst)))
}

func (a *x64buf) imulRR(dst, src Reg, wide bool) {
	if wide {
		a.emit(rex(true, hi(dst), false, hi(src)))
	} else {
		a.optRex(dst, src)
	}
	a.emit(0x0F, 0xAF, modrm(3, low3(dst), low3(src)))
}

// movsxd dst, dst32
func (a *x64buf) movsxd(r Reg) {
	a.emit(rex(true, hi(r), false, hi(r)), 0x63, modrm(3, low3(r), low3(r)))
}

// movqToXmm xmm, r64
func (a *x64buf) movqToXmm(xmm byte, r Reg) {
	a.emit(0x66, rex(true, xmm >= 8, false, hi(r)), 0x0F, 0x6E, modrm(3, xmm&7, low3(r)))
}

// movqFromXmm r64, xmm
func (a *x64buf) movqFromXmm(r Reg, xmm byte) {
	a.emit(0x66, rex(true, xmm >= 8, false, hi(r)), 0x0F, 0x7E, modrm(3, xmm&7, low3(r)))
}

// sseRR F2 0F op xmmA, xmmB
func (a *x64buf) sseRR(opcode byte, dst, src byte) {
	a.emit(0xF2, rex(false, dst >= 8, false, src >= 8), 0x0F, opcode, modrm(3, dst&7, src&7))
}

// ucomisd xmm, xmm
func (a *x64buf) ucomisd(x, y byte) {
	a.emit(0x66, rex(false, x >= 8, false, y >= 8), 0x0F, 0x2E, modrm(3, x&7, y&7))
}

// setcc r8
func (a *x64buf) setcc(cc byte, r Reg) {
	a.emit(rex(false, false, false, hi(r)), 0x0F, cc, modrm(3, 0, low3(r)))
}

// movzx r32, r8
func (a *x64buf) movzx8(r Reg) {
	a.emit(rex(false, hi(r), false, hi(r)), 0x0F, 0xB6, modrm(3, low3(r), low3(r)))
}

// shiftx SHLX/SARX dst, src, count（VEX.LZ.0F38.W0 F7）
func (a *x64buf) shiftx(pp byte, dst, src, count Reg) {
	b1 := byte(0x02) // 0F38
	if !hi(dst) {
		b1 |= 0x80
	}
	b1 |= 0x40 // X 取反
	if !hi(src) {
		b1 |= 0x20
	}
	b2 := (^byte(count)&0x0F)<<3 | pp
	a.emit(0xC4, b1, b2, 0xF7, modrm(3, low3(dst), low3(src)))
}

func (a *x64buf) push(r Reg) {
	if hi(r) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + low3(r))
}

func (a *x64buf) pop(r Reg) {
	if hi(r) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + low3(r))
}

// addRSP / subRSP 调整栈指针
func (a *x64buf) adjRSP(ext byte, n int32) {
	if n >= -128 && n <= 127 {
		a.emit(rex(true, false, false, false), 0x83, modrm(3, ext, low3(RSP)), byte(int8(n)))
		return
	}
	a.emit(rex(true, false, false, false), 0x81, modrm(3, ext, low3(RSP)))
	a.emitU32(uint32(n))
}

func (a *x64buf) movImm(dst Reg, v int64) {
	switch {
	case v >= 0 && v <= 0xFFFFFFFF:
		// mov r32, imm32 零扩展到 64 位
		a.optRex(0, dst)
		a.emit(0xB8 + low3(dst))
		a.emitU32(uint32(v))
	case v >= -1<<31 && v < 1<<31:
		a.emit(rex(true, false, false, hi(dst)), 0xC7, modrm(3, 0, low3(dst)))
		a.emitU32(uint32(v))
	default:
		a.emit(rex(true, false, false, hi(dst)), 0xB8+low3(dst))
		a.emitU64(uint64(v))
	}
}

// flush 把构造好的字节写到游标之前，返回起始地址
func (a *x64buf) flush(w *CodeWriter) CodeAddr {
	w.Prepend(a.b)
	return w.Pos()
}

// ============================================================================
// Encoder 实现
// ============================================================================

// Mov dst = src
func (e *X64) Mov(w *CodeWriter, dst, src Reg) {
	if dst == src {
		return
	}
	var a x64buf
	a.movRR(dst, src)
	a.flush(w)
}

// MovImm dst = imm，不影响标志位
func (e *X64) MovImm(w *CodeWriter, dst Reg, v int64) {
	var a x64buf
	a.movImm(dst, v)
	a.flush(w)
}

// Load dst = [base+disp]
func (e *X64) Load(w *CodeWriter, dst, base Reg, disp int32) {
	var a x64buf
	a.emit(rex(true, hi(dst), false, hi(base)), 0x8B)
	a.memOperand(low3(dst), base, disp)
	a.flush(w)
}

// Store [base+disp] = src
func (e *X64) Store(w *CodeWriter, base Reg, disp int32, src Reg) {
	var a x64buf
	a.emit(rex(true, hi(src), false, hi(base)), 0x89)
	a.memOperand(low3(src), base, disp)
	a.flush(w)
}

var aluOpcodes = map[Op]byte{
	OpAdd: 0x01, OpSub: 0x29, OpAnd: 0x21, OpOr: 0x09, OpXor: 0x31,
	OpAddOv: 0x01, OpSubOv: 0x29,
}

// Binary dst = a op b
func (e *X64) Binary(w *CodeWriter, op Op, dst, x, y Reg) {
	var a x64buf
	switch op {
	case OpShl32, OpSar32:
		pp := byte(0x01) // 66: SHLX
		if op == OpSar32 {
			pp = 0x02 // F3: SARX
		}
		a.shiftx(pp, dst, x, y)
		a.movsxd(dst)
		a.flush(w)
		return
	case OpFAdd, OpFSub, OpFMul, OpFDiv:
		sse := map[Op]byte{OpFAdd: 0x58, OpFSub: 0x5C, OpFMul: 0x59, OpFDiv: 0x5E}[op]
		a.movqToXmm(xmmA, x)
		a.movqToXmm(xmmB, y)
		a.sseRR(sse, xmmA, xmmB)
		a.movqFromXmm(dst, xmmA)
		a.flush(w)
		return
	}

	// 双操作数形式：先把 x 放进 dst
	src := y
	switch {
	case dst == x:
	case dst == y && op.Commutative():
		src = x
	case dst == y:
		a.movRR(e.target.Scratch, y)
		a.movRR(dst, x)
		src = e.target.Scratch
	default:
		a.movRR(dst, x)
	}

	switch op {
	case OpMul:
		a.imulRR(dst, src, true)
	case OpMulOv:
		a.imulRR(dst, src, false)
		a.movsxd(dst)
	case OpAddOv, OpSubOv:
		a.alu32RR(aluOpcodes[op], dst, src)
		a.movsxd(dst)
	default:
		opcode, ok := aluOpcodes[op]
		if !ok {
			panic(fmt.Sprintf("platform: x86-64 binary op %s", op))
		}
		a.aluRR(opcode, dst, src)
	}
	a.flush(w)
}

// Unary dst = op a
func (e *X64) Unary(w *CodeWriter, op Op, dst, x Reg) {
	var a x64buf
	switch op {
	case OpNeg:
		a.movRR(dst, x)
		a.emit(rex(true, false, false, hi(dst)), 0xF7, modrm(3, 3, low3(dst)))
	case OpNot:
		a.movRR(dst, x)
		a.emit(rex(true, false, false, hi(dst)), 0xF7, modrm(3, 2, low3(dst)))
	case OpNegOv:
		a.movRR(dst, x)
		a.optRex(0, dst)
		a.emit(0xF7, modrm(3, 3, low3(dst)))
		a.movsxd(dst)
	case OpFNeg:
		// btc dst, 63
		a.movRR(dst, x)
		a.emit(rex(true, false, false, hi(dst)), 0x0F, 0xBA, modrm(3, 7, low3(dst)), 63)
	case OpI2F:
		// cvtsi2sd xmm15, r64
		a.emit(0xF2, rex(true, true, false, hi(x)), 0x0F, 0x2A, modrm(3, xmmA&7, low3(x)))
		a.movqFromXmm(dst, xmmA)
	default:
		panic(fmt.Sprintf("platform: x86-64 unary op %s", op))
	}
	a.flush(w)
}

var intSetcc = map[Cond]byte{
	CondEQ: 0x94, CondNE: 0x95, CondLT: 0x9C, CondLE: 0x9E, CondGT: 0x9F, CondGE: 0x9D,
}

// Compare dst = (a cond b) ? 1 : 0
func (e *X64) Compare(w *CodeWriter, cond Cond, float bool, dst, x, y Reg) {
	var a x64buf
	if !float {
		// cmp x, y
		a.aluRR(0x39, x, y)
		a.setcc(intSetcc[cond], dst)
		a.movzx8(dst)
		a.flush(w)
		return
	}

	a.movqToXmm(xmmA, x)
	a.movqToXmm(xmmB, y)
	s := e.target.Scratch
	switch cond {
	case CondEQ:
		a.ucomisd(xmmA, xmmB)
		a.setcc(0x94, dst) // sete
		a.setcc(0x9B, s)   // setnp
		a.emit(rex(false, hi(s), false, hi(dst)), 0x20, modrm(3, low3(s), low3(dst)))
	case CondNE:
		a.ucomisd(xmmA, xmmB)
		a.setcc(0x95, dst) // setne
		a.setcc(0x9A, s)   // setp
		a.emit(rex(false, hi(s), false, hi(dst)), 0x08, modrm(3, low3(s), low3(dst)))
	case CondLT:
		a.ucomisd(xmmB, xmmA)
		a.setcc(0x97, dst) // seta
	case CondLE:
		a.ucomisd(xmmB, xmmA)
		a.setcc(0x93, dst) // setae
	case CondGT:
		a.ucomisd(xmmA, xmmB)
		a.setcc(0x97, dst)
	case CondGE:
		a.ucomisd(xmmA, xmmB)
		a.setcc(0x93, dst)
	}
	a.movzx8(dst)
	a.flush(w)
}

// Guard 条件成立时跳转到 target，返回 jcc 的地址
func (e *X64) Guard(w *CodeWriter, cond GuardCond, r Reg, target CodeAddr) CodeAddr {
	var a x64buf
	var cc byte
	switch cond {
	case GuardZero:
		a.emit(rex(true, hi(r), false, hi(r)), 0x85, modrm(3, low3(r), low3(r)))
		cc = 0x84
	case GuardNonZero:
		a.emit(rex(true, hi(r), false, hi(r)), 0x85, modrm(3, low3(r), low3(r)))
		cc = 0x85
	case GuardOverflow:
		cc = 0x80
	}
	site := w.Pos() - 6
	a.emit(0x0F, cc)
	a.emitU32(uint32(int32(int64(target) - int64(site) - 6)))
	a.flush(w)
	return site
}

// Jump jmp rel32
func (e *X64) Jump(w *CodeWriter, target CodeAddr) CodeAddr {
	var a x64buf
	site := w.Pos() - 5
	a.emit(0xE9)
	a.emitU32(uint32(int32(int64(target) - int64(site) - 5)))
	return a.flush(w)
}

// Push 压入栈参数
func (e *X64) Push(w *CodeWriter, r Reg) {
	var a x64buf
	a.push(r)
	a.flush(w)
}

// Call 按尺寸类别整理参数后调用辅助函数，返回后清理栈参数
func (e *X64) Call(w *CodeWriter, spec *CallSpec) {
	var a x64buf
	for i, c := range spec.Args {
		if i >= len(e.target.ArgRegs) {
			break
		}
		if c == SizeInt {
			a.movsxd(e.target.ArgRegs[i])
		}
	}
	a.movImm(e.target.Scratch, int64(spec.Address))
	a.emit(0x41, 0xFF, modrm(3, 2, low3(e.target.Scratch))) // call r11
	if n := spec.StackWords(e.target); n > 0 {
		a.adjRSP(0, int32(8*n)) // add rsp
	}
	if spec.Ret == SizeInt {
		a.movsxd(e.target.RetReg)
	}
	a.flush(w)
}

// Prologue 保存被调用者保存寄存器并分配溢出区
func (e *X64) Prologue(w *CodeWriter, frameSlots int) {
	var a x64buf
	a.push(RBP)
	a.movRR(RBP, RSP)
	for _, r := range calleeSaved {
		a.push(r)
	}
	// 进入时 rsp ≡ 8 (mod 16)，压入 6 个寄存器后仍为 8
	n := int32(frameSlots) * 8
	if n%16 == 0 {
		n += 8
	}
	a.adjRSP(5, n) // sub rsp
	a.movRR(e.target.StateBase, RDI)
	a.flush(w)
}

// Bailout 恢复寄存器并返回，RAX 中是守卫编号
func (e *X64) Bailout(w *CodeWriter) {
	var a x64buf
	// lea rsp, [rbp-40]
	a.emit(rex(true, false, false, false), 0x8D)
	a.memOperand(low3(RSP), RBP, -8*int32(len(calleeSaved)))
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		a.pop(calleeSaved[i])
	}
	a.pop(RBP)
	a.emit(0xC3)
	a.flush(w)
}

// Patch 改写 jmp/jcc rel32 的目标
func (e *X64) Patch(mem []byte, site, target CodeAddr) {
	off, end := branchOperand(mem, site)
	binary.LittleEndian.PutUint32(mem[off:], uint32(int32(int64(target)-int64(end))))
}

// BranchTarget 解码 jmp/jcc rel32 的目标
func (e *X64) BranchTarget(mem []byte, site CodeAddr) CodeAddr {
	off, end := branchOperand(mem, site)
	return CodeAddr(int64(end) + int64(int32(binary.LittleEndian.Uint32(mem[off:]))))
}

func branchOperand(mem []byte, site CodeAddr) (off, end CodeAddr) {
	switch {
	case mem[site] == 0xE9:
		return site + 1, site + 5
	case mem[site] == 0x0F && mem[site+1]&0xF0 == 0x80:
		return site + 2, site + 6
	}
	panic(fmt.Sprintf("platform: no rel32 branch at %s", site))
}

// HexDump 以十六进制输出 mem[from:to]，每行 16 字节
func HexDump(mem []byte, from, to CodeAddr) string {
	var sb strings.Builder
	for pc := from; pc < to; pc += 16 {
		end := pc + 16
		if end > to {
			end = to
		}
		fmt.Fprintf(&sb, "%s ", pc)
		for _, b := range mem[pc:end] {
			fmt.Fprintf(&sb, " %02x", b)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
