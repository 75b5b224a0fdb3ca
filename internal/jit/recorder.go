// recorder.go - trace 记录器
//
// 解释器每执行一条指令就报告一个原语，记录器据此生成线性 IR：
// 复制只是别名，常量成为立即数，算术成为二元/一元指令，
// 类型假设成为带侧出口快照的守卫，无法内联的操作成为辅助函数调用。
// 回到循环头时写回改变了的槽位并以终止指令闭合。

package jit

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// 原语
// ============================================================================

// PrimKind 原语类别
type PrimKind uint8

const (
	PrimConst        PrimKind = iota // Result = Imm
	PrimCopy                         // Result = Args[0]
	PrimBinary                       // Result = Args[0] Op Args[1]
	PrimUnary                        // Result = UnOp Args[0]
	PrimBranch                       // 条件分支，Args[0] 为条件
	PrimCall                         // Result = Helper(Args...)
	PrimLoopEdge                     // 循环回边，Target 为循环头
	PrimUnrecordable                 // 调用、返回、输出等
)

var primKindNames = [...]string{"const", "copy", "binary", "unary", "branch", "call", "loop-edge", "unrecordable"}

func (k PrimKind) String() string {
	if int(k) < len(primKindNames) {
		return primKindNames[k]
	}
	return fmt.Sprintf("prim(%d)", k)
}

// BinOp 二元运算
type BinOp uint8

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinBitAnd
	BinBitOr
	BinBitXor
	BinShl
	BinShr
	BinEq
	BinNe
	BinLt
	BinLe
	BinGt
	BinGe
)

var binOpNames = [...]string{"add", "sub", "mul", "div", "mod", "band", "bor", "bxor", "shl", "shr", "eq", "ne", "lt", "le", "gt", "ge"}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("binop(%d)", op)
}

// IsCompare 是否为比较运算
func (op BinOp) IsCompare() bool {
	return op >= BinEq
}

// UnOp 一元运算
type UnOp uint8

const (
	UnNeg UnOp = iota
	UnBitNot
	UnNot
)

var unOpNames = [...]string{"neg", "bnot", "not"}

func (op UnOp) String() string {
	if int(op) < len(unOpNames) {
		return unOpNames[op]
	}
	return fmt.Sprintf("unop(%d)", op)
}

// Primitive 解释器报告的一次原语操作
type Primitive struct {
	Kind   PrimKind
	PC     int  // 指令位置
	Depth  int  // 操作前的操作数栈深度
	Args   []Addr
	Result Addr
	Imm    Immediate
	Op     BinOp
	UnOp   UnOp

	Observed Type     // 解释器实际得到的结果类型
	Taken    bool     // 分支条件是否为真
	Helper   HelperID // PrimCall 的辅助函数
	Target   int      // 分支或回边的目标
}

// ============================================================================
// 记录器
// ============================================================================

// RecorderState 记录器状态
type RecorderState uint8

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderCommitting
	RecorderAborting
)

func (s RecorderState) String() string {
	switch s {
	case RecorderIdle:
		return "idle"
	case RecorderRecording:
		return "recording"
	case RecorderCommitting:
		return "committing"
	case RecorderAborting:
		return "aborting"
	}
	return "?"
}

type immKey struct {
	imm Immediate
	t   Type
}

// Recorder trace 记录器
type Recorder struct {
	helpers   *HelperTable
	maxLength int

	state   RecorderState
	frag    *Fragment
	anchor  *GuardRecord
	buf     *Buffer
	tracker *ValueTracker
	types   []Type
	params  []Ref
	locals  int
	imms    map[immKey]Ref
	pc      int
}

// NewRecorder 创建记录器
func NewRecorder(helpers *HelperTable, maxLength int) *Recorder {
	return &Recorder{
		helpers:   helpers,
		maxLength: maxLength,
		tracker:   NewValueTracker(),
	}
}

// State 当前状态
func (r *Recorder) State() RecorderState { return r.state }

// Fragment 正在记录的片段
func (r *Recorder) Fragment() *Fragment { return r.frag }

// Anchor 侧 trace 所挂的守卫，根与同级片段为 nil
func (r *Recorder) Anchor() *GuardRecord { return r.anchor }

// Buffer 正在生成的 IR
func (r *Recorder) Buffer() *Buffer { return r.buf }

// Start 开始记录 f，entry 中的每个槽位都被导入为 param
func (r *Recorder) Start(f *Fragment, entry TypeMap, anchor *GuardRecord) error {
	if r.state != RecorderIdle {
		return errors.Errorf("jit: recorder is %s", r.state)
	}
	if (f.Kind == FragmentBranch) != (anchor != nil) {
		return errors.Errorf("jit: %s started with anchor %v", f, anchor)
	}
	r.frag = f
	r.anchor = anchor
	r.buf = NewBuffer()
	r.tracker.Clear()
	r.types = entry.Clone()
	r.params = make([]Ref, len(entry))
	r.imms = make(map[immKey]Ref)
	r.pc = f.Key.PC
	r.locals = len(entry)
	if f.Kind == FragmentBranch {
		r.locals = len(f.Root.EntryTypes)
	}
	for i, t := range entry {
		ref := r.buf.Append(IRInst{Op: IR_PARAM, A: NoRef, B: NoRef, Type: t, Slot: SlotAddr(i), PC: r.pc})
		r.tracker.Set(SlotAddr(i), ref)
		r.params[i] = ref
	}
	r.state = RecorderRecording
	return nil
}

// Record 记录一个原语，中止时返回 *AbortError 且记录器回到空闲
func (r *Recorder) Record(p Primitive) error {
	if r.state != RecorderRecording {
		return ErrNotRecording
	}
	r.pc = p.PC
	if ae := r.record(&p); ae != nil {
		return r.Abort(ae)
	}
	if r.buf.Len() > r.maxLength {
		return r.Abort(abortf(AbortTooLong, p.PC, "%d instructions", r.buf.Len()))
	}
	return nil
}

// Close 闭合 trace：检查类型稳定性，写回槽位，追加终止指令并封闭缓冲区
//
// 根与同级片段以 loop 跳回自身循环顶；侧 trace 以 jtree 跳到 target。
func (r *Recorder) Close(end TypeMap, target *Fragment) (*Buffer, error) {
	if r.state != RecorderRecording {
		return nil, ErrNotRecording
	}
	pc := r.frag.Key.PC
	if len(end) > len(r.types) {
		return nil, r.Abort(abortf(AbortTypeMismatch, pc, "loop edge has %d slots, trace tracks %d", len(end), len(r.types)))
	}
	for i, t := range end {
		if r.types[i] != t {
			return nil, r.Abort(abortf(AbortTypeMismatch, pc, "slot %d predicted %s, observed %s", i, r.types[i], t))
		}
	}

	term := IR_LOOP
	if r.frag.Kind == FragmentBranch {
		if target == nil {
			return nil, r.Abort(abortf(AbortUnstable, pc, "no compiled fragment for exit types [%s]", end))
		}
		if !target.EntryTypes.Equal(end) {
			return nil, r.Abort(abortf(AbortUnstable, pc, "target expects [%s], trace ends with [%s]", target.EntryTypes, end))
		}
		term = IR_JTREE
	} else if !end.Equal(r.frag.EntryTypes) {
		return nil, r.Abort(abortf(AbortUnstable, pc, "entered with [%s], loops with [%s]", r.frag.EntryTypes, end))
	}

	for i := range end {
		a := SlotAddr(i)
		ref := r.tracker.Get(a)
		if i < len(r.params) && ref == r.params[i] {
			continue
		}
		r.buf.Append(IRInst{Op: IR_STORE, A: ref, B: NoRef, Slot: a, Type: end[i], PC: pc})
	}
	r.buf.Append(IRInst{Op: term, A: NoRef, B: NoRef, PC: pc})
	r.buf.Seal()
	r.state = RecorderCommitting
	return r.buf, nil
}

// Commit 汇编完成后回到空闲
func (r *Recorder) Commit() {
	if r.state != RecorderCommitting {
		panic(fmt.Sprintf("jit: commit while %s", r.state))
	}
	r.reset()
}

// Abort 丢弃正在记录的 trace
func (r *Recorder) Abort(e *AbortError) *AbortError {
	r.state = RecorderAborting
	r.reset()
	return e
}

func (r *Recorder) reset() {
	r.tracker.Clear()
	r.frag = nil
	r.anchor = nil
	r.buf = nil
	r.types = nil
	r.params = nil
	r.imms = nil
	r.state = RecorderIdle
}

// ============================================================================
// 槽位与值
// ============================================================================

func (r *Recorder) get(a Addr) Ref {
	return r.tracker.Get(a)
}

func (r *Recorder) typeOf(a Addr) Type {
	return r.types[a.Slot()]
}

func (r *Recorder) set(a Addr, ref Ref, t Type) {
	r.tracker.Set(a, ref)
	for a.Slot() >= len(r.types) {
		r.types = append(r.types, TypeNull)
	}
	r.types[a.Slot()] = t
}

// result 写入结果并核对预测类型
func (r *Recorder) result(p *Primitive, ref Ref, t Type) *AbortError {
	if t != p.Observed {
		return abortf(AbortTypeMismatch, p.PC, "%s predicted %s, observed %s", p.Kind, t, p.Observed)
	}
	r.set(p.Result, ref, t)
	return nil
}

func (r *Recorder) emit(op IROp, a, b Ref, t Type) Ref {
	return r.buf.Append(IRInst{Op: op, A: a, B: b, Type: t, PC: r.pc})
}

func (r *Recorder) imm(v Immediate, t Type) Ref {
	k := immKey{v, t}
	if ref, ok := r.imms[k]; ok {
		return ref
	}
	ref := r.buf.Append(IRInst{Op: IR_IMM, A: NoRef, B: NoRef, Type: t, Imm: v, PC: r.pc})
	r.imms[k] = ref
	return ref
}

func (r *Recorder) toFloat(ref Ref, t Type) Ref {
	if t == TypeFloat {
		return ref
	}
	if inst := r.buf.At(ref); inst.Op == IR_IMM {
		return r.imm(FloatImm(float64(inst.Imm.Int())), TypeFloat)
	}
	return r.emit(IR_I2F, ref, NoRef, TypeFloat)
}

func (r *Recorder) callHelper(id HelperID, t Type, args ...Ref) Ref {
	return r.buf.Append(IRInst{Op: IR_CALL, A: NoRef, B: NoRef, Type: t, Helper: id, Args: args, PC: r.pc})
}

// snapshot 操作前的全部活跃槽位
func (r *Recorder) snapshot(p *Primitive, kind ExitKind) *SideExit {
	width := r.locals + p.Depth
	snap := make([]SnapshotEntry, width)
	for i := range snap {
		a := SlotAddr(i)
		snap[i] = SnapshotEntry{Addr: a, Ref: r.get(a), Type: r.types[i]}
	}
	return &SideExit{PC: p.PC, Depth: p.Depth, Kind: kind, Snapshot: snap}
}

func (r *Recorder) guard(op IROp, cond Ref, exit *SideExit) {
	r.buf.Append(IRInst{Op: op, A: cond, B: NoRef, Exit: exit, PC: r.pc})
}

// ============================================================================
// 按类别生成 IR
// ============================================================================

func (r *Recorder) record(p *Primitive) *AbortError {
	switch p.Kind {
	case PrimConst:
		return r.result(p, r.imm(p.Imm, p.Observed), p.Observed)
	case PrimCopy:
		a := p.Args[0]
		return r.result(p, r.get(a), r.typeOf(a))
	case PrimBinary:
		return r.binary(p)
	case PrimUnary:
		return r.unary(p)
	case PrimBranch:
		return r.branch(p)
	case PrimCall:
		return r.call(p)
	case PrimLoopEdge:
		return abortf(AbortNestedLoop, p.PC, "back edge to pc %d", p.Target)
	}
	return abortf(AbortUnrecordable, p.PC, "%s", p.Kind)
}

var (
	overflowOps = map[BinOp]IROp{BinAdd: IR_ADDOV, BinSub: IR_SUBOV, BinMul: IR_MULOV}
	floatOps    = map[BinOp]IROp{BinAdd: IR_FADD, BinSub: IR_FSUB, BinMul: IR_FMUL, BinDiv: IR_FDIV}
	bitOps      = map[BinOp]IROp{BinBitAnd: IR_AND, BinBitOr: IR_OR, BinBitXor: IR_XOR, BinShl: IR_SHL, BinShr: IR_SAR}
)

func (r *Recorder) binary(p *Primitive) *AbortError {
	a, b := p.Args[0], p.Args[1]
	ta, tb := r.typeOf(a), r.typeOf(b)
	ra, rb := r.get(a), r.get(b)
	numbers := ta.IsNumber() && tb.IsNumber()
	ints := ta == TypeInt && tb == TypeInt

	switch p.Op {
	case BinAdd, BinSub, BinMul:
		if p.Op == BinAdd && ta == TypeString && tb == TypeString {
			return r.result(p, r.callHelper(HelperStrConcat, TypeString, ra, rb), TypeString)
		}
		if !numbers {
			break
		}
		if ints {
			if p.Observed != TypeInt {
				return abortf(AbortGuardFailed, p.PC, "%s overflowed while recording", p.Op)
			}
			exit := r.snapshot(p, ExitOverflow)
			v := r.emit(overflowOps[p.Op], ra, rb, TypeInt)
			r.guard(IR_XOV, v, exit)
			return r.result(p, v, TypeInt)
		}
		return r.result(p, r.emit(floatOps[p.Op], r.toFloat(ra, ta), r.toFloat(rb, tb), TypeFloat), TypeFloat)

	case BinDiv:
		if !numbers {
			break
		}
		return r.result(p, r.emit(IR_FDIV, r.toFloat(ra, ta), r.toFloat(rb, tb), TypeFloat), TypeFloat)

	case BinMod:
		if !numbers {
			break
		}
		if ints {
			if p.Observed != TypeInt {
				return abortf(AbortGuardFailed, p.PC, "zero divisor while recording")
			}
			exit := r.snapshot(p, ExitDivZero)
			nz := r.emit(IR_NE, rb, r.imm(IntImm(0), TypeInt), TypeBool)
			r.guard(IR_XT, nz, exit)
			return r.result(p, r.callHelper(HelperIMod, TypeInt, ra, rb), TypeInt)
		}
		return r.result(p, r.callHelper(HelperFMod, TypeFloat, r.toFloat(ra, ta), r.toFloat(rb, tb)), TypeFloat)

	case BinBitAnd, BinBitOr, BinBitXor, BinShl, BinShr:
		if !ints {
			break
		}
		return r.result(p, r.emit(bitOps[p.Op], ra, rb, TypeInt), TypeInt)

	default:
		return r.compare(p, ta, tb, ra, rb)
	}
	return abortf(AbortUnrecordable, p.PC, "%s on %s and %s", p.Op, ta, tb)
}

func (r *Recorder) compare(p *Primitive, ta, tb Type, ra, rb Ref) *AbortError {
	cond := IROp(p.Op - BinEq)
	switch {
	case ta == TypeInt && tb == TypeInt:
		return r.result(p, r.emit(IR_EQ+cond, ra, rb, TypeBool), TypeBool)
	case ta.IsNumber() && tb.IsNumber():
		return r.result(p, r.emit(IR_FEQ+cond, r.toFloat(ra, ta), r.toFloat(rb, tb), TypeBool), TypeBool)
	case p.Op != BinEq && p.Op != BinNe:
		return abortf(AbortUnrecordable, p.PC, "%s on %s and %s", p.Op, ta, tb)
	case ta != tb:
		return r.result(p, r.imm(IntImm(boolInt(p.Op == BinNe)), TypeBool), TypeBool)
	case ta == TypeString:
		eq := r.callHelper(HelperStrEq, TypeBool, ra, rb)
		if p.Op == BinNe {
			eq = r.emit(IR_EQ, eq, r.imm(IntImm(0), TypeInt), TypeBool)
		}
		return r.result(p, eq, TypeBool)
	}
	return r.result(p, r.emit(IR_EQ+cond, ra, rb, TypeBool), TypeBool)
}

func (r *Recorder) unary(p *Primitive) *AbortError {
	a := p.Args[0]
	t, ref := r.typeOf(a), r.get(a)
	switch {
	case p.UnOp == UnNeg && t == TypeInt:
		if p.Observed != TypeInt {
			return abortf(AbortGuardFailed, p.PC, "neg overflowed while recording")
		}
		exit := r.snapshot(p, ExitOverflow)
		v := r.emit(IR_NEGOV, ref, NoRef, TypeInt)
		r.guard(IR_XOV, v, exit)
		return r.result(p, v, TypeInt)
	case p.UnOp == UnNeg && t == TypeFloat:
		return r.result(p, r.emit(IR_FNEG, ref, NoRef, TypeFloat), TypeFloat)
	case p.UnOp == UnBitNot && t == TypeInt:
		return r.result(p, r.emit(IR_NOT, ref, NoRef, TypeInt), TypeInt)
	case p.UnOp == UnNot && t == TypeFloat:
		return r.result(p, r.emit(IR_FEQ, ref, r.imm(FloatImm(0), TypeFloat), TypeBool), TypeBool)
	case p.UnOp == UnNot:
		return r.result(p, r.emit(IR_EQ, ref, r.imm(IntImm(0), TypeInt), TypeBool), TypeBool)
	}
	return abortf(AbortUnrecordable, p.PC, "%s on %s", p.UnOp, t)
}

// branch 把观察到的条件真假编译成守卫
func (r *Recorder) branch(p *Primitive) *AbortError {
	a := p.Args[0]
	t, ref := r.typeOf(a), r.get(a)
	if inst := r.buf.At(ref); inst.Op == IR_IMM {
		truth := inst.Imm.Bits() != 0
		if t == TypeFloat {
			f := inst.Imm.Float()
			truth = f != 0 || math.IsNaN(f)
		}
		if truth != p.Taken {
			return abortf(AbortGuardFailed, p.PC, "constant condition is %v", truth)
		}
		return nil
	}
	exit := r.snapshot(p, ExitBranch)
	cond := ref
	if t == TypeFloat {
		cond = r.emit(IR_FNE, ref, r.imm(FloatImm(0), TypeFloat), TypeBool)
	}
	if p.Taken {
		r.guard(IR_XT, cond, exit)
	} else {
		r.guard(IR_XF, cond, exit)
	}
	return nil
}

func (r *Recorder) call(p *Primitive) *AbortError {
	desc := r.helpers.Get(p.Helper)
	if len(p.Args) != len(desc.Args) {
		return abortf(AbortUnrecordable, p.PC, "%s takes %d args, got %d", desc.Name, len(desc.Args), len(p.Args))
	}
	args := make([]Ref, len(p.Args))
	for i, a := range p.Args {
		t, ref := r.typeOf(a), r.get(a)
		ok := false
		switch desc.Args[i] {
		case platform.SizeFloat:
			ok = t.IsNumber()
			ref = r.toFloat(ref, t)
		case platform.SizePtr:
			ok = t == TypeString
		case platform.SizeInt:
			ok = t == TypeInt || t == TypeBool
		}
		if !ok {
			return abortf(AbortUnrecordable, p.PC, "%s argument %d is %s", desc.Name, i, t)
		}
		args[i] = ref
	}
	t := helperResultType(desc)
	return r.result(p, r.callHelper(desc.ID, t, args...), t)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
