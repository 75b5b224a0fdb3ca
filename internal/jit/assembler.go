// assembler.go - trace 汇编器
//
// 汇编器从封闭的 IR 缓冲区末尾向入口反向生成代码，寄存器分配与指令选择
// 在同一趟遍历中完成。主 trace 代码与出口桩写在不同的代码页中：
// 守卫在主代码中是一条条件分支，跳到出口页里的出口桩；出口桩把快照写回
// 状态区，把守卫编号放进 ExitReg，再跳到共享的 bailout 桩。
// 这条末尾跳转就是补丁位置，侧 trace 编译后会被改写为跳入侧 trace。

package jit

import (
	"github.com/pkg/errors"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// Assembly 一次汇编的结果
type Assembly struct {
	Entry      platform.CodeAddr
	LoopTop    platform.CodeAddr
	MainPages  []PageHandle
	ExitPages  []PageHandle
	MainCode   []CodeRange
	ExitCode   []CodeRange
	Guards     []*GuardRecord
	SpillSlots int
}

// Assembler 汇编器
type Assembler struct {
	cfg     *Config
	enc     platform.Encoder
	target  *platform.Target
	alloc   *CodeAlloc
	cache   *FragmentCache
	helpers *HelperTable
}

// NewAssembler 创建汇编器
func NewAssembler(cfg *Config, enc platform.Encoder, alloc *CodeAlloc, cache *FragmentCache, helpers *HelperTable) *Assembler {
	return &Assembler{
		cfg:     cfg,
		enc:     enc,
		target:  enc.Target().Limit(cfg.MaxRegisters),
		alloc:   alloc,
		cache:   cache,
		helpers: helpers,
	}
}

// asmState 单次汇编的工作状态
type asmState struct {
	*Assembler
	f     *Fragment
	buf   *Buffer
	main  *chainWriter
	exits *chainWriter
	ra    *RegAlloc

	guards    []*GuardRecord
	exitJumps int
	loopSite  platform.CodeAddr
	hasLoop   bool
	needFlags bool
}

// Assemble 为 f.IR 生成代码
//
// 失败时返回 *AssemblerError，期间取得的代码页全部归还，片段不可执行。
func (a *Assembler) Assemble(f *Fragment) (asm *Assembly, err error) {
	buf := f.IR
	if buf == nil || !buf.Sealed() {
		return nil, errors.Errorf("jit: %s has no sealed IR", f)
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if last := buf.At(buf.Last()); last.Op == IR_JTREE && (f.TreeTarget == nil || !f.TreeTarget.Executable()) {
		return nil, errors.Errorf("jit: %s jumps to a fragment that is not compiled", f)
	}

	s := &asmState{
		Assembler: a,
		f:         f,
		buf:       buf,
		main:      newChainWriter(a.alloc, a.enc, PageMain),
		exits:     newChainWriter(a.alloc, a.enc, PageExit),
	}
	s.ra = newRegAlloc(a.target, a.enc, buf, a.cfg.MaxReservations, a.cfg.MaxSpillSlots, s.main.ensure)

	defer func() {
		if r := recover(); r != nil {
			ae, ok := r.(*AssemblerError)
			if !ok {
				panic(r)
			}
			s.main.abandon()
			s.exits.abandon()
			asm, err = nil, ae
		}
	}()
	return s.run(), nil
}

func (s *asmState) w() *platform.CodeWriter {
	return s.main.ensure()
}

func (s *asmState) run() *Assembly {
	for i := s.buf.Len() - 1; i >= 0; i-- {
		s.ra.at(i)
		s.gen(Ref(i), s.buf.At(Ref(i)))
	}
	s.ra.check()

	loopTop := s.main.pos()
	if s.hasLoop {
		s.enc.Patch(s.alloc.Bytes(), s.loopSite, loopTop)
	}
	entry := loopTop
	if s.f.Kind != FragmentBranch {
		s.enc.Prologue(s.w(), s.cfg.MaxSpillSlots)
		entry = s.main.pos()
	}

	// 反向生成，守卫按 IR 顺序排列
	for i, j := 0, len(s.guards)-1; i < j; i, j = i+1, j-1 {
		s.guards[i], s.guards[j] = s.guards[j], s.guards[i]
	}
	return &Assembly{
		Entry:      entry,
		LoopTop:    loopTop,
		MainPages:  s.main.pages,
		ExitPages:  s.exits.pages,
		MainCode:   s.main.finish(),
		ExitCode:   s.exits.finish(),
		Guards:     s.guards,
		SpillSlots: s.ra.SlotsUsed(),
	}
}

func (s *asmState) gen(ref Ref, inst *IRInst) {
	op := inst.Op
	if op.HasResult() && op != IR_CALL && !s.ra.Live(ref) {
		if !(op.IsOverflowOp() && s.needFlags) {
			// 死代码
			return
		}
		s.ra.reserve(ref)
	}
	if op.IsOverflowOp() {
		s.needFlags = false
	}

	switch {
	case op == IR_LOOP:
		s.loopSite = s.enc.Jump(s.w(), s.alloc.Bailout())
		s.hasLoop = true

	case op == IR_JTREE:
		s.countExitJump()
		s.enc.Jump(s.w(), s.f.TreeTarget.LoopTop)

	case op == IR_STORE:
		r := s.ra.findRegFor(inst.A, 0)
		s.enc.Store(s.w(), s.target.StateBase, int32(inst.Slot), r)

	case op.IsGuard():
		s.guard(inst)

	case op == IR_CALL:
		s.call(ref, inst)

	case op == IR_PARAM:
		r := s.ra.prepareResultReg(ref, 0)
		s.enc.Load(s.w(), r, s.target.StateBase, int32(inst.Slot))

	case op == IR_IMM:
		if s.ra.RegOf(ref) == platform.RegNone {
			// 已在使用处重新物化
			s.ra.release(ref)
			return
		}
		r := s.ra.prepareResultReg(ref, 0)
		s.enc.MovImm(s.w(), r, int64(inst.Imm.Bits()))

	case op.IsBinaryOp():
		rd := s.ra.prepareResultReg(ref, s.operandRegs(inst))
		ra, rb := s.operands(inst.A, inst.B)
		s.enc.Binary(s.w(), op.MachineOp(), rd, ra, rb)

	case op.IsUnaryOp():
		rd := s.ra.prepareResultReg(ref, s.operandRegs(inst))
		ra := s.ra.findRegFor(inst.A, 0)
		s.enc.Unary(s.w(), op.MachineOp(), rd, ra)

	case op.IsCompare():
		rd := s.ra.prepareResultReg(ref, s.operandRegs(inst))
		ra, rb := s.operands(inst.A, inst.B)
		cond, float := op.Cond()
		s.enc.Compare(s.w(), cond, float, rd, ra, rb)

	default:
		panic(errors.Errorf("jit: cannot assemble %s", op))
	}
}

// operandRegs 操作数当前占用的寄存器
func (s *asmState) operandRegs(inst *IRInst) platform.RegSet {
	var set platform.RegSet
	for _, r := range []Ref{inst.A, inst.B} {
		if r != NoRef {
			set = set.With(s.ra.RegOf(r))
		}
	}
	return set
}

func (s *asmState) operands(a, b Ref) (platform.Reg, platform.Reg) {
	if a == b {
		r := s.ra.findRegFor(a, 0)
		return r, r
	}
	var avoid platform.RegSet
	avoid = avoid.With(s.ra.RegOf(b))
	ra := s.ra.findRegFor(a, avoid)
	rb := s.ra.findRegFor(b, platform.SetOf(ra))
	return ra, rb
}

func (s *asmState) countExitJump() {
	s.exitJumps++
	if s.exitJumps > s.cfg.MaxExitJumps {
		asmError(TooManyExitJumps, "more than %d off-trace jumps in %s", s.cfg.MaxExitJumps, s.f)
	}
}

// ============================================================================
// 守卫与出口桩
// ============================================================================

func (s *asmState) guard(inst *IRInst) {
	if len(s.guards) >= s.cfg.MaxGuards {
		asmError(TooManyGuards, "more than %d guards in %s", s.cfg.MaxGuards, s.f)
	}
	var (
		cond platform.GuardCond
		r    = platform.RegNone
	)
	switch inst.Op {
	case IR_XT:
		cond = platform.GuardZero
	case IR_XF:
		cond = platform.GuardNonZero
	case IR_XOV:
		cond = platform.GuardOverflow
		s.needFlags = true
	}
	if inst.Op != IR_XOV {
		r = s.ra.findRegFor(inst.A, 0)
	}

	exit := inst.Exit
	exit.Slots = s.locate(exit)
	id := s.cache.NewGuardID()
	stub, site := s.exitStub(id, exit)
	s.enc.Guard(s.w(), cond, r, stub)
	s.guards = append(s.guards, &GuardRecord{
		ID:        id,
		From:      s.f.ID,
		Target:    Bailout(),
		PatchSite: site,
		Exit:      exit,
	})
}

// locate 守卫处每个快照值的位置
func (s *asmState) locate(exit *SideExit) []SlotLocation {
	slots := make([]SlotLocation, len(exit.Snapshot))
	for i, e := range exit.Snapshot {
		loc := SlotLocation{Addr: e.Addr, Type: e.Type, Reg: platform.RegNone, Slot: noSlot}
		switch inst := s.buf.At(e.Ref); {
		case inst.Op == IR_IMM:
			loc.Kind = LocImmediate
			loc.Imm = inst.Imm
		case s.ra.RegOf(e.Ref) != platform.RegNone:
			loc.Kind = LocRegister
			loc.Reg = s.ra.RegOf(e.Ref)
		default:
			loc.Kind = LocStack
			loc.Slot = s.ra.SlotFor(e.Ref)
		}
		slots[i] = loc
	}
	return slots
}

// exitStub 生成出口桩，返回桩入口与末尾跳转的位置
func (s *asmState) exitStub(id GuardID, exit *SideExit) (stub, site platform.CodeAddr) {
	s.countExitJump()
	t := s.target
	site = s.enc.Jump(s.exits.ensure(), s.alloc.Bailout())
	s.enc.MovImm(s.exits.ensure(), t.ExitReg, int64(id))
	for i := len(exit.Slots) - 1; i >= 0; i-- {
		loc := exit.Slots[i]
		disp := int32(loc.Addr)
		switch loc.Kind {
		case LocRegister:
			s.enc.Store(s.exits.ensure(), t.StateBase, disp, loc.Reg)
		case LocStack:
			s.enc.Store(s.exits.ensure(), t.StateBase, disp, t.Scratch)
			s.enc.Load(s.exits.ensure(), t.Scratch, t.FrameBase, t.SpillDisp(loc.Slot))
		case LocImmediate:
			s.enc.Store(s.exits.ensure(), t.StateBase, disp, t.Scratch)
			s.enc.MovImm(s.exits.ensure(), t.Scratch, int64(loc.Imm.Bits()))
		}
	}
	return s.exits.pos(), site
}

// ============================================================================
// 辅助函数调用
// ============================================================================

func (s *asmState) call(ref Ref, inst *IRInst) {
	desc := s.helpers.Get(inst.Helper)
	res := s.ra.resv(ref)
	if res == nil && desc.Pure() {
		return
	}
	spec := s.helpers.Spec(inst.Helper)
	t := s.target

	// 结果先离开寄存器，避免被当作调用者保存的值驱逐
	resultReg, resultSlot := platform.RegNone, noSlot
	if res != nil {
		resultReg, resultSlot = res.reg, res.slot
		if resultReg != platform.RegNone {
			s.ra.unassign(res)
		}
	}
	s.ra.evictCallerSaved()
	if resultSlot != noSlot {
		s.enc.Store(s.w(), t.FrameBase, t.SpillDisp(resultSlot), t.RetReg)
	}
	if resultReg != platform.RegNone && resultReg != t.RetReg {
		s.enc.Mov(s.w(), resultReg, t.RetReg)
	}
	if res != nil {
		s.ra.release(ref)
	}

	s.enc.Call(s.w(), spec)

	var avoid platform.RegSet
	nreg := len(inst.Args)
	if nreg > len(t.ArgRegs) {
		nreg = len(t.ArgRegs)
	}
	for j := 0; j < nreg; j++ {
		s.ra.findSpecificRegFor(inst.Args[j], t.ArgRegs[j])
		avoid = avoid.With(t.ArgRegs[j])
	}
	for j := nreg; j < len(inst.Args); j++ {
		r := s.ra.findRegFor(inst.Args[j], avoid)
		s.enc.Push(s.w(), r)
	}
	if spec.StackWords(t) > spec.StackArgs(t) {
		s.enc.Push(s.w(), t.Scratch)
	}
}
