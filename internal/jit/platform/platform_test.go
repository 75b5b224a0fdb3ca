package platform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegSet(t *testing.T) {
	s := SetOf(VR1, VR3, VR7)
	assert.Equal(t, 3, s.Count())
	assert.True(t, s.Has(VR3))
	assert.False(t, s.Has(VR2))
	assert.False(t, s.Has(RegNone))
	assert.Equal(t, VR1, s.First())
	assert.Equal(t, []Reg{VR1, VR3, VR7}, s.Regs())
	assert.Equal(t, RegNone, RegSet(0).First())
	assert.Equal(t, 2, s.Without(VR1).Count())
}

func TestTargetLimitKeepsArgRegs(t *testing.T) {
	tgt := NewVirtual().Target()
	lim := tgt.Limit(2)
	for _, r := range tgt.ArgRegs {
		assert.True(t, lim.Allocatable.Has(r), "arg register %s dropped", tgt.RegName(r))
	}
	assert.Equal(t, len(tgt.ArgRegs), lim.Allocatable.Count())
	assert.Same(t, tgt, tgt.Limit(0))
	assert.Equal(t, int32(16), tgt.SpillDisp(2))
}

func TestCodeWriterPrepend(t *testing.T) {
	mem := make([]byte, 8)
	w := NewCodeWriter(mem, 0, 8)
	w.Prepend([]byte{3, 4})
	w.Prepend([]byte{1, 2})
	assert.Equal(t, CodeAddr(4), w.Pos())
	assert.Equal(t, 4, w.Free())
	assert.Equal(t, []byte{1, 2, 3, 4}, mem[4:])
	assert.Panics(t, func() { w.Prepend(make([]byte, 5)) })
}

// ============================================================================
// Virtual
// ============================================================================

type addHelpers struct {
	calls [][]uint64
}

func (h *addHelpers) CallHelper(index int32, args []uint64) uint64 {
	h.calls = append(h.calls, append([]uint64(nil), args...))
	var sum int64
	for _, a := range args {
		sum += int64(a)
	}
	return uint64(sum)
}

func newVirtualProgram(t *testing.T) (*Virtual, *CodeWriter, CodeAddr) {
	t.Helper()
	v := NewVirtual()
	mem := make([]byte, 4096)
	w := NewCodeWriter(mem, 0, len(mem))
	v.Bailout(w)
	return v, w, w.Pos()
}

func TestVirtualStraightLine(t *testing.T) {
	v, w, bail := newVirtualProgram(t)

	// 反向写入
	v.Jump(w, bail)
	v.MovImm(w, VR0, 7)
	v.Store(w, VState, 8, VR3)
	v.Binary(w, OpAdd, VR3, VR1, VR2)
	v.MovImm(w, VR2, 2)
	v.MovImm(w, VR1, 40)
	v.Prologue(w, 2)
	entry := w.Pos()

	state := make([]uint64, 2)
	m := NewMachine(w.Mem(), nil)
	id, err := m.Run(entry, state)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, uint64(42), state[1])
	assert.Len(t, m.Frame, 2)
}

func TestVirtualOverflowGuard(t *testing.T) {
	v, w, bail := newVirtualProgram(t)

	// 溢出出口：r0 = 99
	v.Jump(w, bail)
	v.MovImm(w, VR0, 99)
	exit := w.Pos()

	v.Jump(w, bail)
	v.MovImm(w, VR0, 1)
	v.Guard(w, GuardOverflow, RegNone, exit)
	v.Binary(w, OpAddOv, VR2, VR1, VR2)
	v.Load(w, VR2, VState, 8)
	v.Load(w, VR1, VState, 0)
	v.Prologue(w, 0)
	entry := w.Pos()

	m := NewMachine(w.Mem(), nil)
	id, err := m.Run(entry, []uint64{5, 6})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	id, err = m.Run(entry, []uint64{math.MaxInt32, 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(99), id)
	assert.True(t, m.Overflow)
	assert.Equal(t, int64(math.MinInt32), int64(m.Regs[VR2]))
}

func TestVirtualPatch(t *testing.T) {
	v, w, bail := newVirtualProgram(t)

	v.Jump(w, bail)
	v.MovImm(w, VR0, 2)
	other := w.Pos()

	v.Jump(w, bail)
	v.MovImm(w, VR0, 1)
	entry := w.Pos()
	site := v.Jump(w, entry)
	start := w.Pos()
	assert.Equal(t, start, site)
	assert.Equal(t, entry, v.BranchTarget(w.Mem(), site))

	m := NewMachine(w.Mem(), nil)
	id, err := m.Run(start, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	v.Patch(w.Mem(), site, other)
	assert.Equal(t, other, v.BranchTarget(w.Mem(), site))
	id, err = m.Run(start, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	assert.Panics(t, func() { v.Patch(w.Mem(), other, entry) })
}

func TestVirtualCallMarshaling(t *testing.T) {
	v, w, bail := newVirtualProgram(t)
	spec := &CallSpec{
		Index: 3,
		Args:  []SizeClass{SizeInt, SizePtr, SizePtr, SizePtr, SizeInt, SizePtr},
		Ret:   SizeInt,
	}
	require.Equal(t, 2, spec.StackArgs(v.Target()))
	require.Equal(t, 2, spec.StackWords(v.Target()))

	v.Jump(w, bail)
	v.Store(w, VState, 0, VR0)
	v.Call(w, spec)
	// 栈参数逆序压入：先压 arg5，再压 arg4
	v.Push(w, VR5)
	v.Push(w, VR6)
	v.MovImm(w, VR6, -3)
	v.MovImm(w, VR5, 1000)
	v.MovImm(w, VR3, 4)
	v.MovImm(w, VR2, 3)
	v.MovImm(w, VR1, 2)
	v.MovImm(w, VR0, 1<<32|1) // 低 32 位为 1
	v.Prologue(w, 0)

	h := &addHelpers{}
	m := NewMachine(w.Mem(), h)
	state := make([]uint64, 1)
	_, err := m.Run(w.Pos(), state)
	require.NoError(t, err)

	require.Len(t, h.calls, 1)
	args := h.calls[0]
	assert.Equal(t, uint64(1), args[0])
	assert.Equal(t, uint64(1000), args[4])
	assert.Equal(t, int64(-3), int64(args[5]))
	assert.Equal(t, int64(1+2+3+4-3+1000), int64(state[0]))
	assert.Empty(t, m.Args)
	assert.Equal(t, uint64(clobber), m.Regs[VR5])
}

func TestVirtualFloatCompareNaN(t *testing.T) {
	nan := math.Float64bits(math.NaN())
	one := math.Float64bits(1)
	for _, c := range []Cond{CondEQ, CondLT, CondLE, CondGT, CondGE} {
		assert.False(t, compare(c, true, nan, one), c.String())
	}
	assert.True(t, compare(CondNE, true, nan, one))
	assert.True(t, compare(CondLT, false, uint64(^uint64(0)), 0)) // -1 < 0
}

func TestMachineErrors(t *testing.T) {
	v, w, _ := newVirtualProgram(t)
	v.Load(w, VR0, VR1, 0)
	m := NewMachine(w.Mem(), nil)
	_, err := m.Run(w.Pos(), nil)
	assert.ErrorIs(t, err, ErrBadAddress)

	v2, w2, _ := newVirtualProgram(t)
	loop := w2.Pos() - WordSize
	v2.Jump(w2, loop)
	m = NewMachine(w2.Mem(), nil)
	m.MaxSteps = 100
	_, err = m.Run(w2.Pos(), nil)
	assert.ErrorIs(t, err, ErrStepLimit)
}

func TestDisassembleVirtual(t *testing.T) {
	v, w, bail := newVirtualProgram(t)
	v.Jump(w, bail)
	v.Binary(w, OpAddOv, VR1, VR2, VR3)
	out := DisassembleVirtual(w.Mem(), w.Pos(), CodeAddr(len(w.Mem())))
	assert.Contains(t, out, "addov r1, r2, r3")
	assert.Contains(t, out, "bail")
}

// ============================================================================
// X64
// ============================================================================

func x64Bytes(fn func(e *X64, w *CodeWriter)) []byte {
	e := NewX64()
	mem := make([]byte, 256)
	w := NewCodeWriter(mem, 0, len(mem))
	fn(e, w)
	return mem[w.Pos():]
}

func TestX64Encoding(t *testing.T) {
	tests := []struct {
		name string
		fn   func(e *X64, w *CodeWriter)
		want []byte
	}{
		{"mov rax, rcx", func(e *X64, w *CodeWriter) { e.Mov(w, RAX, RCX) }, []byte{0x48, 0x89, 0xC8}},
		{"mov r9, rax", func(e *X64, w *CodeWriter) { e.Mov(w, R9, RAX) }, []byte{0x49, 0x89, 0xC1}},
		{"load rax, [r15+8]", func(e *X64, w *CodeWriter) { e.Load(w, RAX, R15, 8) }, []byte{0x49, 0x8B, 0x47, 0x08}},
		{"load rax, [r12]", func(e *X64, w *CodeWriter) { e.Load(w, RAX, R12, 0) }, []byte{0x49, 0x8B, 0x04, 0x24}},
		{"load rax, [r13]", func(e *X64, w *CodeWriter) { e.Load(w, RAX, R13, 0) }, []byte{0x49, 0x8B, 0x45, 0x00}},
		{"store [rbp-48], rax", func(e *X64, w *CodeWriter) { e.Store(w, RBP, -48, RAX) }, []byte{0x48, 0x89, 0x45, 0xD0}},
		{"store [r15+1024], rcx", func(e *X64, w *CodeWriter) { e.Store(w, R15, 1024, RCX) }, []byte{0x49, 0x89, 0x8F, 0x00, 0x04, 0x00, 0x00}},
		{"mov eax, 1", func(e *X64, w *CodeWriter) { e.MovImm(w, RAX, 1) }, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}},
		{"mov rax, -1", func(e *X64, w *CodeWriter) { e.MovImm(w, RAX, -1) }, []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"push r12", func(e *X64, w *CodeWriter) { e.Push(w, R12) }, []byte{0x41, 0x54}},
		{"add rax, rcx", func(e *X64, w *CodeWriter) { e.Binary(w, OpAdd, RAX, RAX, RCX) }, []byte{0x48, 0x01, 0xC8}},
		{"addov eax, ecx", func(e *X64, w *CodeWriter) { e.Binary(w, OpAddOv, RAX, RAX, RCX) }, []byte{0x01, 0xC8, 0x48, 0x63, 0xC0}},
		{"imul rdx, rbx", func(e *X64, w *CodeWriter) { e.Binary(w, OpMul, RDX, RDX, RBX) }, []byte{0x48, 0x0F, 0xAF, 0xD3}},
		{"sub rdx = rax - rdx", func(e *X64, w *CodeWriter) { e.Binary(w, OpSub, RDX, RAX, RDX) },
			[]byte{0x49, 0x89, 0xD3, 0x48, 0x89, 0xC2, 0x4C, 0x29, 0xDA}},
		{"neg rax", func(e *X64, w *CodeWriter) { e.Unary(w, OpNeg, RAX, RAX) }, []byte{0x48, 0xF7, 0xD8}},
		{"cmp/setl", func(e *X64, w *CodeWriter) { e.Compare(w, CondLT, false, RAX, RCX, RDX) },
			[]byte{0x48, 0x39, 0xD1, 0x40, 0x0F, 0x9C, 0xC0, 0x40, 0x0F, 0xB6, 0xC0}},
		{"jmp rel32", func(e *X64, w *CodeWriter) { e.Jump(w, 256) }, []byte{0xE9, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, x64Bytes(tt.fn))
		})
	}
}

func TestX64GuardPatch(t *testing.T) {
	e := NewX64()
	mem := make([]byte, 256)
	w := NewCodeWriter(mem, 0, len(mem))
	e.Bailout(w)
	bail := w.Pos()
	site := e.Guard(w, GuardZero, RAX, bail)

	// test rax, rax; jz bail
	assert.Equal(t, []byte{0x48, 0x85, 0xC0, 0x0F, 0x84}, mem[w.Pos():w.Pos()+5])
	assert.Equal(t, w.Pos()+3, site)
	assert.Equal(t, bail, e.BranchTarget(mem, site))

	e.Patch(mem, site, 16)
	assert.Equal(t, CodeAddr(16), e.BranchTarget(mem, site))

	jsite := e.Jump(w, bail)
	e.Patch(mem, jsite, 32)
	assert.Equal(t, CodeAddr(32), e.BranchTarget(mem, jsite))

	assert.Panics(t, func() { e.Patch(mem, bail, 0) })
}

func TestX64PrologueAlignment(t *testing.T) {
	out := x64Bytes(func(e *X64, w *CodeWriter) { e.Prologue(w, 4) })
	// push rbp; mov rbp, rsp
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xE5}, out[:4])
	// sub rsp, 40（4 个槽 + 8 字节对齐）
	assert.Contains(t, string(out), string([]byte{0x48, 0x83, 0xEC, 40}))
	// mov r15, rdi
	assert.Equal(t, []byte{0x49, 0x89, 0xFF}, out[len(out)-3:])
	assert.Equal(t, int32(-48), NewX64().Target().SpillDisp(0))
}

func TestX64CallCleanup(t *testing.T) {
	spec := &CallSpec{Address: 0x1000, Args: []SizeClass{SizePtr, SizePtr, SizePtr, SizePtr, SizePtr}, Ret: SizePtr}
	out := x64Bytes(func(e *X64, w *CodeWriter) { e.Call(w, spec) })
	// 一个栈参数加一个填充字
	assert.Equal(t, 2, spec.StackWords(NewX64().Target()))
	assert.Equal(t, []byte{0x41, 0xBB, 0x00, 0x10, 0x00, 0x00, 0x41, 0xFF, 0xD3, 0x48, 0x83, 0xC4, 16}, out)
}
