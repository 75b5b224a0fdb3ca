package jit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func param(b *Buffer, i int) Ref {
	return b.Append(IRInst{Op: IR_PARAM, A: NoRef, B: NoRef, Type: TypeInt, Slot: SlotAddr(i)})
}

func TestBufferOperandsPrecedeUsers(t *testing.T) {
	b := NewBuffer()
	p := param(b, 0)
	assert.Panics(t, func() { b.Append(IRInst{Op: IR_ADD, A: p, B: 5}) })
	assert.Panics(t, func() { b.Append(IRInst{Op: IR_ADD, A: p, B: p + 1}) })

	st := b.Append(IRInst{Op: IR_STORE, A: p, B: NoRef, Slot: SlotAddr(1)})
	assert.Panics(t, func() { b.Append(IRInst{Op: IR_NEG, A: st, B: NoRef}) }, "store has no value")
}

func TestBufferOverflowGuardPlacement(t *testing.T) {
	b := NewBuffer()
	p := param(b, 0)
	exit := &SideExit{Snapshot: []SnapshotEntry{{Addr: SlotAddr(0), Ref: p, Type: TypeInt}}}
	assert.Panics(t, func() { b.Append(IRInst{Op: IR_XOV, A: p, B: NoRef, Exit: exit}) })

	v := b.Append(IRInst{Op: IR_ADDOV, A: p, B: p, Type: TypeInt})
	assert.Panics(t, func() { b.Append(IRInst{Op: IR_XOV, A: v, B: NoRef}) }, "guard without exit")
	b.Append(IRInst{Op: IR_XOV, A: v, B: NoRef, Exit: exit})

	bad := &SideExit{Snapshot: []SnapshotEntry{{Addr: SlotAddr(0), Ref: 99}}}
	assert.Panics(t, func() { b.Append(IRInst{Op: IR_XT, A: v, B: NoRef, Exit: bad}) })
}

func TestBufferSeal(t *testing.T) {
	b := NewBuffer()
	assert.Equal(t, NoRef, b.Last())
	assert.Panics(t, b.Seal, "empty buffer")

	p := param(b, 0)
	assert.Panics(t, b.Seal, "no terminal")
	b.Append(IRInst{Op: IR_LOOP, A: NoRef, B: NoRef})
	b.Seal()
	assert.True(t, b.Sealed())
	assert.Equal(t, Ref(1), b.Last())
	assert.Panics(t, func() { param(b, 1) })
	assert.Panics(t, b.Seal)
	require.NoError(t, b.Validate())
	assert.Equal(t, TypeInt, b.At(p).Type)

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Sealed())
	assert.Error(t, b.Validate())
}

func TestBufferUsesIncludeSnapshots(t *testing.T) {
	b := NewBuffer()
	p0 := param(b, 0)
	p1 := param(b, 1)
	sum := b.Append(IRInst{Op: IR_ADDOV, A: p0, B: p0, Type: TypeInt})
	exit := &SideExit{Snapshot: []SnapshotEntry{
		{Addr: SlotAddr(0), Ref: p0, Type: TypeInt},
		{Addr: SlotAddr(1), Ref: p1, Type: TypeInt},
	}}
	b.Append(IRInst{Op: IR_XOV, A: sum, B: NoRef, Exit: exit})
	b.Append(IRInst{Op: IR_STORE, A: sum, B: NoRef, Slot: SlotAddr(0)})
	b.Append(IRInst{Op: IR_LOOP, A: NoRef, B: NoRef})
	b.Seal()

	uses := b.Uses()
	assert.Equal(t, []int32{2, 3}, uses[p0], "operand use recorded once per instruction")
	assert.Equal(t, []int32{3}, uses[p1])
	assert.Equal(t, []int32{3, 4}, uses[sum])
}

func TestIROpClasses(t *testing.T) {
	assert.True(t, IR_ADDOV.IsOverflowOp())
	assert.True(t, IR_NEGOV.IsOverflowOp())
	assert.False(t, IR_ADD.IsOverflowOp())
	assert.True(t, IR_FDIV.IsBinaryOp())
	assert.True(t, IR_I2F.IsUnaryOp())
	assert.True(t, IR_FGE.IsCompare())
	assert.False(t, IR_STORE.HasResult())
	assert.True(t, IR_CALL.HasResult())
	assert.True(t, IR_JTREE.IsTerminal())

	cond, float := IR_FLT.Cond()
	assert.True(t, float)
	c2, float2 := IR_LT.Cond()
	assert.False(t, float2)
	assert.Equal(t, cond, c2)
	assert.Panics(t, func() { IR_ADD.Cond() })
	assert.Equal(t, "UNKNOWN(200)", IROp(200).String())
}

func TestPrintIR(t *testing.T) {
	j := newTestJIT(t, testConfig())
	f, _ := j.cache.GetOrCreate(FragmentKey{Code: 1})
	f.EntryTypes = TypeMap{TypeInt, TypeInt}
	buf := j.record(t, f, f.EntryTypes, nil, counterPrims(BinLt), f.EntryTypes, nil)

	out := PrintIR(buf)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, buf.Len())
	assert.Contains(t, lines[0], "param s0 : int")
	assert.Contains(t, out, "addov v0, v2 : int")
	assert.Contains(t, out, "xov v3 -> exit(overflow pc=2 s0=v0 s1=v1 s2=v0 s3=v2)")
	assert.Contains(t, out, "store s0, v3")
	assert.Contains(t, lines[len(lines)-1], "loop")
}
