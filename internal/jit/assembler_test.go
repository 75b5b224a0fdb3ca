package jit

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

func TestAssembleCounterRunsToBranchExit(t *testing.T) {
	j := newTestJIT(t, testConfig())
	f := j.compileCounter(t, BinLt)
	require.True(t, f.Executable())
	require.Len(t, f.Guards, 2)
	assert.NotEqual(t, f.Entry, f.LoopTop, "root fragments have a prologue")

	state := []uint64{0, 10, 0, 0}
	g := j.run(t, f, state)
	assert.Equal(t, ExitBranch, g.Exit.Kind)
	assert.Equal(t, 7, g.Exit.PC)
	assert.Equal(t, 1, g.Exit.Depth)
	assert.Equal(t, []uint64{10, 10, 0}, state[:3])
}

func TestAssembleOverflowExit(t *testing.T) {
	j := newTestJIT(t, testConfig())
	f := j.compileCounter(t, BinNe)

	state := []uint64{i32(math.MaxInt32 - 3), 0, 0, 0}
	g := j.run(t, f, state)
	assert.Equal(t, ExitOverflow, g.Exit.Kind)
	assert.Equal(t, 2, g.Exit.PC)
	assert.Equal(t, 2, g.Exit.Depth)
	// 出口恢复的是溢出运算之前的状态
	assert.Equal(t, []uint64{i32(math.MaxInt32), 0, i32(math.MaxInt32), 1}, state)
}

func TestAssembleExitLocations(t *testing.T) {
	j := newTestJIT(t, testConfig())
	f := j.compileCounter(t, BinNe)
	for _, g := range f.Guards {
		require.NoError(t, g.Exit.CheckSlots())
		assert.Equal(t, TargetBailout, g.Target.Kind)
		assert.Equal(t, j.alloc.Bailout(), j.enc.BranchTarget(j.alloc.Bytes(), g.PatchSite))
	}
	// s3 是常量 1
	xov := f.Guards[0].Exit
	assert.Equal(t, LocImmediate, xov.Slots[3].Kind)
	assert.Equal(t, int64(1), xov.Slots[3].Imm.Int())
}

func TestAssembleSpillsUnderPressure(t *testing.T) {
	const n = 10
	for _, regs := range []int{0, 2} {
		cfg := testConfig()
		cfg.MaxRegisters = regs
		j := newTestJIT(t, cfg)
		f, _ := j.cache.GetOrCreate(FragmentKey{Code: 2})
		f.EntryTypes = intTypes(n)
		j.record(t, f, f.EntryTypes, nil, wideCounterPrims(n), f.EntryTypes, nil)
		asm, err := j.asm.Assemble(f)
		require.NoError(t, err)
		if regs > 0 {
			assert.Greater(t, asm.SpillSlots, 0)
		}
		j.cache.Install(f, asm)
		j.rec.Commit()

		state := make([]uint64, n+2)
		state[0] = i32(-5)
		for k := 1; k < n; k++ {
			state[k] = uint64(k * 100)
		}
		g := j.run(t, f, state)
		assert.Equal(t, ExitBranch, g.Exit.Kind, "registers=%d", regs)
		assert.Equal(t, uint64(0), state[0])
		for k := 1; k < n; k++ {
			assert.Equal(t, uint64(k*100+5), state[k], "slot %d registers=%d", k, regs)
		}
	}
}

func TestAssembleHelperCalls(t *testing.T) {
	j := newTestJIT(t, testConfig())
	ab := j.heap.Intern("ab")
	prims := []Primitive{
		copyPrim(0, 0, s(0), s(2), TypeString),
		constPrim(1, 1, PtrImm(ab), s(3), TypeString),
		binPrim(2, 2, BinAdd, s(2), s(3), s(2), TypeString),
		copyPrim(3, 1, s(2), s(0), TypeString),
		copyPrim(4, 0, s(1), s(2), TypeInt),
		constPrim(5, 1, IntImm(1), s(3), TypeInt),
		binPrim(6, 2, BinSub, s(2), s(3), s(2), TypeInt),
		copyPrim(7, 1, s(2), s(1), TypeInt),
		copyPrim(8, 0, s(1), s(2), TypeInt),
		constPrim(9, 1, IntImm(0), s(3), TypeInt),
		binPrim(10, 2, BinNe, s(2), s(3), s(2), TypeBool),
		branchPrim(11, 1, s(2), true),
	}
	f, _ := j.cache.GetOrCreate(FragmentKey{Code: 3})
	f.EntryTypes = TypeMap{TypeString, TypeInt}
	j.record(t, f, f.EntryTypes, nil, prims, f.EntryTypes, nil)
	j.compile(t, f)

	state := []uint64{0, 3, 0, 0}
	g := j.run(t, f, state)
	assert.Equal(t, ExitBranch, g.Exit.Kind)
	assert.Equal(t, "ababab", j.heap.Lookup(Handle(state[0])))
	assert.Equal(t, uint64(0), state[1])
}

func TestAssembleFloatAndMod(t *testing.T) {
	j := newTestJIT(t, testConfig())
	// s2 = s0 % s1 (int); s3 = s2 / s1 (float); 然后在 s0 != 0 时继续
	prims := []Primitive{
		binPrim(0, 0, BinMod, s(0), s(1), s(4), TypeInt),
		copyPrim(1, 1, s(4), s(2), TypeInt),
		binPrim(2, 0, BinDiv, s(2), s(1), s(4), TypeFloat),
		copyPrim(3, 1, s(4), s(3), TypeFloat),
		copyPrim(4, 0, s(0), s(4), TypeInt),
		constPrim(5, 1, IntImm(1), s(5), TypeInt),
		binPrim(6, 2, BinSub, s(4), s(5), s(4), TypeInt),
		copyPrim(7, 1, s(4), s(0), TypeInt),
		copyPrim(8, 0, s(0), s(4), TypeInt),
		branchPrim(9, 1, s(4), true),
	}
	entry := TypeMap{TypeInt, TypeInt, TypeInt, TypeFloat}
	f, _ := j.cache.GetOrCreate(FragmentKey{Code: 4})
	f.EntryTypes = entry
	j.record(t, f, entry, nil, prims, entry, nil)
	j.compile(t, f)

	state := []uint64{7, 4, 0, math.Float64bits(0), 0, 0}
	g := j.run(t, f, state)
	assert.Equal(t, ExitBranch, g.Exit.Kind)
	assert.Equal(t, uint64(0), state[0])
	// 最后一轮 s0 = 1
	assert.Equal(t, uint64(1), state[2])
	assert.Equal(t, 0.25, math.Float64frombits(state[3]))

	// 除数为 0 时从取模守卫离开
	state = []uint64{7, 0, 0, math.Float64bits(0), 0, 0}
	g = j.run(t, f, state)
	assert.Equal(t, ExitDivZero, g.Exit.Kind)
	assert.Equal(t, 0, g.Exit.PC)
	assert.Equal(t, uint64(7), state[0])
}

func TestAssembleChainsPages(t *testing.T) {
	cfg := testConfig()
	cfg.PageSize = 1024
	cfg.MaxCodePages = 64
	cfg.MaxRegisters = 2
	j := newTestJIT(t, cfg)
	const n = 10
	f, _ := j.cache.GetOrCreate(FragmentKey{Code: 5})
	f.EntryTypes = intTypes(n)
	j.record(t, f, f.EntryTypes, nil, wideCounterPrims(n), f.EntryTypes, nil)
	j.compile(t, f)
	assert.Greater(t, len(f.ExitPages), 1)
	assert.Len(t, f.ExitCode, len(f.ExitPages))

	state := make([]uint64, n+2)
	state[0] = i32(-3)
	g := j.run(t, f, state)
	assert.Equal(t, ExitBranch, g.Exit.Kind)
	assert.Equal(t, uint64(3), state[n-1])
}

func TestAssemblerTypedErrors(t *testing.T) {
	cases := []struct {
		name   string
		tweak  func(*Config)
		wide   bool
		target error
	}{
		{"too many guards", func(c *Config) { c.MaxGuards = 1 }, false, ErrTooManyGuards},
		{"too many exit jumps", func(c *Config) { c.MaxExitJumps = 1 }, false, ErrTooManyExits},
		{"out of code space", func(c *Config) { c.MaxCodePages = 2; c.PageSize = 1024 }, false, ErrOutOfCodeSpace},
		{"reservation table full", func(c *Config) { c.MaxReservations = 2 }, false, ErrTooManyLive},
		{"frame overflow", func(c *Config) { c.MaxRegisters = 2; c.MaxSpillSlots = 1 }, true, ErrFrameOverflow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.tweak(cfg)
			j := newTestJIT(t, cfg)
			f, _ := j.cache.GetOrCreate(FragmentKey{Code: 6})
			if tc.wide {
				f.EntryTypes = intTypes(10)
				j.record(t, f, f.EntryTypes, nil, wideCounterPrims(10), f.EntryTypes, nil)
			} else {
				f.EntryTypes = TypeMap{TypeInt, TypeInt}
				j.record(t, f, f.EntryTypes, nil, counterPrims(BinLt), f.EntryTypes, nil)
			}
			free := j.alloc.FreePages()

			asm, err := j.asm.Assemble(f)
			require.Error(t, err)
			assert.Nil(t, asm)
			assert.True(t, errors.Is(err, tc.target), err.Error())
			var ae *AssemblerError
			assert.True(t, errors.As(err, &ae))
			assert.Equal(t, free, j.alloc.FreePages(), "pages returned")
			assert.False(t, f.Executable())
		})
	}
}

func TestAssembleRejectsUnsealed(t *testing.T) {
	j := newTestJIT(t, testConfig())
	f, _ := j.cache.GetOrCreate(FragmentKey{Code: 8})
	_, err := j.asm.Assemble(f)
	assert.Error(t, err)

	f.IR = NewBuffer()
	param(f.IR, 0)
	_, err = j.asm.Assemble(f)
	assert.Error(t, err)
}

func TestAssembleDeadCodeSkipped(t *testing.T) {
	j := newTestJIT(t, testConfig())
	f, _ := j.cache.GetOrCreate(FragmentKey{Code: 9})
	f.EntryTypes = TypeMap{TypeInt, TypeFloat}
	// 结果被丢弃的纯运算不生成代码
	prims := []Primitive{
		binPrim(0, 0, BinMul, s(1), s(1), s(2), TypeFloat),
		binPrim(1, 1, BinBitXor, s(0), s(0), s(3), TypeInt),
		copyPrim(2, 0, s(0), s(2), TypeInt),
		branchPrim(3, 1, s(2), true),
	}
	j.record(t, f, f.EntryTypes, nil, prims, f.EntryTypes, nil)
	j.compile(t, f)

	dis := platform.DisassembleVirtual(j.alloc.Bytes(), f.MainCode[0].From, f.MainCode[0].To)
	assert.NotContains(t, dis, "fmul")
	assert.NotContains(t, dis, "xor")

	state := []uint64{0, math.Float64bits(2), 0, 0}
	g := j.run(t, f, state)
	assert.Equal(t, ExitBranch, g.Exit.Kind)
}
