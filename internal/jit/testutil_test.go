package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// testJIT 不经过 Monitor 直接组装各组件
type testJIT struct {
	cfg     *Config
	enc     platform.Encoder
	alloc   *CodeAlloc
	cache   *FragmentCache
	helpers *HelperTable
	heap    *Heap
	rec     *Recorder
	asm     *Assembler
	machine *platform.Machine
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	cfg.MaxCodePages = 16
	return cfg
}

func newTestJIT(t *testing.T, cfg *Config) *testJIT {
	t.Helper()
	require.NoError(t, cfg.Validate())
	enc := platform.NewVirtual()
	alloc, err := NewCodeAlloc(cfg.MaxCodePages, cfg.PageSize, false)
	require.NoError(t, err)
	alloc.InstallBailout(enc)
	j := &testJIT{
		cfg:     cfg,
		enc:     enc,
		alloc:   alloc,
		helpers: NewHelperTable(),
		heap:    NewHeap(),
	}
	j.cache = NewFragmentCache(alloc, enc)
	j.rec = NewRecorder(j.helpers, cfg.MaxTraceLength)
	j.asm = NewAssembler(cfg, enc, alloc, j.cache, j.helpers)
	j.machine = platform.NewMachine(alloc.Bytes(), j.helpers.Bind(j.heap))
	j.machine.MaxSteps = 10_000_000
	return j
}

// record 记录一串原语并闭合，返回封闭的缓冲区
func (j *testJIT) record(t *testing.T, f *Fragment, entry TypeMap, anchor *GuardRecord, prims []Primitive, end TypeMap, target *Fragment) *Buffer {
	t.Helper()
	require.NoError(t, j.rec.Start(f, entry, anchor))
	for _, p := range prims {
		require.NoError(t, j.rec.Record(p), "pc %d", p.PC)
	}
	buf, err := j.rec.Close(end, target)
	require.NoError(t, err)
	f.IR = buf
	f.TreeTarget = target
	return buf
}

// compile 汇编并安装
func (j *testJIT) compile(t *testing.T, f *Fragment) {
	t.Helper()
	asm, err := j.asm.Assemble(f)
	require.NoError(t, err)
	j.cache.Install(f, asm)
	j.rec.Commit()
}

// run 执行片段直到出口
func (j *testJIT) run(t *testing.T, f *Fragment, state []uint64) *GuardRecord {
	t.Helper()
	id, err := j.machine.Run(f.Entry, state)
	require.NoError(t, err)
	g, ok := j.cache.Guard(GuardID(id))
	require.True(t, ok, "unknown guard %d", id)
	return g
}

// compileCounter 编译计数循环的根片段
func (j *testJIT) compileCounter(t *testing.T, cmp BinOp) *Fragment {
	t.Helper()
	f, created := j.cache.GetOrCreate(FragmentKey{Code: 1, PC: 0})
	require.True(t, created)
	f.EntryTypes = TypeMap{TypeInt, TypeInt}
	j.record(t, f, f.EntryTypes, nil, counterPrims(cmp), f.EntryTypes, nil)
	j.compile(t, f)
	return f
}

// ============================================================================
// 原语序列
// ============================================================================

func s(i int) Addr { return SlotAddr(i) }

func copyPrim(pc, depth int, from, to Addr, t Type) Primitive {
	return Primitive{Kind: PrimCopy, PC: pc, Depth: depth, Args: []Addr{from}, Result: to, Observed: t}
}

func constPrim(pc, depth int, imm Immediate, to Addr, t Type) Primitive {
	return Primitive{Kind: PrimConst, PC: pc, Depth: depth, Imm: imm, Result: to, Observed: t}
}

func binPrim(pc, depth int, op BinOp, a, b, to Addr, t Type) Primitive {
	return Primitive{Kind: PrimBinary, PC: pc, Depth: depth, Op: op, Args: []Addr{a, b}, Result: to, Observed: t}
}

func branchPrim(pc, depth int, cond Addr, taken bool) Primitive {
	return Primitive{Kind: PrimBranch, PC: pc, Depth: depth, Args: []Addr{cond}, Taken: taken}
}

// counterPrims 循环体：s0 = s0 + 1; 当 s0 cmp s1 时继续
//
//	0 load 0; 1 const 1; 2 add; 3 store 0; 4 load 0; 5 load 1; 6 cmp; 7 jumpt 0
func counterPrims(cmp BinOp) []Primitive {
	return []Primitive{
		copyPrim(0, 0, s(0), s(2), TypeInt),
		constPrim(1, 1, IntImm(1), s(3), TypeInt),
		binPrim(2, 2, BinAdd, s(2), s(3), s(2), TypeInt),
		copyPrim(3, 1, s(2), s(0), TypeInt),
		copyPrim(4, 0, s(0), s(2), TypeInt),
		copyPrim(5, 1, s(1), s(3), TypeInt),
		binPrim(6, 2, cmp, s(2), s(3), s(2), TypeBool),
		branchPrim(7, 1, s(2), true),
	}
}

// wideCounterPrims n 个局部变量各自加一，然后在 s0 != 0 时继续
func wideCounterPrims(n int) []Primitive {
	var prims []Primitive
	pc := 0
	top, next := s(n), s(n+1)
	for k := 0; k < n; k++ {
		prims = append(prims,
			copyPrim(pc, 0, s(k), top, TypeInt),
			constPrim(pc+1, 1, IntImm(1), next, TypeInt),
			binPrim(pc+2, 2, BinAdd, top, next, top, TypeInt),
			copyPrim(pc+3, 1, top, s(k), TypeInt),
		)
		pc += 4
	}
	return append(prims,
		copyPrim(pc, 0, s(0), top, TypeInt),
		constPrim(pc+1, 1, IntImm(0), next, TypeInt),
		binPrim(pc+2, 2, BinNe, top, next, top, TypeBool),
		branchPrim(pc+3, 1, top, true),
	)
}

func intTypes(n int) TypeMap {
	tm := make(TypeMap, n)
	for i := range tm {
		tm[i] = TypeInt
	}
	return tm
}

func i32(v int64) uint64 { return uint64(int64(int32(v))) }
