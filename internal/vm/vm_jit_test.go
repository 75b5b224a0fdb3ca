package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tracejit/internal/bytecode"
	"github.com/tangzhangming/tracejit/internal/jit"
)

func newMonitor(t *testing.T, tweak func(*jit.Config)) *jit.Monitor {
	t.Helper()
	cfg := jit.DefaultConfig()
	if tweak != nil {
		tweak(cfg)
	}
	m, err := jit.NewMonitor(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })
	return m
}

// compareRuns 分别以纯解释和 JIT 模式运行，结果与输出必须逐位一致
func compareRuns(t *testing.T, src string, tweak func(*jit.Config)) (bytecode.Value, jit.StatsSnapshot) {
	t.Helper()
	p, err := bytecode.Assemble(src)
	require.NoError(t, err)

	var plainOut, jitOut bytes.Buffer
	want, err := New(WithOutput(&plainOut)).Run(p)
	require.NoError(t, err)

	mon := newMonitor(t, tweak)
	vm := New(WithMonitor(mon), WithOutput(&jitOut))
	got, err := vm.Run(p)
	require.NoError(t, err)

	assert.True(t, want.Identical(got), "interpreter %s, jit %s", want.Repr(), got.Repr())
	assert.Equal(t, plainOut.String(), jitOut.String())
	checkExits(t, mon)
	return got, mon.Stats()
}

// checkExits 每个出口都恰好恢复局部变量与操作数栈上的每个槽位一次
func checkExits(t *testing.T, mon *jit.Monitor) {
	t.Helper()
	for _, f := range mon.Cache().Fragments() {
		if !f.Executable() {
			continue
		}
		locals := len(f.Root.EntryTypes)
		for _, g := range f.Guards {
			exit := g.Exit
			assert.NoError(t, exit.CheckSlots(), "%s %s", f, exit)
			require.Len(t, exit.Snapshot, locals+exit.Depth, "%s %s", f, exit)
			for i, s := range exit.Snapshot {
				assert.Equal(t, jit.SlotAddr(i), s.Addr, "%s %s", f, exit)
			}
		}
	}
}

const millionSrc = `
.func main 2
        const 0
        store 0
        const 1000000
        store 1
top:    load 0
        const 1
        add
        store 0
        load 0
        load 1
        lt
        jumpf done
        loop top
done:   load 0
        ret
`

func TestJITCountsToAMillion(t *testing.T) {
	p, err := bytecode.Assemble(millionSrc)
	require.NoError(t, err)
	mon := newMonitor(t, nil)
	vm := New(WithMonitor(mon))

	got, err := vm.Run(p)
	require.NoError(t, err)
	assert.Equal(t, bytecode.NewInt(1000000), got)

	st := mon.Stats()
	assert.Equal(t, int64(1), st.RootsCompiled)
	assert.Equal(t, int64(1), st.Executions)
	assert.Equal(t, int64(1), st.ExitsByKind["branch"])
	assert.Zero(t, st.RecordingsAbort)

	vs := vm.Stats()
	assert.Equal(t, uint64(1), vs.FragmentRuns)
	assert.Less(t, vs.InstructionsExecuted, uint64(100), "the loop runs as a trace")

	interp := New()
	_, err = interp.Run(p)
	require.NoError(t, err)
	assert.Greater(t, interp.Stats().InstructionsExecuted, uint64(9000000))
}

func TestJITOverflowLeavesTraceOnce(t *testing.T) {
	// c 从 MaxInt32-499999 开始，第 500000 次加一溢出为 float
	got, st := compareRuns(t, `
.func main 3
        const 2146983648
        store 0          ; c
        const 0
        store 1          ; i
        const 1000000
        store 2          ; n
top:    load 0
        const 1
        add
        store 0
        load 1
        const 1
        add
        store 1
        load 1
        load 2
        lt
        jumpf done
        loop top
done:   load 0
        ret
`, nil)
	assert.Equal(t, bytecode.NewFloat(2147983648), got)
	assert.Equal(t, int64(1), st.ExitsByKind["overflow"])
	assert.Equal(t, int64(1), st.RootsCompiled)
	assert.Equal(t, int64(1), st.PeersCompiled, "float peer for the widened counter")
}

func TestJITSideTraceForAlternatingBranch(t *testing.T) {
	// 偶数加 1，奇数加 3
	_, st := compareRuns(t, `
.func main 3
        const 0
        store 0          ; acc
        const 0
        store 1          ; i
        const 5000
        store 2
top:    load 1
        const 2
        mod
        jumpt odd
        load 0
        const 1
        add
        store 0
        jump next
odd:    load 0
        const 3
        add
        store 0
next:   load 1
        const 1
        add
        store 1
        load 1
        load 2
        lt
        jumpf done
        loop top
done:   load 0
        ret
`, func(cfg *jit.Config) { cfg.HotExitThreshold = 4 })
	assert.Equal(t, int64(1), st.BranchesCompiled)
	assert.Equal(t, int64(1), st.Promotions)
	assert.Less(t, st.SideExits, int64(20), "the promoted exit stays on trace")
}

func TestJITStringsAndBuiltins(t *testing.T) {
	compareRuns(t, `
.func main 4
        const ""
        store 0          ; s
        const 0
        store 1          ; i
        const 0.0
        store 2          ; acc
        const 1
        store 3          ; flag
top:    load 0
        const "ab"
        add
        store 0
        load 2
        load 1
        builtin sqrt
        add
        load 0
        builtin len
        const 7
        builtin fmod
        add
        builtin floor
        store 2
        load 3
        not
        store 3
        load 1
        const 1
        add
        store 1
        load 1
        const 300
        lt
        jumpf done
        loop top
done:   load 0
        builtin len
        print
        load 3
        print
        load 2
        ret
`, nil)
}

func TestStringHeapDropsTemporaries(t *testing.T) {
	p, err := bytecode.Assemble(`
.func main 2
        const ""
        store 0          ; s
        const 0
        store 1          ; i
top:    load 0
        const "xy"
        add
        store 0
        load 1
        load 0
        builtin len
        add
        store 1
        load 0
        builtin len
        const 2000
        lt
        jumpf done
        loop top
done:   load 0
        builtin len
        ret
`)
	require.NoError(t, err)

	for _, jitOn := range []bool{false, true} {
		var opts []Option
		if jitOn {
			opts = append(opts, WithMonitor(newMonitor(t, nil)))
		}
		vm := New(opts...)
		got, err := vm.Run(p)
		require.NoError(t, err)
		assert.Equal(t, bytecode.NewInt(2000), got)
		assert.LessOrEqual(t, vm.heap.Len(), 4, "jit=%v", jitOn)
	}
}

func TestJITNestedLoopsAndCalls(t *testing.T) {
	_, st := compareRuns(t, `
.func main 3
        const 0
        store 0          ; sum
        const 0
        store 1          ; i
outer:  const 0
        store 2          ; j
inner:  load 0
        load 2
        add
        store 0
        load 2
        const 1
        add
        store 2
        load 2
        const 50
        lt
        jumpf innerdone
        loop inner
innerdone:
        const @twice
        load 1
        call 1
        load 0
        add
        const 1000003
        mod
        store 0
        load 1
        const 1
        add
        store 1
        load 1
        const 200
        lt
        jumpf done
        loop outer
done:   load 0
        ret
.func twice 1 1
        load 0
        const 2
        mul
        ret
`, nil)
	assert.GreaterOrEqual(t, st.RootsCompiled, int64(1))
	assert.Greater(t, st.AbortsByReason["unrecordable"]+st.AbortsByReason["nested loop"], int64(0))
}

func TestJITDivZeroExit(t *testing.T) {
	// i 为 10 时除数为 0，r 短暂变为 NaN
	got, st := compareRuns(t, `
.func main 4
        const 0
        store 0          ; acc
        const 100
        store 1          ; i
        const 0
        store 2          ; d
        const 0
        store 3          ; r
top:    load 1
        const 10
        sub
        store 2
        const 1000
        load 2
        mod
        store 3
        load 0
        load 1
        add
        store 0
        load 1
        const 1
        sub
        dup
        store 1
        jumpf done
        loop top
done:   load 0
        load 3
        add
        ret
`, nil)
	assert.Equal(t, bytecode.NewInt(5051), got)
	assert.Equal(t, int64(1), st.ExitsByKind["divzero"])
}

func TestJITGivesUpOnLoopTooLargeForCodeSpace(t *testing.T) {
	// i % 3 分三路累加
	_, st := compareRuns(t, `
.func main 2
        const 0
        store 0          ; acc
        const 0
        store 1          ; i
top:    load 1
        const 3
        mod
        dup
        jumpf zero
        const 1
        eq
        jumpt one
        load 0
        const 5
        add
        store 0
        jump next
zero:   pop
        load 0
        const 1
        add
        store 0
        jump next
one:    load 0
        const 3
        add
        store 0
next:   load 1
        const 1
        add
        store 1
        load 1
        const 3000
        lt
        jumpf done
        loop top
done:   load 0
        ret
`, func(cfg *jit.Config) {
		cfg.MaxCodePages = 2
		cfg.PageSize = 1024
	})
	limit := int64(jit.DefaultConfig().MaxRecordAttempts)
	assert.LessOrEqual(t, st.AssemblyFailures, limit)
	assert.LessOrEqual(t, st.Flushes, limit)
}

func TestJITCompileOnlyBackend(t *testing.T) {
	cfg := jit.DefaultConfig()
	cfg.Backend = jit.BackendX64
	mon, err := jit.NewMonitor(cfg)
	if err != nil {
		t.Skipf("executable memory unavailable: %v", err)
	}
	defer mon.Close()

	p, err := bytecode.Assemble(millionSrc)
	require.NoError(t, err)
	vm := New(WithMonitor(mon))
	got, err := vm.Run(p)
	require.NoError(t, err)
	assert.Equal(t, bytecode.NewInt(1000000), got)
	assert.Equal(t, uint64(0), vm.Stats().FragmentRuns)
	assert.Equal(t, int64(1), mon.Stats().RootsCompiled)
}
