package vm

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tracejit/internal/bytecode"
)

// runSource 汇编并在纯解释模式下运行
func runSource(t *testing.T, src string, opts ...Option) (bytecode.Value, error) {
	t.Helper()
	p, err := bytecode.Assemble(src)
	require.NoError(t, err)
	return New(opts...).Run(p)
}

// eval 计算 `a op b` 或 `op a`，b 为空时是一元运算
func eval(t *testing.T, op, a, b string) (bytecode.Value, error) {
	t.Helper()
	src := ".func main 0\n const " + a + "\n"
	if b != "" {
		src += " const " + b + "\n"
	}
	src += " " + op + "\n ret\n"
	return runSource(t, src)
}

// ============================================================================
// 运算语义
// ============================================================================

func TestArithmetic(t *testing.T) {
	tests := []struct {
		op, a, b string
		want     bytecode.Value
	}{
		{"add", "2", "3", bytecode.NewInt(5)},
		{"add", "2147483647", "1", bytecode.NewFloat(2147483648)},
		{"sub", "-2147483648", "1", bytecode.NewFloat(-2147483649)},
		{"mul", "65536", "65536", bytecode.NewFloat(4294967296)},
		{"mul", "-7", "6", bytecode.NewInt(-42)},
		{"add", "1", "0.5", bytecode.NewFloat(1.5)},
		{"add", `"ab"`, `"cd"`, bytecode.NewString("abcd")},
		{"div", "7", "2", bytecode.NewFloat(3.5)},
		{"div", "6", "3", bytecode.NewFloat(2)},
		{"div", "1", "0", bytecode.NewFloat(math.Inf(1))},
		{"mod", "7", "3", bytecode.NewInt(1)},
		{"mod", "-7", "3", bytecode.NewInt(-1)},
		{"mod", "-2147483648", "-1", bytecode.NewInt(0)},
		{"mod", "7.5", "2", bytecode.NewFloat(1.5)},
		{"band", "12", "10", bytecode.NewInt(8)},
		{"bor", "12", "10", bytecode.NewInt(14)},
		{"bxor", "12", "10", bytecode.NewInt(6)},
		{"shl", "1", "31", bytecode.NewInt(math.MinInt32)},
		{"shl", "1", "33", bytecode.NewInt(2)},
		{"shr", "-8", "1", bytecode.NewInt(-4)},
		{"neg", "5", "", bytecode.NewInt(-5)},
		{"neg", "-2147483648", "", bytecode.NewFloat(2147483648)},
		{"neg", "2.5", "", bytecode.NewFloat(-2.5)},
		{"bnot", "0", "", bytecode.NewInt(-1)},
		{"not", "0", "", bytecode.TrueValue},
		{"not", `""`, "", bytecode.TrueValue},
		{"not", "null", "", bytecode.TrueValue},
		{"not", "0.1", "", bytecode.FalseValue},
	}
	for _, tt := range tests {
		t.Run(tt.op+" "+tt.a+" "+tt.b, func(t *testing.T) {
			got, err := eval(t, tt.op, tt.a, tt.b)
			require.NoError(t, err)
			assert.True(t, tt.want.Identical(got), "want %s, got %s", tt.want.Repr(), got.Repr())
		})
	}
}

func TestModByZeroIsNaN(t *testing.T) {
	got, err := eval(t, "mod", "5", "0")
	require.NoError(t, err)
	require.True(t, got.IsFloat())
	assert.True(t, math.IsNaN(got.AsFloat()))
}

func TestComparison(t *testing.T) {
	tests := []struct {
		op, a, b string
		want     bool
	}{
		{"eq", "1", "1.0", true},
		{"eq", "1", "true", false},
		{"eq", "null", "null", true},
		{"eq", `"a"`, `"a"`, true},
		{"ne", `"a"`, "null", true},
		{"lt", "1", "2", true},
		{"lt", "2.5", "2", false},
		{"le", "2", "2.0", true},
		{"gt", `"b"`, `"a"`, true},
		{"ge", "-1", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.op+" "+tt.a+" "+tt.b, func(t *testing.T) {
			got, err := eval(t, tt.op, tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, bytecode.NewBool(tt.want), got)
		})
	}
}

func TestNaNComparesFalse(t *testing.T) {
	for _, op := range []string{"eq", "lt", "ge"} {
		got, err := runSource(t, `
.func main 1
        const 0
        const 0
        mod
        store 0
        load 0
        load 0
        `+op+`
        ret
`)
		require.NoError(t, err)
		assert.Equal(t, bytecode.FalseValue, got, op)
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := map[string]string{
		"add bool":     ".func main 0\n true\n const 1\n add\n ret",
		"compare null": ".func main 0\n null\n const 1\n lt\n ret",
		"neg string":   ".func main 0\n const \"x\"\n neg\n ret",
		"band float":   ".func main 0\n const 1.5\n const 1\n band\n ret",
		"call int":     ".func main 0\n const 3\n call 0\n ret",
		"sqrt string":  ".func main 0\n const \"x\"\n builtin sqrt\n ret",
		"len int":      ".func main 0\n const 3\n builtin len\n ret",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := runSource(t, src)
			var re *RuntimeError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "main/0", re.Function)
			assert.Greater(t, re.Line, 0)
		})
	}
}

// ============================================================================
// 控制流与调用
// ============================================================================

func TestLoopsAndBranches(t *testing.T) {
	// 1 到 100 中奇数之和
	got, err := runSource(t, `
.func main 2
        const 0
        store 0         ; sum
        const 1
        store 1         ; i
top:    load 1
        const 2
        mod
        jumpf even
        load 0
        load 1
        add
        store 0
even:   load 1
        const 1
        add
        dup
        store 1
        const 100
        le
        jumpt more
        jump done
more:   loop top
done:   load 0
        ret
`)
	require.NoError(t, err)
	assert.Equal(t, bytecode.NewInt(2500), got)
}

func TestCallsAndRecursion(t *testing.T) {
	got, err := runSource(t, `
.func main 0
        const @fib
        const 15
        call 1
        ret
.func fib 1 1
        load 0
        const 2
        lt
        jumpf rec
        load 0
        ret
rec:    const @fib
        load 0
        const 1
        sub
        call 1
        const @fib
        load 0
        const 2
        sub
        call 1
        add
        ret
`)
	require.NoError(t, err)
	assert.Equal(t, bytecode.NewInt(610), got)

	_, err = runSource(t, ".func main 0\n const @f\n call 0\n ret\n.func f 0\n const @f\n call 0\n ret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call stack overflow")

	_, err = runSource(t, ".func main 0\n const @f\n call 0\n ret\n.func f 1 1\n load 0\n ret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects 1 arguments")
}

func TestBuiltinsAndPrint(t *testing.T) {
	var out bytes.Buffer
	got, err := runSource(t, `
.func main 0
        const 16
        builtin sqrt
        print
        const -2.5
        builtin abs
        builtin floor
        print
        const "hello"
        builtin len
        print
        const " 42.5 "
        builtin number
        print
        const 7
        const 4
        builtin fmod
        print
        const "tr"
        const "ace"
        add
        print
        const 1
        halt
`, WithOutput(&out))
	require.NoError(t, err)
	assert.True(t, got.IsNull(), "halt yields null")
	assert.Equal(t, "4\n2\n5\n42.5\n3\ntrace\n", out.String())
}

func TestInvoke(t *testing.T) {
	p, err := bytecode.Assemble(`
.func main 0
        null
        ret
.func add3 3 3
        load 0
        load 1
        add
        load 2
        add
        ret
`)
	require.NoError(t, err)
	vm := New()
	got, err := vm.Invoke(p.Lookup("add3"), bytecode.NewInt(1), bytecode.NewFloat(2), bytecode.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, bytecode.NewFloat(6), got)

	_, err = vm.Invoke(p.Lookup("add3"), bytecode.NewInt(1))
	assert.Error(t, err)
	assert.Equal(t, uint64(1), vm.Stats().FunctionCalls)
}
