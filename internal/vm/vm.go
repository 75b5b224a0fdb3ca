package vm

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/bytecode"
	"github.com/tangzhangming/tracejit/internal/jit"
)

// ============================================================================
// VM 核心结构
// ============================================================================

// StackSize 值栈大小，所有帧的局部变量与操作数栈共用
const StackSize = 64 * 1024

// CallStackSize 调用栈大小
const CallStackSize = 256

// VM 虚拟机
//
// 每个帧在值栈上占一段连续区域：先是局部变量，后面紧跟操作数栈。
// 这与 JIT 状态区的布局一致，槽位 i 即帧内第 i 个值。
type VM struct {
	stack []bytecode.Value
	sp    int // 栈指针 (指向下一个空位)

	frames [CallStackSize]CallFrame
	fp     int // 帧数

	opStart int // 正在执行的指令位置

	out io.Writer
	log *zap.Logger

	// JIT
	mon     *jit.Monitor
	heap    *jit.Heap
	helpers *jit.HelperTable
	state   []uint64 // 进入片段时的状态区

	stats VMStats
}

// CallFrame 调用帧
type CallFrame struct {
	function *bytecode.Function
	chunk    *bytecode.Chunk
	ip       int
	bp       int // 第一个局部变量在值栈中的位置
}

// base 操作数栈起点
func (f *CallFrame) base() int {
	return f.bp + f.function.Locals
}

// VMStats 虚拟机统计信息
type VMStats struct {
	InstructionsExecuted uint64 // 解释执行的指令数
	FunctionCalls        uint64 // 函数调用次数
	LoopEdges            uint64 // 回边次数
	FragmentRuns         uint64 // 进入编译片段的次数
	SideExits            uint64 // 从片段返回解释器的次数
}

// Option VM 选项
type Option func(*VM)

// WithMonitor 在循环回边处使用 JIT
func WithMonitor(m *jit.Monitor) Option {
	return func(vm *VM) { vm.mon = m }
}

// WithOutput print 指令的输出目标
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithLogger 使用指定的日志
func WithLogger(l *zap.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// ============================================================================
// VM 生命周期
// ============================================================================

// New 创建新的虚拟机
func New(opts ...Option) *VM {
	vm := &VM{
		stack: make([]bytecode.Value, StackSize),
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.log == nil {
		vm.log = zap.NewNop()
	}
	if vm.mon != nil {
		vm.heap = vm.mon.Heap()
		vm.helpers = vm.mon.Helpers()
	} else {
		vm.heap = jit.NewHeap()
		vm.helpers = jit.NewHelperTable()
	}
	return vm
}

// Reset 重置虚拟机状态 (用于复用)
func (vm *VM) Reset() {
	for i := 0; i < vm.sp; i++ {
		vm.stack[i] = bytecode.NullValue
	}
	vm.sp = 0
	vm.fp = 0
	vm.stats = VMStats{}
}

// Monitor 使用的 JIT 监视器，可能为 nil
func (vm *VM) Monitor() *jit.Monitor {
	return vm.mon
}

// Stats 获取统计信息
func (vm *VM) Stats() VMStats {
	return vm.stats
}

// ============================================================================
// 执行入口
// ============================================================================

// Run 执行程序的 main 函数
func (vm *VM) Run(p *bytecode.Program) (bytecode.Value, error) {
	if p.Main == nil {
		return bytecode.NullValue, fmt.Errorf("program has no main function")
	}
	return vm.Invoke(p.Main)
}

// Invoke 以给定参数调用函数并运行到它返回
func (vm *VM) Invoke(fn *bytecode.Function, args ...bytecode.Value) (bytecode.Value, error) {
	if len(args) != fn.Arity {
		return bytecode.NullValue, fmt.Errorf("%s expects %d arguments, got %d", fn, fn.Arity, len(args))
	}
	vm.Reset()
	vm.push(bytecode.NewFunc(fn))
	for _, a := range args {
		vm.push(a)
	}
	if err := vm.pushFrame(fn, len(args)); err != nil {
		return bytecode.NullValue, err
	}
	result, err := vm.run()
	if err != nil && vm.mon != nil {
		vm.mon.AbortRecording(jit.AbortUnrecordable, 0, err.Error())
	}
	return result, err
}

// ============================================================================
// 栈与帧
// ============================================================================

func (vm *VM) push(v bytecode.Value) {
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() bytecode.Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) bytecode.Value {
	return vm.stack[vm.sp-1-distance]
}

// pushFrame 为栈顶的 argc 个参数建立帧，参数成为前 argc 个局部变量
func (vm *VM) pushFrame(fn *bytecode.Function, argc int) error {
	if vm.fp >= CallStackSize {
		return vm.runtimeError("call stack overflow")
	}
	bp := vm.sp - argc
	if bp+fn.Locals+fn.MaxStack > len(vm.stack) {
		return vm.runtimeError("value stack overflow")
	}
	for i := argc; i < fn.Locals; i++ {
		vm.stack[bp+i] = bytecode.NullValue
	}
	vm.sp = bp + fn.Locals

	frame := &vm.frames[vm.fp]
	frame.function = fn
	frame.chunk = fn.Chunk
	frame.ip = 0
	frame.bp = bp
	vm.fp++
	vm.stats.FunctionCalls++
	return nil
}

func (vm *VM) currentFrame() *CallFrame {
	return &vm.frames[vm.fp-1]
}

// depth 当前帧的操作数栈深度
func (vm *VM) depth() int {
	return vm.sp - vm.currentFrame().base()
}

// ============================================================================
// 错误处理
// ============================================================================

// RuntimeError 运行时错误
type RuntimeError struct {
	Function string
	Offset   int
	Line     int
	Message  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error in %s at %04d (line %d): %s", e.Function, e.Offset, e.Line, e.Message)
}

// runtimeError 以当前指令位置构造运行时错误
func (vm *VM) runtimeError(format string, args ...interface{}) error {
	e := &RuntimeError{Message: fmt.Sprintf(format, args...)}
	if vm.fp > 0 {
		frame := vm.currentFrame()
		e.Function = frame.function.String()
		e.Offset = vm.opStart
		e.Line = frame.chunk.Line(vm.opStart)
	}
	return e
}
