package vm

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/bytecode"
	"github.com/tangzhangming/tracejit/internal/jit"
)

// ============================================================================
// 装箱与拆箱
// 状态区每个槽位是一个 64 位未装箱值，类型由类型映射单独给出
// ============================================================================

// jitType 值在 trace 中的类型，函数值无法表示
func jitType(v bytecode.Value) (jit.Type, bool) {
	switch v.Type {
	case bytecode.ValNull:
		return jit.TypeNull, true
	case bytecode.ValBool:
		return jit.TypeBool, true
	case bytecode.ValInt:
		return jit.TypeInt, true
	case bytecode.ValFloat:
		return jit.TypeFloat, true
	case bytecode.ValString:
		return jit.TypeString, true
	}
	return 0, false
}

// unbox 拆箱，字符串放入共享的字符串堆
func (vm *VM) unbox(v bytecode.Value) (uint64, jit.Type, bool) {
	t, ok := jitType(v)
	if !ok {
		return 0, 0, false
	}
	switch t {
	case jit.TypeBool:
		if v.AsBool() {
			return 1, t, true
		}
		return 0, t, true
	case jit.TypeInt:
		return uint64(v.AsInt()), t, true
	case jit.TypeFloat:
		return math.Float64bits(v.AsFloat()), t, true
	case jit.TypeString:
		return uint64(vm.heap.Intern(v.AsString())), t, true
	}
	return 0, t, true
}

// rebox 按类型把未装箱值还原为解释器的值
func (vm *VM) rebox(bits uint64, t jit.Type) bytecode.Value {
	switch t {
	case jit.TypeBool:
		return bytecode.NewBool(bits != 0)
	case jit.TypeInt:
		return bytecode.NewInt(int64(int32(bits)))
	case jit.TypeFloat:
		return bytecode.NewFloat(math.Float64frombits(bits))
	case jit.TypeString:
		return bytecode.NewString(vm.heap.Lookup(jit.Handle(bits)))
	}
	return bytecode.NullValue
}

// entryTypes 循环头处局部变量的类型映射
//
// 操作数栈非空或存在函数值时返回 false，这样的循环不进入 JIT。
func (vm *VM) entryTypes(frame *CallFrame) (jit.TypeMap, bool) {
	if vm.sp != frame.base() {
		return nil, false
	}
	tm := make(jit.TypeMap, frame.function.Locals)
	for i := range tm {
		t, ok := jitType(vm.stack[frame.bp+i])
		if !ok {
			return nil, false
		}
		tm[i] = t
	}
	return tm, true
}

// ============================================================================
// 循环回边
// ============================================================================

// loopEdge 在回边处闭合记录、进入已编译片段或累计热度
//
// 返回时 frame.ip 与栈指针指向解释器应继续执行的位置。
func (vm *VM) loopEdge(frame *CallFrame, pc, header int) error {
	mon := vm.mon
	key := jit.FragmentKey{Code: frame.function.ID, PC: header, Depth: vm.fp}
	tm, ok := vm.entryTypes(frame)

	if mon.Recording() {
		if rk, _ := mon.RecordingKey(); rk == key {
			if !ok {
				mon.AbortRecording(jit.AbortUnrecordable, pc, "loop state holds a function value")
			} else if err := mon.EndRecording(tm); err != nil {
				vm.log.Debug("trace not installed", zap.Int("pc", header), zap.Error(err))
			}
		} else {
			vm.record(jit.Primitive{Kind: jit.PrimLoopEdge, PC: pc, Depth: vm.depth(), Target: header})
		}
	}
	if !ok {
		return nil
	}
	if f := mon.EnterFragment(key, tm); f != nil {
		return vm.enter(frame, f)
	}
	mon.MaybeStartRecording(key, tm)
	return nil
}

// enter 执行片段，按出口快照还原局部变量与操作数栈
func (vm *VM) enter(frame *CallFrame, f *jit.Fragment) error {
	fn := frame.function
	if n := fn.Locals + fn.MaxStack; len(vm.state) < n {
		vm.state = make([]uint64, n)
	}
	state := vm.state
	mark := vm.heap.Len()
	for i := 0; i < fn.Locals; i++ {
		state[i], _, _ = vm.unbox(vm.stack[frame.bp+i])
	}

	vm.stats.FragmentRuns++
	g, err := vm.mon.Execute(f, state)
	if err != nil {
		return errors.Wrapf(err, "running trace of %s at %04d", fn, f.Key.PC)
	}

	exit := g.Exit
	for i, t := range exit.TypeMap() {
		vm.stack[frame.bp+i] = vm.rebox(state[i], t)
	}
	// 运行中产生的字符串都已还原为值
	vm.heap.Truncate(mark)
	vm.sp = frame.base() + exit.Depth
	frame.ip = exit.PC
	vm.stats.SideExits++
	vm.mon.HandleExit(g)
	return nil
}

// ============================================================================
// 记录
// 指令执行完后报告，Depth 是执行前的操作数栈深度
// ============================================================================

var binOps = map[bytecode.OpCode]jit.BinOp{
	bytecode.OpAdd:    jit.BinAdd,
	bytecode.OpSub:    jit.BinSub,
	bytecode.OpMul:    jit.BinMul,
	bytecode.OpDiv:    jit.BinDiv,
	bytecode.OpMod:    jit.BinMod,
	bytecode.OpBitAnd: jit.BinBitAnd,
	bytecode.OpBitOr:  jit.BinBitOr,
	bytecode.OpBitXor: jit.BinBitXor,
	bytecode.OpShl:    jit.BinShl,
	bytecode.OpShr:    jit.BinShr,
	bytecode.OpEq:     jit.BinEq,
	bytecode.OpNe:     jit.BinNe,
	bytecode.OpLt:     jit.BinLt,
	bytecode.OpLe:     jit.BinLe,
	bytecode.OpGt:     jit.BinGt,
	bytecode.OpGe:     jit.BinGe,
}

var unOps = map[bytecode.OpCode]jit.UnOp{
	bytecode.OpNeg:    jit.UnNeg,
	bytecode.OpBitNot: jit.UnBitNot,
	bytecode.OpNot:    jit.UnNot,
}

func (vm *VM) record(p jit.Primitive) {
	if err := vm.mon.RecordPrimitive(p); err != nil {
		vm.log.Debug("trace recording stopped", zap.Int("pc", p.PC), zap.Stringer("primitive", p.Kind), zap.Error(err))
	}
}

// stackSlot 操作数栈第 i 个位置在状态区中的地址
func (vm *VM) stackSlot(i int) jit.Addr {
	return jit.SlotAddr(vm.currentFrame().function.Locals + i)
}

func (vm *VM) traceUnrecordable(pc, depth int) {
	vm.record(jit.Primitive{Kind: jit.PrimUnrecordable, PC: pc, Depth: depth})
}

func (vm *VM) traceConst(pc, depth int, v bytecode.Value) {
	bits, t, ok := vm.unbox(v)
	if !ok {
		vm.traceUnrecordable(pc, depth)
		return
	}
	vm.record(jit.Primitive{
		Kind:     jit.PrimConst,
		PC:       pc,
		Depth:    depth,
		Result:   vm.stackSlot(depth),
		Imm:      jit.ImmFor(t, bits),
		Observed: t,
	})
}

// traceCopy from 与 to 是帧内槽位编号
func (vm *VM) traceCopy(pc, depth, from, to int, v bytecode.Value) {
	t, ok := jitType(v)
	if !ok {
		vm.traceUnrecordable(pc, depth)
		return
	}
	vm.record(jit.Primitive{
		Kind:     jit.PrimCopy,
		PC:       pc,
		Depth:    depth,
		Args:     []jit.Addr{jit.SlotAddr(from)},
		Result:   jit.SlotAddr(to),
		Observed: t,
	})
}

func (vm *VM) traceBinary(pc, depth int, op bytecode.OpCode, v bytecode.Value) {
	t, _ := jitType(v)
	vm.record(jit.Primitive{
		Kind:     jit.PrimBinary,
		PC:       pc,
		Depth:    depth,
		Args:     []jit.Addr{vm.stackSlot(depth - 2), vm.stackSlot(depth - 1)},
		Result:   vm.stackSlot(depth - 2),
		Op:       binOps[op],
		Observed: t,
	})
}

func (vm *VM) traceUnary(pc, depth int, op bytecode.OpCode, v bytecode.Value) {
	t, _ := jitType(v)
	vm.record(jit.Primitive{
		Kind:     jit.PrimUnary,
		PC:       pc,
		Depth:    depth,
		Args:     []jit.Addr{vm.stackSlot(depth - 1)},
		Result:   vm.stackSlot(depth - 1),
		UnOp:     unOps[op],
		Observed: t,
	})
}

// traceBranch taken 是条件的真值，与跳转方向无关
func (vm *VM) traceBranch(pc, depth int, taken bool, target int) {
	vm.record(jit.Primitive{
		Kind:   jit.PrimBranch,
		PC:     pc,
		Depth:  depth,
		Args:   []jit.Addr{vm.stackSlot(depth - 1)},
		Taken:  taken,
		Target: target,
	})
}

func (vm *VM) traceBuiltin(pc, depth int, desc *jit.HelperDesc, arity int, v bytecode.Value) {
	args := make([]jit.Addr, arity)
	for i := range args {
		args[i] = vm.stackSlot(depth - arity + i)
	}
	t, _ := jitType(v)
	vm.record(jit.Primitive{
		Kind:     jit.PrimCall,
		PC:       pc,
		Depth:    depth,
		Args:     args,
		Result:   vm.stackSlot(depth - arity),
		Helper:   desc.ID,
		Observed: t,
	})
}
