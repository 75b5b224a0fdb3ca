package vm

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tangzhangming/tracejit/internal/bytecode"
	"github.com/tangzhangming/tracejit/internal/jit"
)

// ============================================================================
// 执行引擎
// ============================================================================

// run 执行到最外层帧返回或遇到 halt
//
// 记录 trace 时，每条指令执行完后把对应的原语报告给监视器。
func (vm *VM) run() (bytecode.Value, error) {
	for {
		frame := vm.currentFrame()
		chunk := frame.chunk
		code := chunk.Code
		pc := frame.ip
		if pc >= len(code) {
			return bytecode.NullValue, vm.runtimeError("execution ran past the end of %s", frame.function)
		}
		vm.opStart = pc
		op := bytecode.OpCode(code[pc])
		frame.ip += op.Size()
		vm.stats.InstructionsExecuted++

		tracing := vm.mon != nil && vm.mon.Recording()
		depth := vm.sp - frame.base()

		switch op {
		// ===== 常量与栈 =====

		case bytecode.OpConst:
			v := chunk.Constants[chunk.ReadU16(pc+1)]
			vm.push(v)
			if tracing {
				vm.traceConst(pc, depth, v)
			}

		case bytecode.OpNull, bytecode.OpTrue, bytecode.OpFalse:
			v := bytecode.NullValue
			if op != bytecode.OpNull {
				v = bytecode.NewBool(op == bytecode.OpTrue)
			}
			vm.push(v)
			if tracing {
				vm.traceConst(pc, depth, v)
			}

		case bytecode.OpPop:
			vm.pop()

		case bytecode.OpDup:
			v := vm.peek(0)
			vm.push(v)
			if tracing {
				vm.traceCopy(pc, depth, frame.function.Locals+depth-1, frame.function.Locals+depth, v)
			}

		// ===== 局部变量 =====

		case bytecode.OpLoad:
			slot := int(chunk.ReadU16(pc + 1))
			v := vm.stack[frame.bp+slot]
			vm.push(v)
			if tracing {
				vm.traceCopy(pc, depth, slot, frame.function.Locals+depth, v)
			}

		case bytecode.OpStore:
			slot := int(chunk.ReadU16(pc + 1))
			v := vm.pop()
			vm.stack[frame.bp+slot] = v
			if tracing {
				vm.traceCopy(pc, depth, frame.function.Locals+depth-1, slot, v)
			}

		// ===== 运算 =====

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpBitAnd, bytecode.OpBitOr, bytecode.OpBitXor, bytecode.OpShl, bytecode.OpShr:
			b, a := vm.peek(0), vm.peek(1)
			v, ok := arith(op, a, b)
			if !ok {
				return bytecode.NullValue, vm.runtimeError("cannot %s %s and %s", op, a.Type, b.Type)
			}
			vm.sp--
			vm.stack[vm.sp-1] = v
			if tracing {
				vm.traceBinary(pc, depth, op, v)
			}

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			b, a := vm.peek(0), vm.peek(1)
			v, ok := compare(op, a, b)
			if !ok {
				return bytecode.NullValue, vm.runtimeError("cannot compare %s and %s", a.Type, b.Type)
			}
			vm.sp--
			vm.stack[vm.sp-1] = v
			if tracing {
				vm.traceBinary(pc, depth, op, v)
			}

		case bytecode.OpNeg, bytecode.OpBitNot, bytecode.OpNot:
			a := vm.peek(0)
			v, ok := unary(op, a)
			if !ok {
				return bytecode.NullValue, vm.runtimeError("cannot %s %s", op, a.Type)
			}
			vm.stack[vm.sp-1] = v
			if tracing {
				vm.traceUnary(pc, depth, op, v)
			}

		// ===== 控制流 =====

		case bytecode.OpJump:
			frame.ip = chunk.JumpTarget(pc)

		case bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
			taken := vm.pop().Truthy()
			if taken == (op == bytecode.OpJumpIfTrue) {
				frame.ip = chunk.JumpTarget(pc)
			}
			if tracing {
				vm.traceBranch(pc, depth, taken, chunk.JumpTarget(pc))
			}

		case bytecode.OpLoop:
			header := chunk.JumpTarget(pc)
			frame.ip = header
			vm.stats.LoopEdges++
			if vm.mon != nil {
				if err := vm.loopEdge(frame, pc, header); err != nil {
					return bytecode.NullValue, err
				}
			}

		// ===== 调用 =====

		case bytecode.OpBuiltin:
			b := bytecode.Builtins[code[pc+1]]
			desc, ok := vm.helpers.Lookup(b.Helper)
			if !ok {
				return bytecode.NullValue, vm.runtimeError("builtin %s has no helper %s", b.Name, b.Helper)
			}
			v, err := vm.callBuiltin(desc, vm.stack[vm.sp-b.Arity:vm.sp])
			if err != nil {
				return bytecode.NullValue, err
			}
			vm.sp -= b.Arity
			vm.push(v)
			if tracing {
				vm.traceBuiltin(pc, depth, desc, b.Arity, v)
			}

		case bytecode.OpCall:
			if tracing {
				vm.traceUnrecordable(pc, depth)
			}
			argc := int(code[pc+1])
			callee := vm.peek(argc)
			fn := callee.AsFunc()
			if fn == nil {
				return bytecode.NullValue, vm.runtimeError("cannot call %s", callee.Type)
			}
			if fn.Arity != argc {
				return bytecode.NullValue, vm.runtimeError("%s expects %d arguments, got %d", fn, fn.Arity, argc)
			}
			if err := vm.pushFrame(fn, argc); err != nil {
				return bytecode.NullValue, err
			}

		case bytecode.OpReturn:
			if tracing {
				vm.traceUnrecordable(pc, depth)
			}
			result := vm.pop()
			vm.sp = frame.bp - 1
			vm.fp--
			if vm.fp == 0 {
				return result, nil
			}
			vm.push(result)

		// ===== 其他 =====

		case bytecode.OpPrint:
			if tracing {
				vm.traceUnrecordable(pc, depth)
			}
			if _, err := fmt.Fprintln(vm.out, vm.pop().String()); err != nil {
				return bytecode.NullValue, errors.Wrap(err, "print failed")
			}

		case bytecode.OpHalt:
			if tracing {
				vm.traceUnrecordable(pc, depth)
			}
			return bytecode.NullValue, nil

		default:
			if tracing {
				vm.mon.AbortRecording(jit.AbortUnrecordable, pc, op.String())
			}
			return bytecode.NullValue, vm.runtimeError("unknown opcode %s", op)
		}
	}
}
