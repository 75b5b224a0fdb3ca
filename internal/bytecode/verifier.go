package bytecode

import (
	"fmt"

	"go.uber.org/multierr"
)

// VerificationError 字节码验证错误
type VerificationError struct {
	Function string // 所在函数
	Offset   int    // 指令偏移量
	Message  string // 错误消息
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("bytecode verification failed in %s at %04d: %s", e.Function, e.Offset, e.Message)
}

// Verifier 字节码验证器
type Verifier struct {
	fn     *Function
	starts map[int]bool // 每条指令的起始位置
	err    error
}

// NewVerifier 创建验证器
func NewVerifier(fn *Function) *Verifier {
	return &Verifier{fn: fn, starts: make(map[int]bool)}
}

func (v *Verifier) fail(offset int, format string, args ...interface{}) {
	v.err = multierr.Append(v.err, &VerificationError{
		Function: v.fn.Name,
		Offset:   offset,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Verify 验证指令边界、操作数和跳转目标，然后计算最大栈深度
//
// 通过验证后 fn.MaxStack 被设置。
func (v *Verifier) Verify() error {
	fn := v.fn
	if fn.Chunk == nil || fn.Chunk.Len() == 0 {
		v.fail(0, "empty function")
		return v.err
	}
	if fn.Arity > fn.Locals {
		v.fail(0, "arity %d exceeds %d locals", fn.Arity, fn.Locals)
	}
	c := fn.Chunk

	// 第一遍：指令边界与操作数
	last := 0
	for ip := 0; ip < c.Len(); {
		op := OpCode(c.Code[ip])
		if op >= numOpCodes {
			v.fail(ip, "unknown opcode %d", c.Code[ip])
			return v.err
		}
		if ip+op.Size() > c.Len() {
			v.fail(ip, "%s operand runs past the end", op)
			return v.err
		}
		v.starts[ip] = true
		switch op.Operand() {
		case OperandConst:
			if idx := int(c.ReadU16(ip + 1)); idx >= len(c.Constants) {
				v.fail(ip, "constant %d out of range (%d constants)", idx, len(c.Constants))
			}
		case OperandSlot:
			if slot := int(c.ReadU16(ip + 1)); slot >= fn.Locals {
				v.fail(ip, "local %d out of range (%d locals)", slot, fn.Locals)
			}
		case OperandByte:
			if arg := int(c.Code[ip+1]); op == OpBuiltin && arg >= len(Builtins) {
				v.fail(ip, "unknown builtin %d", arg)
			}
		}
		last = ip
		ip += op.Size()
	}

	// 第二遍：跳转目标必须落在指令起点
	for ip := range v.starts {
		op := OpCode(c.Code[ip])
		if k := op.Operand(); k != OperandJump && k != OperandLoop {
			continue
		}
		target := c.JumpTarget(ip)
		if !v.starts[target] {
			v.fail(ip, "%s target %d is not an instruction boundary", op, target)
		}
		if op == OpLoop && target > ip {
			v.fail(ip, "loop target %d is not backwards", target)
		}
	}

	switch OpCode(c.Code[last]) {
	case OpReturn, OpHalt, OpJump, OpLoop:
	default:
		v.fail(last, "execution falls off the end after %s", OpCode(c.Code[last]))
	}
	if v.err != nil {
		return v.err
	}

	res := NewStackChecker(fn.Chunk).Check(DefaultMaxStackDepth)
	for _, e := range res.Errors {
		v.err = multierr.Append(v.err, &VerificationError{Function: fn.Name, Offset: e.Offset, Message: e.Message})
	}
	fn.MaxStack = res.MaxDepth
	return v.err
}

// VerifyProgram 验证程序中的全部函数
func VerifyProgram(p *Program) error {
	var err error
	seen := make(map[uint32]bool)
	for _, fn := range p.Functions {
		if seen[fn.ID] {
			err = multierr.Append(err, fmt.Errorf("duplicate function id %d (%s)", fn.ID, fn.Name))
		}
		seen[fn.ID] = true
		err = multierr.Append(err, NewVerifier(fn).Verify())
	}
	if p.Main == nil {
		err = multierr.Append(err, fmt.Errorf("program has no main function"))
	} else if p.Main.Arity != 0 {
		err = multierr.Append(err, fmt.Errorf("main takes %d arguments", p.Main.Arity))
	}
	return err
}
