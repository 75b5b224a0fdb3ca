package bytecode

import (
	"fmt"
)

// ============================================================================
// 操作数栈深度检查
// ============================================================================

// StackChecker 栈深度检查器
type StackChecker struct {
	chunk        *Chunk
	maxStackSize int // 编译时计算的最大栈深度
	errors       []StackError
}

// StackError 栈检查发现的问题
type StackError struct {
	Offset  int
	Message string
}

// StackCheckResult 栈检查结果
type StackCheckResult struct {
	MaxDepth int          // 最大栈深度
	Depths   []int        // 每个指令起点的栈深度，未到达为 -1
	IsValid  bool         // 是否有效
	Errors   []StackError // 错误信息
}

// DefaultMaxStackDepth 默认最大栈深度
const DefaultMaxStackDepth = 256

// NewStackChecker 创建栈检查器
func NewStackChecker(chunk *Chunk) *StackChecker {
	return &StackChecker{chunk: chunk}
}

func (sc *StackChecker) errorf(pos int, format string, args ...interface{}) {
	sc.errors = append(sc.errors, StackError{Offset: pos, Message: fmt.Sprintf(format, args...)})
}

// Check 执行栈深度检查
//
// 数据流分析：每个位置在所有到达路径上的深度必须一致。
func (sc *StackChecker) Check(maxAllowed int) StackCheckResult {
	if maxAllowed <= 0 {
		maxAllowed = DefaultMaxStackDepth
	}
	sc.errors = nil
	sc.maxStackSize = 0

	code := sc.chunk.Code
	depths := make([]int, len(code))
	for i := range depths {
		depths[i] = -1
	}
	if len(code) == 0 {
		return StackCheckResult{Depths: depths, IsValid: true}
	}

	type workItem struct {
		pos   int
		depth int
	}
	worklist := []workItem{{0, 0}}

	for len(worklist) > 0 {
		item := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		pos, depth := item.pos, item.depth

		for pos < len(code) {
			if depths[pos] >= 0 {
				if depths[pos] != depth {
					sc.errorf(pos, "inconsistent stack depth %d and %d", depths[pos], depth)
				}
				break
			}
			depths[pos] = depth

			op := OpCode(code[pos])
			pops, pushes := sc.stackEffect(op, pos)
			if depth < pops {
				sc.errorf(pos, "stack underflow: %s needs %d values, depth is %d", op, pops, depth)
				break
			}
			newDepth := depth - pops + pushes
			if newDepth > sc.maxStackSize {
				sc.maxStackSize = newDepth
			}
			if newDepth > maxAllowed {
				sc.errorf(pos, "stack overflow: depth %d exceeds limit %d", newDepth, maxAllowed)
				break
			}

			switch op {
			case OpJump, OpLoop:
				worklist = append(worklist, workItem{sc.chunk.JumpTarget(pos), newDepth})
				pos = len(code)

			case OpJumpIfFalse, OpJumpIfTrue:
				worklist = append(worklist, workItem{sc.chunk.JumpTarget(pos), newDepth})
				depth = newDepth
				pos += op.Size()

			case OpReturn, OpHalt:
				pos = len(code)

			default:
				depth = newDepth
				pos += op.Size()
			}
		}
	}

	return StackCheckResult{
		MaxDepth: sc.maxStackSize,
		Depths:   depths,
		IsValid:  len(sc.errors) == 0,
		Errors:   sc.errors,
	}
}

// stackEffect 指令弹出与压入的值个数
func (sc *StackChecker) stackEffect(op OpCode, offset int) (pops, pushes int) {
	switch op {
	case OpConst, OpNull, OpTrue, OpFalse, OpLoad:
		return 0, 1
	case OpDup:
		return 1, 2
	case OpPop, OpStore, OpPrint, OpJumpIfFalse, OpJumpIfTrue, OpReturn:
		return 1, 0
	case OpAdd, OpSub, OpMul, OpDiv, OpMod,
		OpBitAnd, OpBitOr, OpBitXor, OpShl, OpShr,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return 2, 1
	case OpNeg, OpBitNot, OpNot:
		return 1, 1
	case OpBuiltin:
		if b := int(sc.chunk.Code[offset+1]); b < len(Builtins) {
			return Builtins[b].Arity, 1
		}
		return 0, 1
	case OpCall:
		// 弹出函数和参数，压入返回值
		return int(sc.chunk.Code[offset+1]) + 1, 1
	}
	return 0, 0
}
