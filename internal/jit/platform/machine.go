package platform

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ============================================================================
// 虚拟机器
// ============================================================================

// HelperCaller 辅助函数分发
type HelperCaller interface {
	CallHelper(index int32, args []uint64) uint64
}

// 机器错误
var (
	ErrBadInstruction = errors.New("machine: bad instruction")
	ErrStepLimit      = errors.New("machine: step limit exceeded")
	ErrBadAddress     = errors.New("machine: address out of range")
)

// clobber 调用后写入调用者保存寄存器的值，用于暴露分配错误
const clobber = 0xdeadbeefdeadbeef

// Machine 执行 Virtual 编码器生成的代码
type Machine struct {
	Mem      []byte
	Regs     [NumVirtualRegs]uint64
	Overflow bool
	Frame    []uint64
	Args     []uint64
	State    []uint64
	Helpers  HelperCaller
	MaxSteps int // 0 表示不限制
	Steps    int
}

// NewMachine 创建机器
func NewMachine(mem []byte, helpers HelperCaller) *Machine {
	return &Machine{Mem: mem, Helpers: helpers}
}

// Run 从 entry 开始执行，直到遇到 bailout，返回 ExitReg 中的守卫编号
func (m *Machine) Run(entry CodeAddr, state []uint64) (uint64, error) {
	m.State = state
	m.Overflow = false
	m.Args = m.Args[:0]
	m.Steps = 0

	pc := int64(entry)
	for {
		if pc < 0 || pc+WordSize > int64(len(m.Mem)) {
			return 0, errors.Wrapf(ErrBadAddress, "pc %#x", pc)
		}
		if m.MaxSteps > 0 && m.Steps >= m.MaxSteps {
			return 0, errors.Wrapf(ErrStepLimit, "after %d steps", m.Steps)
		}
		m.Steps++

		wd := m.Mem[pc : pc+WordSize]
		a, b, c := wd[1], wd[2], wd[3]
		x := int32(binary.LittleEndian.Uint32(wd[4:8]))
		y := int64(binary.LittleEndian.Uint64(wd[8:16]))
		next := pc + WordSize

		switch wd[0] {
		case vNop:
		case vMov:
			m.Regs[a] = m.Regs[b]
		case vMovImm:
			m.Regs[a] = uint64(y)
		case vLoad:
			p, err := m.cell(Reg(b), x)
			if err != nil {
				return 0, err
			}
			m.Regs[a] = *p
		case vStore:
			p, err := m.cell(Reg(a), x)
			if err != nil {
				return 0, err
			}
			*p = m.Regs[b]
		case vBinary:
			r, err := m.binary(Op(x), m.Regs[b], m.Regs[c])
			if err != nil {
				return 0, err
			}
			m.Regs[a] = r
		case vUnary:
			r, err := m.unary(Op(x), m.Regs[b])
			if err != nil {
				return 0, err
			}
			m.Regs[a] = r
		case vCompare:
			if compare(Cond(x), y != 0, m.Regs[b], m.Regs[c]) {
				m.Regs[a] = 1
			} else {
				m.Regs[a] = 0
			}
		case vGuard:
			var taken bool
			switch GuardCond(b) {
			case GuardZero:
				taken = m.Regs[a] == 0
			case GuardNonZero:
				taken = m.Regs[a] != 0
			case GuardOverflow:
				taken = m.Overflow
			default:
				return 0, errors.Wrapf(ErrBadInstruction, "guard condition %d at %#x", b, pc)
			}
			if taken {
				next += int64(x)
			}
		case vJump:
			next += int64(x)
		case vPush:
			m.Args = append(m.Args, m.Regs[a])
		case vCall:
			if err := m.call(int(a), SizeClass(b), int(c), x, y); err != nil {
				return 0, err
			}
		case vPrologue:
			if cap(m.Frame) >= int(x) {
				m.Frame = m.Frame[:x]
				for i := range m.Frame {
					m.Frame[i] = 0
				}
			} else {
				m.Frame = make([]uint64, x)
			}
		case vBailout:
			return m.Regs[virtualTarget.ExitReg], nil
		default:
			return 0, errors.Wrapf(ErrBadInstruction, "opcode %d at %#x", wd[0], pc)
		}
		pc = next
	}
}

// cell 解析 [base+disp]，只有状态区与活动记录可寻址
func (m *Machine) cell(base Reg, disp int32) (*uint64, error) {
	var mem []uint64
	switch base {
	case VState:
		mem = m.State
	case VFrame:
		mem = m.Frame
	default:
		return nil, errors.Wrapf(ErrBadAddress, "base register %s", virtualTarget.RegName(base))
	}
	if disp < 0 || disp%8 != 0 || int(disp/8) >= len(mem) {
		return nil, errors.Wrapf(ErrBadAddress, "[%s%+d]", virtualTarget.RegName(base), disp)
	}
	return &mem[disp/8], nil
}

func (m *Machine) call(nargs int, ret SizeClass, stackArgs int, index int32, classes int64) error {
	if m.Helpers == nil {
		return errors.Wrapf(ErrBadInstruction, "call #%d without helper table", index)
	}
	if stackArgs > len(m.Args) {
		return errors.Wrapf(ErrBadInstruction, "call #%d expects %d stack args, have %d", index, stackArgs, len(m.Args))
	}
	args := make([]uint64, nargs)
	regArgs := nargs - stackArgs
	for i := 0; i < nargs; i++ {
		var raw uint64
		if i < regArgs {
			raw = m.Regs[virtualTarget.ArgRegs[i]]
		} else {
			// 最后压栈的是第一个栈参数
			raw = m.Args[len(m.Args)-1-(i-regArgs)]
		}
		args[i] = narrow(SizeClass((classes>>(2*uint(i)))&3), raw)
	}
	m.Args = m.Args[:len(m.Args)-stackArgs]

	r := m.Helpers.CallHelper(index, args)
	for _, reg := range virtualTarget.CallerSaved.Regs() {
		m.Regs[reg] = clobber
	}
	m.Regs[virtualTarget.RetReg] = narrow(ret, r)
	return nil
}

// narrow 按尺寸类别整理值
func narrow(c SizeClass, v uint64) uint64 {
	if c == SizeInt {
		return uint64(int64(int32(v)))
	}
	return v
}

func (m *Machine) binary(op Op, a, b uint64) (uint64, error) {
	ia, ib := int64(a), int64(b)
	fa, fb := math.Float64frombits(a), math.Float64frombits(b)
	switch op {
	case OpAdd:
		return uint64(ia + ib), nil
	case OpSub:
		return uint64(ia - ib), nil
	case OpMul:
		return uint64(ia * ib), nil
	case OpAnd:
		return a & b, nil
	case OpOr:
		return a | b, nil
	case OpXor:
		return a ^ b, nil
	case OpShl32:
		return uint64(int64(int32(a) << (uint32(b) & 31))), nil
	case OpSar32:
		return uint64(int64(int32(a) >> (uint32(b) & 31))), nil
	case OpAddOv:
		return m.ov(int64(int32(a)) + int64(int32(b))), nil
	case OpSubOv:
		return m.ov(int64(int32(a)) - int64(int32(b))), nil
	case OpMulOv:
		return m.ov(int64(int32(a)) * int64(int32(b))), nil
	case OpFAdd:
		return math.Float64bits(fa + fb), nil
	case OpFSub:
		return math.Float64bits(fa - fb), nil
	case OpFMul:
		return math.Float64bits(fa * fb), nil
	case OpFDiv:
		return math.Float64bits(fa / fb), nil
	}
	return 0, errors.Wrapf(ErrBadInstruction, "binary op %s", op)
}

func (m *Machine) unary(op Op, a uint64) (uint64, error) {
	switch op {
	case OpNeg:
		return uint64(-int64(a)), nil
	case OpNot:
		return ^a, nil
	case OpNegOv:
		return m.ov(-int64(int32(a))), nil
	case OpFNeg:
		return a ^ (1 << 63), nil
	case OpI2F:
		return math.Float64bits(float64(int64(a))), nil
	}
	return 0, errors.Wrapf(ErrBadInstruction, "unary op %s", op)
}

// ov 设置溢出标志并返回回绕到 32 位后符号扩展的结果
func (m *Machine) ov(r int64) uint64 {
	m.Overflow = r < math.MinInt32 || r > math.MaxInt32
	return uint64(int64(int32(r)))
}

func compare(cond Cond, float bool, a, b uint64) bool {
	if float {
		fa, fb := math.Float64frombits(a), math.Float64frombits(b)
		switch cond {
		case CondEQ:
			return fa == fb
		case CondNE:
			return fa != fb
		case CondLT:
			return fa < fb
		case CondLE:
			return fa <= fb
		case CondGT:
			return fa > fb
		case CondGE:
			return fa >= fb
		}
		return false
	}
	ia, ib := int64(a), int64(b)
	switch cond {
	case CondEQ:
		return ia == ib
	case CondNE:
		return ia != ib
	case CondLT:
		return ia < ib
	case CondLE:
		return ia <= ib
	case CondGT:
		return ia > ib
	case CondGE:
		return ia >= ib
	}
	return false
}
