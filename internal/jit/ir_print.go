package jit

import (
	"fmt"
	"strings"
)

// ============================================================================
// IR 字符串表示
// ============================================================================

// String 返回 IR 指令的字符串表示
func (inst IRInst) String() string {
	var sb strings.Builder
	sb.WriteString(inst.Op.String())

	switch {
	case inst.Op == IR_PARAM:
		sb.WriteString(fmt.Sprintf(" %s", inst.Slot))
	case inst.Op == IR_IMM:
		sb.WriteString(fmt.Sprintf(" %s", inst.Imm))
	case inst.Op == IR_STORE:
		sb.WriteString(fmt.Sprintf(" %s, v%d", inst.Slot, inst.A))
	case inst.Op == IR_CALL:
		sb.WriteString(fmt.Sprintf(" %s(", helperName(inst.Helper)))
		for i, a := range inst.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("v%d", a))
		}
		sb.WriteString(")")
	case inst.Op.IsGuard():
		if inst.A != NoRef {
			sb.WriteString(fmt.Sprintf(" v%d", inst.A))
		}
		if inst.Exit != nil {
			sb.WriteString(fmt.Sprintf(" -> exit(%s pc=%d", inst.Exit.Kind, inst.Exit.PC))
			for _, e := range inst.Exit.Snapshot {
				sb.WriteString(fmt.Sprintf(" %s=v%d", e.Addr, e.Ref))
			}
			sb.WriteString(")")
		}
	default:
		if inst.A != NoRef {
			sb.WriteString(fmt.Sprintf(" v%d", inst.A))
		}
		if inst.B != NoRef {
			sb.WriteString(fmt.Sprintf(", v%d", inst.B))
		}
	}

	if inst.Op.HasResult() {
		sb.WriteString(fmt.Sprintf(" : %s", inst.Type))
	}
	if inst.PC > 0 {
		sb.WriteString(fmt.Sprintf(" ; bc@%d", inst.PC))
	}
	return sb.String()
}

// ============================================================================
// IR 打印器
// ============================================================================

// PrintIR 打印 IR
func PrintIR(b *Buffer) string {
	var sb strings.Builder
	for i := 0; i < b.Len(); i++ {
		inst := b.At(Ref(i))
		if inst.Op.HasResult() {
			sb.WriteString(fmt.Sprintf("%4d: v%-3d = %s\n", i, i, inst.String()))
		} else {
			sb.WriteString(fmt.Sprintf("%4d:        %s\n", i, inst.String()))
		}
	}
	return sb.String()
}
