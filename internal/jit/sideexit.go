package jit

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// 侧出口
// ============================================================================

// ExitKind 出口原因
type ExitKind uint8

const (
	ExitBranch   ExitKind = iota // 控制流离开记录的路径
	ExitOverflow                 // int32 运算溢出
	ExitDivZero                  // 取模的除数为 0

	numExitKinds
)

var exitKindNames = [...]string{"branch", "overflow", "divzero"}

func (k ExitKind) String() string {
	if int(k) < len(exitKindNames) {
		return exitKindNames[k]
	}
	return fmt.Sprintf("exit(%d)", k)
}

// SnapshotEntry 守卫处一个活跃槽位对应的 IR 值
type SnapshotEntry struct {
	Addr Addr
	Ref  Ref
	Type Type
}

// LocKind 出口时值的位置
type LocKind uint8

const (
	LocRegister LocKind = iota
	LocStack
	LocImmediate
)

func (k LocKind) String() string {
	switch k {
	case LocRegister:
		return "reg"
	case LocStack:
		return "stack"
	case LocImmediate:
		return "imm"
	}
	return "?"
}

// SlotLocation 由汇编器填写：出口时在哪里能找到槽位的值
type SlotLocation struct {
	Addr Addr
	Type Type
	Kind LocKind
	Reg  platform.Reg
	Slot int // 活动记录槽位
	Imm  Immediate
}

// SideExit 侧出口描述
//
// Snapshot 按槽位顺序列出守卫处全部活跃槽位（局部变量和操作数栈），
// 出口桩把它们写回状态区，解释器从 PC 处以 Depth 的栈深度继续执行。
type SideExit struct {
	PC       int
	Depth    int // 操作数栈深度
	Kind     ExitKind
	Snapshot []SnapshotEntry
	Slots    []SlotLocation

	Hits        int  // 运行时命中次数
	Attempts    int  // 侧 trace 记录失败次数
	Blacklisted bool // 不再尝试记录侧 trace
}

// TypeMap 出口处的类型映射
func (e *SideExit) TypeMap() TypeMap {
	m := make(TypeMap, len(e.Snapshot))
	for i, s := range e.Snapshot {
		m[i] = s.Type
	}
	return m
}

// Width 出口处的槽位数
func (e *SideExit) Width() int {
	return len(e.Snapshot)
}

// CheckSlots 检查每个快照槽位恰好出现一次
func (e *SideExit) CheckSlots() error {
	seen := make(map[Addr]int, len(e.Slots))
	for _, loc := range e.Slots {
		seen[loc.Addr]++
	}
	for _, s := range e.Snapshot {
		if seen[s.Addr] != 1 {
			return errors.Errorf("jit: slot %s appears %d times in exit at pc %d", s.Addr, seen[s.Addr], e.PC)
		}
	}
	if len(e.Slots) != len(e.Snapshot) {
		return errors.Errorf("jit: exit at pc %d has %d locations for %d slots", e.PC, len(e.Slots), len(e.Snapshot))
	}
	return nil
}

func (e *SideExit) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s@%d depth=%d [%s]", e.Kind, e.PC, e.Depth, e.TypeMap())
	for _, loc := range e.Slots {
		switch loc.Kind {
		case LocRegister:
			fmt.Fprintf(&sb, " %s:r%d", loc.Addr, loc.Reg)
		case LocStack:
			fmt.Fprintf(&sb, " %s:ar%d", loc.Addr, loc.Slot)
		case LocImmediate:
			fmt.Fprintf(&sb, " %s:#%s", loc.Addr, loc.Imm)
		}
	}
	return sb.String()
}

// ============================================================================
// 守卫记录
// ============================================================================

// GuardID 守卫记录编号，也是出口桩写入 ExitReg 的值
type GuardID uint32

// TargetKind 守卫目标种类
type TargetKind uint8

const (
	TargetBailout  TargetKind = iota // 回到解释器
	TargetFragment                   // 跳入已编译的侧 trace
)

// ExitTarget 守卫目标：解释器或某个片段
type ExitTarget struct {
	Kind     TargetKind
	Fragment FragmentID
}

// Bailout 回到解释器
func Bailout() ExitTarget { return ExitTarget{Kind: TargetBailout} }

// ToFragment 跳入片段
func ToFragment(id FragmentID) ExitTarget { return ExitTarget{Kind: TargetFragment, Fragment: id} }

func (t ExitTarget) String() string {
	if t.Kind == TargetFragment {
		return fmt.Sprintf("fragment#%d", t.Fragment)
	}
	return "bailout"
}

// GuardRecord 每条守卫编译后的记录
type GuardRecord struct {
	ID        GuardID
	From      FragmentID
	Target    ExitTarget
	PatchSite platform.CodeAddr // 出口桩末尾跳转的位置
	Exit      *SideExit
}

func (g *GuardRecord) String() string {
	return fmt.Sprintf("guard#%d from fragment#%d -> %s site=%s %s", g.ID, g.From, g.Target, g.PatchSite, g.Exit)
}
