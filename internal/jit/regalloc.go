// regalloc.go - 反向寄存器分配器
//
// 汇编器从 trace 末尾向入口遍历 IR，遇到值的使用时为它分配寄存器，
// 遇到它的定义时释放。寄存器不足时按剩余使用优先级选出受害者：
// 在当前位置插入恢复代码（立即数重新物化，其他值从活动记录加载），
// 并由受害者的定义处负责把值存入活动记录。
//
// 每个存活的值占用预留表中的一项，记录它当前所在的寄存器和活动记录槽位。

package jit

import (
	"fmt"
	"sort"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

const noSlot = -1

// reservation 预留表项
type reservation struct {
	ref  Ref
	reg  platform.Reg
	slot int
	next int32 // 空闲链
}

// RegAlloc 寄存器分配状态
type RegAlloc struct {
	target *platform.Target
	enc    platform.Encoder
	emit   func() *platform.CodeWriter
	buf    *Buffer
	uses   [][]int32
	pos    int32

	table []reservation
	free  int32
	live  int
	index []int32 // Ref -> 预留表下标

	regs  [32]Ref
	avail platform.RegSet

	slots    []bool
	maxSlots int
	high     int
}

func newRegAlloc(target *platform.Target, enc platform.Encoder, buf *Buffer, maxReservations, maxSlots int, emit func() *platform.CodeWriter) *RegAlloc {
	ra := &RegAlloc{
		target:   target,
		enc:      enc,
		emit:     emit,
		buf:      buf,
		uses:     buf.Uses(),
		table:    make([]reservation, maxReservations),
		index:    make([]int32, buf.Len()),
		avail:    target.Allocatable,
		slots:    make([]bool, 0, maxSlots),
		maxSlots: maxSlots,
	}
	for i := range ra.table {
		ra.table[i].next = int32(i + 1)
	}
	ra.table[len(ra.table)-1].next = -1
	for i := range ra.index {
		ra.index[i] = -1
	}
	for i := range ra.regs {
		ra.regs[i] = NoRef
	}
	return ra
}

// at 移动到第 i 条指令
func (ra *RegAlloc) at(i int) {
	ra.pos = int32(i)
}

// resv 值的预留表项，不存在时返回 nil
func (ra *RegAlloc) resv(ref Ref) *reservation {
	if i := ra.index[ref]; i >= 0 {
		return &ra.table[i]
	}
	return nil
}

func (ra *RegAlloc) reserve(ref Ref) *reservation {
	if res := ra.resv(ref); res != nil {
		return res
	}
	if ra.free < 0 {
		asmError(TooManyLive, "%d values live at v%d", ra.live, ref)
	}
	i := ra.free
	res := &ra.table[i]
	ra.free = res.next
	*res = reservation{ref: ref, reg: platform.RegNone, slot: noSlot, next: -1}
	ra.index[ref] = i
	ra.live++
	return res
}

// release 值的定义已生成，归还它占用的一切
func (ra *RegAlloc) release(ref Ref) {
	i := ra.index[ref]
	if i < 0 {
		return
	}
	res := &ra.table[i]
	if res.reg != platform.RegNone {
		ra.unassign(res)
	}
	if res.slot != noSlot {
		ra.slots[res.slot] = false
	}
	res.next = ra.free
	ra.free = i
	ra.index[ref] = -1
	ra.live--
}

// Live 值是否仍被后面的代码需要
func (ra *RegAlloc) Live(ref Ref) bool {
	return ra.index[ref] >= 0
}

// RegOf 值当前所在的寄存器
func (ra *RegAlloc) RegOf(ref Ref) platform.Reg {
	if res := ra.resv(ref); res != nil {
		return res.reg
	}
	return platform.RegNone
}

func (ra *RegAlloc) assign(res *reservation, r platform.Reg) {
	if ra.regs[r] != NoRef {
		panic(fmt.Sprintf("jit: %s already holds v%d", ra.target.RegName(r), ra.regs[r]))
	}
	res.reg = r
	ra.regs[r] = res.ref
	ra.avail = ra.avail.Without(r)
}

func (ra *RegAlloc) unassign(res *reservation) {
	ra.regs[res.reg] = NoRef
	ra.avail = ra.avail.With(res.reg)
	res.reg = platform.RegNone
}

// ============================================================================
// 寄存器选择
// ============================================================================

// findRegFor 让 ref 在当前位置位于某个寄存器中，avoid 中的寄存器不会被选中或驱逐
func (ra *RegAlloc) findRegFor(ref Ref, avoid platform.RegSet) platform.Reg {
	res := ra.reserve(ref)
	if res.reg != platform.RegNone {
		return res.reg
	}
	r := ra.allocReg(avoid)
	ra.assign(res, r)
	return r
}

// findSpecificRegFor 让 ref 在当前位置位于寄存器 want 中
func (ra *RegAlloc) findSpecificRegFor(ref Ref, want platform.Reg) platform.Reg {
	res := ra.reserve(ref)
	if res.reg == want {
		return want
	}
	if other := ra.regs[want]; other != NoRef {
		ra.evict(other)
	}
	if res.reg != platform.RegNone {
		// 后面的代码仍在原寄存器中使用它
		ra.enc.Mov(ra.emit(), res.reg, want)
		ra.unassign(res)
	}
	ra.assign(res, want)
	return want
}

// prepareResultReg 取得定义 ref 的寄存器，生成溢出存储并释放 ref
//
// 返回的寄存器在定义之后不再属于 ref，调用方在写入定义代码前可以把它分给操作数。
func (ra *RegAlloc) prepareResultReg(ref Ref, avoid platform.RegSet) platform.Reg {
	res := ra.reserve(ref)
	r := res.reg
	if r == platform.RegNone {
		r = ra.allocReg(avoid)
		ra.assign(res, r)
	}
	if res.slot != noSlot {
		ra.enc.Store(ra.emit(), ra.target.FrameBase, ra.target.SpillDisp(res.slot), r)
	}
	ra.release(ref)
	return r
}

// allocReg 取一个空闲寄存器，必要时驱逐优先级最低的值
func (ra *RegAlloc) allocReg(avoid platform.RegSet) platform.Reg {
	if free := ra.avail & ra.target.Allocatable &^ avoid; free != 0 {
		return free.First()
	}
	victim := ra.pickVictim(avoid)
	r := ra.RegOf(victim)
	ra.evict(victim)
	return r
}

// priority 值在当前位置之前最近一次使用的位置，越小越适合驱逐
func (ra *RegAlloc) priority(ref Ref) int32 {
	if ra.buf.At(ref).Op == IR_IMM {
		return -2
	}
	u := ra.uses[ref]
	i := sort.Search(len(u), func(i int) bool { return u[i] >= ra.pos }) - 1
	if i < 0 {
		return -1
	}
	return u[i]
}

func (ra *RegAlloc) pickVictim(avoid platform.RegSet) Ref {
	victim := NoRef
	best := int32(0)
	for _, r := range (ra.target.Allocatable &^ avoid).Regs() {
		ref := ra.regs[r]
		if ref == NoRef {
			continue
		}
		if p := ra.priority(ref); victim == NoRef || p < best {
			victim, best = ref, p
		}
	}
	if victim == NoRef {
		asmError(TooManyLive, "no register to evict at v%d", ra.pos)
	}
	return victim
}

// evict 让 ref 在当前位置之前不占用寄存器，并在当前位置恢复它
func (ra *RegAlloc) evict(ref Ref) {
	res := ra.resv(ref)
	r := res.reg
	if inst := ra.buf.At(ref); inst.Op == IR_IMM {
		ra.enc.MovImm(ra.emit(), r, int64(inst.Imm.Bits()))
	} else {
		slot := ra.ensureSlot(res)
		ra.enc.Load(ra.emit(), r, ra.target.FrameBase, ra.target.SpillDisp(slot))
	}
	ra.unassign(res)
}

// evictCallerSaved 驱逐调用者保存寄存器中的所有值
func (ra *RegAlloc) evictCallerSaved() {
	for _, r := range (ra.target.CallerSaved & ra.target.Allocatable).Regs() {
		if ref := ra.regs[r]; ref != NoRef {
			ra.evict(ref)
		}
	}
}

// ============================================================================
// 活动记录
// ============================================================================

func (ra *RegAlloc) ensureSlot(res *reservation) int {
	if res.slot != noSlot {
		return res.slot
	}
	for i, used := range ra.slots {
		if !used {
			ra.slots[i] = true
			res.slot = i
			return i
		}
	}
	if len(ra.slots) >= ra.maxSlots {
		asmError(FrameOverflow, "more than %d spill slots", ra.maxSlots)
	}
	ra.slots = append(ra.slots, true)
	res.slot = len(ra.slots) - 1
	if len(ra.slots) > ra.high {
		ra.high = len(ra.slots)
	}
	return res.slot
}

// SlotFor 给 ref 分配活动记录槽位但不占用寄存器，供出口快照使用
func (ra *RegAlloc) SlotFor(ref Ref) int {
	return ra.ensureSlot(ra.reserve(ref))
}

// SlotsUsed 活动记录槽位的最高使用量
func (ra *RegAlloc) SlotsUsed() int {
	return ra.high
}

// check 遍历结束时不应有值存活
func (ra *RegAlloc) check() {
	if ra.live != 0 {
		for ref, i := range ra.index {
			if i >= 0 {
				panic(fmt.Sprintf("jit: v%d still live at trace entry", ref))
			}
		}
	}
}
