package jit

import "fmt"

// ============================================================================
// 槽位地址
// ============================================================================

// Addr 解释器槽位在记录帧中的字节偏移，槽位 i 对应地址 8*i
type Addr int32

// SlotAddr 槽位下标转地址
func SlotAddr(i int) Addr { return Addr(i * 8) }

// Slot 地址转槽位下标
func (a Addr) Slot() int { return int(a) >> 3 }

func (a Addr) String() string { return fmt.Sprintf("s%d", a.Slot()) }

// ============================================================================
// 值跟踪器
// ============================================================================

const (
	trackerPageShift = 6
	trackerPageSlots = 1 << trackerPageShift
)

type pageHandle int32

const noPage pageHandle = -1

type trackerPage struct {
	num  int32 // 页号
	next pageHandle
	refs [trackerPageSlots]Ref
}

// ValueTracker 记录每个解释器槽位当前对应的 IR 值
//
// 页面存放在 arena 中，以整数句柄互相链接；目录按页号直接映射到句柄。
// Clear 沿链表把所有在用页面归还空闲链，不释放内存。
type ValueTracker struct {
	arena []trackerPage
	dir   []pageHandle
	head  pageHandle
	free  pageHandle
	pages int
}

// NewValueTracker 创建跟踪器
func NewValueTracker() *ValueTracker {
	return &ValueTracker{head: noPage, free: noPage}
}

func checkAddr(addr Addr) {
	if addr < 0 || addr&7 != 0 {
		panic(fmt.Sprintf("jit: bad slot address %d", addr))
	}
}

// Set 把 addr 关联到 ref
func (t *ValueTracker) Set(addr Addr, ref Ref) {
	checkAddr(addr)
	if ref < 0 {
		panic(fmt.Sprintf("jit: tracking %s to invalid ref %d", addr, ref))
	}
	slot := addr.Slot()
	page := t.page(int32(slot>>trackerPageShift), true)
	page.refs[slot&(trackerPageSlots-1)] = ref
}

// Get 返回 addr 对应的 IR 值，未跟踪的地址属于调用方错误
func (t *ValueTracker) Get(addr Addr) Ref {
	if r, ok := t.lookup(addr); ok {
		return r
	}
	panic(fmt.Sprintf("jit: get of untracked address %s", addr))
}

// Has 检查 addr 是否被跟踪
func (t *ValueTracker) Has(addr Addr) bool {
	_, ok := t.lookup(addr)
	return ok
}

// lookup 返回 addr 对应的 IR 值，未跟踪时 ok 为 false
func (t *ValueTracker) lookup(addr Addr) (Ref, bool) {
	checkAddr(addr)
	slot := addr.Slot()
	page := t.page(int32(slot>>trackerPageShift), false)
	if page == nil {
		return NoRef, false
	}
	r := page.refs[slot&(trackerPageSlots-1)]
	return r, r != NoRef
}

// Clear 清除所有跟踪关系
func (t *ValueTracker) Clear() {
	for h := t.head; h != noPage; {
		p := &t.arena[h]
		next := p.next
		t.dir[p.num] = noPage
		p.next = t.free
		t.free = h
		h = next
	}
	t.head = noPage
	t.pages = 0
}

// Pages 在用页面数
func (t *ValueTracker) Pages() int {
	return t.pages
}

func (t *ValueTracker) page(num int32, create bool) *trackerPage {
	if int(num) < len(t.dir) && t.dir[num] != noPage {
		return &t.arena[t.dir[num]]
	}
	if !create {
		return nil
	}
	for int(num) >= len(t.dir) {
		t.dir = append(t.dir, noPage)
	}

	var h pageHandle
	if t.free != noPage {
		h = t.free
		t.free = t.arena[h].next
	} else {
		t.arena = append(t.arena, trackerPage{})
		h = pageHandle(len(t.arena) - 1)
	}
	p := &t.arena[h]
	p.num = num
	for i := range p.refs {
		p.refs[i] = NoRef
	}
	p.next = t.head
	t.head = h
	t.dir[num] = h
	t.pages++
	return p
}
