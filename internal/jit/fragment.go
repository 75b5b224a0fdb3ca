package jit

import (
	"fmt"
	"sort"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// 片段
// ============================================================================

// FragmentID 片段编号，0 表示无
type FragmentID uint32

// FragmentKey 循环入口的标识：代码对象、循环头 PC 与调用深度
type FragmentKey struct {
	Code  uint32
	PC    int
	Depth int
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("%08x@%d/%d", k.Code, k.PC, k.Depth)
}

// FragmentKind 片段种类
type FragmentKind uint8

const (
	FragmentRoot   FragmentKind = iota // 循环头的第一个片段
	FragmentPeer                       // 同一循环头、不同入口类型映射的片段
	FragmentBranch                     // 从侧出口延伸出的侧 trace
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentRoot:
		return "root"
	case FragmentPeer:
		return "peer"
	case FragmentBranch:
		return "branch"
	}
	return "?"
}

// FragmentState 片段状态
type FragmentState uint8

const (
	StateCounting    FragmentState = iota // 统计热度
	StateRecording                        // 正在记录
	StateCompiled                         // 已编译，可执行
	StateFailed                           // 记录或汇编失败，等待重试
	StateBlacklisted                      // 不再尝试
	StateInvalidated                      // 已被驱逐
)

var fragmentStateNames = [...]string{"counting", "recording", "compiled", "failed", "blacklisted", "invalidated"}

func (s FragmentState) String() string {
	if int(s) < len(fragmentStateNames) {
		return fragmentStateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// CodeRange 代码区中已写入的一段 [From, To)
type CodeRange struct {
	From, To platform.CodeAddr
}

// Fragment 一段已记录（或正在记录）的 trace
type Fragment struct {
	ID         FragmentID
	Key        FragmentKey
	Kind       FragmentKind
	State      FragmentState
	EntryTypes TypeMap
	IR         *Buffer

	Entry   platform.CodeAddr // 执行入口（根与同级片段在序言之前）
	LoopTop platform.CodeAddr // 循环顶

	Guards    []*GuardRecord
	MainPages []PageHandle
	ExitPages []PageHandle
	MainCode  []CodeRange
	ExitCode  []CodeRange

	Root       *Fragment   // 所在 trace 树的根
	Parent     *Fragment   // 侧 trace 的父片段
	Peers      []*Fragment // 仅根片段使用
	Children   []*Fragment // 侧 trace
	Anchor     *GuardRecord
	TreeTarget *Fragment // 侧 trace 末尾 jtree 的目标

	Hits     int // 循环头热度
	Exits    int // 从本片段离开的次数
	Attempts int // 记录失败次数
}

// Executable 是否可以执行
func (f *Fragment) Executable() bool {
	return f.State == StateCompiled
}

func (f *Fragment) String() string {
	return fmt.Sprintf("fragment#%d(%s %s %s [%s])", f.ID, f.Kind, f.Key, f.State, f.EntryTypes)
}

// ============================================================================
// 片段缓存
// ============================================================================

// FragmentCache 按循环头组织所有片段与守卫记录
type FragmentCache struct {
	alloc *CodeAlloc
	enc   platform.Encoder

	byKey  map[FragmentKey]*Fragment
	byID   map[FragmentID]*Fragment
	guards map[GuardID]*GuardRecord

	nextID    FragmentID
	nextGuard GuardID
}

// NewFragmentCache 创建片段缓存
func NewFragmentCache(alloc *CodeAlloc, enc platform.Encoder) *FragmentCache {
	return &FragmentCache{
		alloc:  alloc,
		enc:    enc,
		byKey:  make(map[FragmentKey]*Fragment),
		byID:   make(map[FragmentID]*Fragment),
		guards: make(map[GuardID]*GuardRecord),
	}
}

func (c *FragmentCache) newFragment(key FragmentKey, kind FragmentKind) *Fragment {
	c.nextID++
	f := &Fragment{ID: c.nextID, Key: key, Kind: kind}
	c.byID[f.ID] = f
	return f
}

// GetOrCreate 取循环头的根片段，不存在时创建
func (c *FragmentCache) GetOrCreate(key FragmentKey) (*Fragment, bool) {
	if f, ok := c.byKey[key]; ok {
		return f, false
	}
	f := c.newFragment(key, FragmentRoot)
	f.Root = f
	c.byKey[key] = f
	return f, true
}

// Lookup 取循环头的根片段
func (c *FragmentCache) Lookup(key FragmentKey) *Fragment {
	return c.byKey[key]
}

// FindPeer 在根及其同级片段中查找入口类型映射与 tm 相同的片段
func (c *FragmentCache) FindPeer(root *Fragment, tm TypeMap) *Fragment {
	if root == nil {
		return nil
	}
	if root.EntryTypes != nil && root.EntryTypes.Equal(tm) {
		return root
	}
	for _, p := range root.Peers {
		if p.EntryTypes.Equal(tm) {
			return p
		}
	}
	return nil
}

// AddPeer 为根片段添加一个同级片段
func (c *FragmentCache) AddPeer(root *Fragment, tm TypeMap) *Fragment {
	if root.Kind != FragmentRoot {
		panic(fmt.Sprintf("jit: adding peer to %s", root))
	}
	p := c.newFragment(root.Key, FragmentPeer)
	p.Root = root
	p.EntryTypes = tm.Clone()
	root.Peers = append(root.Peers, p)
	return p
}

// AttachChild 在 parent 的守卫处挂一个侧 trace
func (c *FragmentCache) AttachChild(parent *Fragment, g *GuardRecord) *Fragment {
	if g.From != parent.ID {
		panic(fmt.Sprintf("jit: guard#%d does not belong to %s", g.ID, parent))
	}
	f := c.newFragment(parent.Key, FragmentBranch)
	f.Root = parent.Root
	f.Parent = parent
	f.Anchor = g
	f.EntryTypes = g.Exit.TypeMap()
	parent.Children = append(parent.Children, f)
	return f
}

// Discard 丢弃一个尚未编译的侧 trace
func (c *FragmentCache) Discard(f *Fragment) {
	if f.Kind != FragmentBranch || f.State == StateCompiled {
		panic(fmt.Sprintf("jit: discarding %s", f))
	}
	if f.Parent != nil {
		f.Parent.Children = removeFragment(f.Parent.Children, f)
	}
	delete(c.byID, f.ID)
	f.State = StateInvalidated
}

// Get 按编号取片段
func (c *FragmentCache) Get(id FragmentID) *Fragment {
	return c.byID[id]
}

// Len 片段数量
func (c *FragmentCache) Len() int {
	return len(c.byID)
}

// Fragments 按编号顺序列出全部片段
func (c *FragmentCache) Fragments() []*Fragment {
	out := make([]*Fragment, 0, len(c.byID))
	for _, f := range c.byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// 守卫注册表
// ============================================================================

// NewGuardID 分配一个守卫编号
func (c *FragmentCache) NewGuardID() GuardID {
	c.nextGuard++
	return c.nextGuard
}

// RegisterGuard 登记守卫记录
func (c *FragmentCache) RegisterGuard(g *GuardRecord) {
	if _, dup := c.guards[g.ID]; dup {
		panic(fmt.Sprintf("jit: guard#%d registered twice", g.ID))
	}
	c.guards[g.ID] = g
}

// Guard 按编号取守卫记录
func (c *FragmentCache) Guard(id GuardID) (*GuardRecord, bool) {
	g, ok := c.guards[id]
	return g, ok
}

// Guards 登记的守卫数量
func (c *FragmentCache) Guards() int {
	return len(c.guards)
}

// Install 把汇编结果交给片段，片段从此可执行
func (c *FragmentCache) Install(f *Fragment, asm *Assembly) {
	f.Entry = asm.Entry
	f.LoopTop = asm.LoopTop
	f.MainPages = asm.MainPages
	f.ExitPages = asm.ExitPages
	f.MainCode = asm.MainCode
	f.ExitCode = asm.ExitCode
	f.Guards = asm.Guards
	c.alloc.Handover(f.ID, f.MainPages)
	c.alloc.Handover(f.ID, f.ExitPages)
	for _, g := range f.Guards {
		c.RegisterGuard(g)
	}
	f.State = StateCompiled
}

// Promote 把守卫的出口桩改为跳入 child
func (c *FragmentCache) Promote(g *GuardRecord, child *Fragment) {
	if !child.Executable() {
		panic(fmt.Sprintf("jit: promoting guard#%d to non-executable %s", g.ID, child))
	}
	g.Target = ToFragment(child.ID)
	c.enc.Patch(c.alloc.Bytes(), g.PatchSite, child.Entry)
}

// Unpatch 把守卫的出口桩改回 bailout
func (c *FragmentCache) Unpatch(g *GuardRecord) {
	g.Target = Bailout()
	c.enc.Patch(c.alloc.Bytes(), g.PatchSite, c.alloc.Bailout())
}

// ============================================================================
// 驱逐
// ============================================================================

// Invalidate 驱逐 f 以及所有依赖它的片段，返回被驱逐的片段
//
// 依赖包括 f 的侧 trace（递归）、根片段的同级片段，以及 jtree 目标被驱逐的侧 trace。
// 仍然存活的守卫若指向被驱逐片段，会先被改回 bailout，然后才释放代码页。
func (c *FragmentCache) Invalidate(f *Fragment) []*Fragment {
	doomed := make(map[*Fragment]bool)
	var add func(*Fragment)
	add = func(x *Fragment) {
		if doomed[x] {
			return
		}
		doomed[x] = true
		for _, ch := range x.Children {
			add(ch)
		}
		if x.Kind == FragmentRoot {
			for _, p := range x.Peers {
				add(p)
			}
		}
	}
	add(f)
	for changed := true; changed; {
		changed = false
		for _, x := range c.byID {
			if !doomed[x] && x.TreeTarget != nil && doomed[x.TreeTarget] {
				add(x)
				changed = true
			}
		}
	}

	for _, g := range c.guards {
		if g.Target.Kind != TargetFragment {
			continue
		}
		from := c.byID[g.From]
		if from != nil && doomed[from] {
			continue
		}
		if to := c.byID[g.Target.Fragment]; to != nil && doomed[to] {
			c.Unpatch(g)
		}
	}

	out := make([]*Fragment, 0, len(doomed))
	for x := range doomed {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, x := range out {
		c.release(x)
		if x.Parent != nil && !doomed[x.Parent] {
			x.Parent.Children = removeFragment(x.Parent.Children, x)
		}
		if x.Kind == FragmentPeer && !doomed[x.Root] {
			x.Root.Peers = removeFragment(x.Root.Peers, x)
		}
		if x.Kind == FragmentRoot && c.byKey[x.Key] == x {
			delete(c.byKey, x.Key)
		}
		delete(c.byID, x.ID)
		x.State = StateInvalidated
	}
	return out
}

func (c *FragmentCache) release(f *Fragment) {
	for _, g := range f.Guards {
		delete(c.guards, g.ID)
	}
	c.alloc.Free(f.MainPages)
	c.alloc.Free(f.ExitPages)
	f.MainPages, f.ExitPages = nil, nil
	f.MainCode, f.ExitCode = nil, nil
}

// Flush 驱逐全部片段并清空代码区
func (c *FragmentCache) Flush() []*Fragment {
	var out []*Fragment
	for _, f := range c.Fragments() {
		if f.State == StateInvalidated || f.Kind != FragmentRoot {
			continue
		}
		out = append(out, c.Invalidate(f)...)
	}
	c.alloc.Reset()
	c.guards = make(map[GuardID]*GuardRecord)
	c.byKey = make(map[FragmentKey]*Fragment)
	c.byID = make(map[FragmentID]*Fragment)
	return out
}

func removeFragment(list []*Fragment, f *Fragment) []*Fragment {
	for i, x := range list {
		if x == f {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
