package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentCacheGetOrCreate(t *testing.T) {
	j := newTestJIT(t, testConfig())
	key := FragmentKey{Code: 0xabc, PC: 12, Depth: 1}
	f, created := j.cache.GetOrCreate(key)
	require.True(t, created)
	again, created := j.cache.GetOrCreate(key)
	assert.False(t, created)
	assert.Same(t, f, again)
	assert.Same(t, f, f.Root)
	assert.Equal(t, FragmentRoot, f.Kind)
	assert.Equal(t, StateCounting, f.State)
	assert.Equal(t, "00000abc@12/1", key.String())
	assert.Nil(t, j.cache.Lookup(FragmentKey{Code: 0xabc, PC: 13, Depth: 1}))
}

func TestFragmentCachePeers(t *testing.T) {
	j := newTestJIT(t, testConfig())
	root, _ := j.cache.GetOrCreate(FragmentKey{Code: 1})
	assert.Nil(t, j.cache.FindPeer(root, TypeMap{TypeInt}), "root without entry types matches nothing")
	root.EntryTypes = TypeMap{TypeInt}

	peer := j.cache.AddPeer(root, TypeMap{TypeFloat})
	assert.Equal(t, FragmentPeer, peer.Kind)
	assert.Same(t, root, peer.Root)
	assert.Equal(t, root.Key, peer.Key)
	assert.Same(t, root, j.cache.FindPeer(root, TypeMap{TypeInt}))
	assert.Same(t, peer, j.cache.FindPeer(root, TypeMap{TypeFloat}))
	assert.Nil(t, j.cache.FindPeer(root, TypeMap{TypeString}))
	assert.Nil(t, j.cache.FindPeer(nil, TypeMap{TypeInt}))
	assert.Panics(t, func() { j.cache.AddPeer(peer, TypeMap{TypeBool}) })

	ids := []FragmentID{}
	for _, f := range j.cache.Fragments() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []FragmentID{root.ID, peer.ID}, ids)
}

func TestFragmentCacheDiscardBranch(t *testing.T) {
	j := newTestJIT(t, testConfig())
	root := j.compileCounter(t, BinLt)
	child := j.cache.AttachChild(root, root.Guards[1])
	assert.Equal(t, "IIB", child.EntryTypes.String())
	assert.Len(t, root.Children, 1)

	j.cache.Discard(child)
	assert.Empty(t, root.Children)
	assert.Nil(t, j.cache.Get(child.ID))
	assert.Equal(t, StateInvalidated, child.State)
	assert.Panics(t, func() { j.cache.Discard(root) })

	other, _ := j.cache.GetOrCreate(FragmentKey{Code: 2})
	assert.Panics(t, func() { j.cache.AttachChild(other, root.Guards[0]) }, "guard belongs to another fragment")
}

// buildTree 根 R（II）、同级片段 P（IF），以及从 R 的分支出口出发、以 P 为 jtree 目标的侧 trace B
func buildTree(t *testing.T, j *testJIT) (r, p, b *Fragment) {
	t.Helper()
	r = j.compileCounter(t, BinLt)

	p = j.cache.AddPeer(r, TypeMap{TypeInt, TypeFloat})
	j.record(t, p, p.EntryTypes, nil, []Primitive{
		copyPrim(0, 0, s(0), s(2), TypeInt),
		branchPrim(1, 1, s(2), true),
	}, p.EntryTypes, nil)
	j.compile(t, p)

	g := r.Guards[1]
	b = j.cache.AttachChild(r, g)
	j.record(t, b, b.EntryTypes, g, []Primitive{
		binPrim(8, 1, BinDiv, s(0), s(1), s(3), TypeFloat),
		copyPrim(9, 2, s(3), s(1), TypeFloat),
	}, TypeMap{TypeInt, TypeFloat}, p)
	j.compile(t, b)
	j.cache.Promote(g, b)
	return r, p, b
}

// requireGuardsSafe 每个登记的守卫要么回到 bailout，要么跳入存活片段的入口
func requireGuardsSafe(t *testing.T, j *testJIT) {
	t.Helper()
	mem := j.alloc.Bytes()
	for _, f := range j.cache.Fragments() {
		for _, g := range f.Guards {
			got, ok := j.cache.Guard(g.ID)
			require.True(t, ok)
			require.Same(t, g, got)
			dest := j.enc.BranchTarget(mem, g.PatchSite)
			switch g.Target.Kind {
			case TargetBailout:
				assert.Equal(t, j.alloc.Bailout(), dest, g.String())
			case TargetFragment:
				to := j.cache.Get(g.Target.Fragment)
				require.NotNil(t, to, g.String())
				assert.True(t, to.Executable())
				assert.Equal(t, to.Entry, dest)
			}
		}
	}
}

func TestFragmentPromoteAndUnpatch(t *testing.T) {
	j := newTestJIT(t, testConfig())
	r, _, b := buildTree(t, j)
	g := r.Guards[1]

	assert.Equal(t, ToFragment(b.ID), g.Target)
	assert.Equal(t, b.Entry, j.enc.BranchTarget(j.alloc.Bytes(), g.PatchSite))
	assert.Equal(t, b.LoopTop, b.Entry, "branches share the root frame")
	requireGuardsSafe(t, j)

	j.cache.Unpatch(g)
	assert.Equal(t, Bailout(), g.Target)
	requireGuardsSafe(t, j)
}

func TestInvalidateBranchUnpatchesParent(t *testing.T) {
	j := newTestJIT(t, testConfig())
	r, p, b := buildTree(t, j)
	pages := len(b.MainPages) + len(b.ExitPages)
	free := j.alloc.FreePages()

	gone := j.cache.Invalidate(b)
	assert.Equal(t, []*Fragment{b}, gone)
	assert.Equal(t, StateInvalidated, b.State)
	assert.Empty(t, r.Children)
	assert.True(t, r.Executable())
	assert.True(t, p.Executable())
	assert.Equal(t, TargetBailout, r.Guards[1].Target.Kind)
	assert.Equal(t, free+pages, j.alloc.FreePages())
	requireGuardsSafe(t, j)
}

func TestInvalidateFollowsTreeTargets(t *testing.T) {
	j := newTestJIT(t, testConfig())
	r, p, b := buildTree(t, j)
	guards := j.cache.Guards()

	gone := j.cache.Invalidate(p)
	assert.Equal(t, []*Fragment{p, b}, gone, "b jumps into p")
	assert.Empty(t, r.Peers)
	assert.True(t, r.Executable())
	assert.Equal(t, TargetBailout, r.Guards[1].Target.Kind)
	assert.Equal(t, guards-len(p.Guards)-len(b.Guards), j.cache.Guards())
	assert.Nil(t, p.MainPages)
	requireGuardsSafe(t, j)
}

func TestInvalidateRootTakesWholeTree(t *testing.T) {
	j := newTestJIT(t, testConfig())
	r, _, _ := buildTree(t, j)

	gone := j.cache.Invalidate(r)
	assert.Len(t, gone, 3)
	assert.Equal(t, 0, j.cache.Len())
	assert.Equal(t, 0, j.cache.Guards())
	assert.Nil(t, j.cache.Lookup(r.Key))
	assert.Equal(t, j.cfg.MaxCodePages-1, j.alloc.FreePages())
	for _, f := range gone {
		assert.False(t, f.Executable())
	}
}

func TestFlushResetsCodeSpace(t *testing.T) {
	j := newTestJIT(t, testConfig())
	buildTree(t, j)
	other, _ := j.cache.GetOrCreate(FragmentKey{Code: 77})

	gone := j.cache.Flush()
	assert.Len(t, gone, 4)
	assert.Equal(t, StateInvalidated, other.State)
	assert.Equal(t, 0, j.cache.Len())
	st := j.alloc.Stats()
	assert.Equal(t, j.cfg.MaxCodePages-1, st.FreePages)
	assert.Equal(t, 0, st.MainPages+st.ExitPages)

	// 清空后可以重新编译
	f := j.compileCounter(t, BinLt)
	state := []uint64{0, 3, 0, 0}
	g := j.run(t, f, state)
	assert.Equal(t, ExitBranch, g.Exit.Kind)
	assert.Equal(t, uint64(3), state[0])
}
