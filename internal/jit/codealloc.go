// codealloc.go - 代码页管理
//
// 所有机器码位于一块连续区域中，按固定大小切成页。页面以整数句柄管理，
// 空闲页通过 next 句柄串成空闲链。0 号页保留给共享的 bailout 桩。
// 主 trace 代码页与出口代码页分开记账，驱逐时各自归还。

package jit

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// PageHandle 代码页句柄
type PageHandle int32

const noCodePage PageHandle = -1

// PageKind 页面用途
type PageKind uint8

const (
	PageFree PageKind = iota
	PageMain
	PageExit
	PageBailout
)

func (k PageKind) String() string {
	switch k {
	case PageFree:
		return "free"
	case PageMain:
		return "main"
	case PageExit:
		return "exit"
	case PageBailout:
		return "bailout"
	}
	return "?"
}

type codePage struct {
	kind  PageKind
	owner FragmentID
	next  PageHandle
}

// CodeStats 代码区统计
type CodeStats struct {
	PageSize  int `json:"page_size"`
	Pages     int `json:"pages"`
	FreePages int `json:"free_pages"`
	MainPages int `json:"main_pages"`
	ExitPages int `json:"exit_pages"`
}

// CodeAlloc 代码页分配器
type CodeAlloc struct {
	mem      []byte
	release  func() error
	pageSize int
	pages    []codePage
	free     PageHandle
	nfree    int
	bailout  platform.CodeAddr
}

// NewCodeAlloc 分配 npages 个代码页；executable 为真时使用可执行内存
func NewCodeAlloc(npages, pageSize int, executable bool) (*CodeAlloc, error) {
	if npages < 2 {
		return nil, errors.Errorf("jit: need at least 2 code pages, got %d", npages)
	}
	size := npages * pageSize
	var (
		mem     []byte
		release func() error
		err     error
	)
	if executable {
		mem, release, err = allocRegion(size)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map %d bytes of code space", size)
		}
	} else {
		mem = make([]byte, size)
		release = func() error { return nil }
	}
	c := &CodeAlloc{
		mem:      mem,
		release:  release,
		pageSize: pageSize,
		pages:    make([]codePage, npages),
	}
	c.Reset()
	return c, nil
}

// Reset 归还除 bailout 页以外的全部页面
func (c *CodeAlloc) Reset() {
	c.pages[0] = codePage{kind: PageBailout, next: noCodePage}
	c.free = noCodePage
	c.nfree = 0
	for h := len(c.pages) - 1; h >= 1; h-- {
		c.pages[h] = codePage{kind: PageFree, next: c.free}
		c.free = PageHandle(h)
		c.nfree++
	}
}

// InstallBailout 在 0 号页写入共享的 bailout 桩
func (c *CodeAlloc) InstallBailout(enc platform.Encoder) {
	w := platform.NewCodeWriter(c.mem, 0, c.pageSize)
	enc.Bailout(w)
	c.bailout = w.Pos()
}

// Bailout bailout 桩地址
func (c *CodeAlloc) Bailout() platform.CodeAddr {
	return c.bailout
}

// AllocPage 取一个空闲页
func (c *CodeAlloc) AllocPage(kind PageKind) (PageHandle, bool) {
	if c.free == noCodePage {
		return noCodePage, false
	}
	h := c.free
	p := &c.pages[h]
	c.free = p.next
	c.nfree--
	p.kind = kind
	p.owner = 0
	p.next = noCodePage
	return h, true
}

// Free 归还页面
func (c *CodeAlloc) Free(handles []PageHandle) {
	for _, h := range handles {
		p := &c.pages[h]
		if p.kind == PageFree || p.kind == PageBailout {
			panic(fmt.Sprintf("jit: freeing %s code page %d", p.kind, h))
		}
		*p = codePage{kind: PageFree, next: c.free}
		c.free = h
		c.nfree++
	}
}

// Handover 把页面的所有权交给片段
func (c *CodeAlloc) Handover(owner FragmentID, handles []PageHandle) {
	for _, h := range handles {
		c.pages[h].owner = owner
	}
}

// Owner 页面所有者
func (c *CodeAlloc) Owner(h PageHandle) FragmentID {
	return c.pages[h].owner
}

// Kind 页面用途
func (c *CodeAlloc) Kind(h PageHandle) PageKind {
	return c.pages[h].kind
}

// Bounds 页面在区域中的范围 [lo, hi)
func (c *CodeAlloc) Bounds(h PageHandle) (lo, hi int) {
	lo = int(h) * c.pageSize
	return lo, lo + c.pageSize
}

// PageOf 地址所在页
func (c *CodeAlloc) PageOf(addr platform.CodeAddr) PageHandle {
	return PageHandle(int(addr) / c.pageSize)
}

// Bytes 整个代码区
func (c *CodeAlloc) Bytes() []byte {
	return c.mem
}

// FreePages 空闲页数
func (c *CodeAlloc) FreePages() int {
	return c.nfree
}

// Stats 代码区统计
func (c *CodeAlloc) Stats() CodeStats {
	s := CodeStats{PageSize: c.pageSize, Pages: len(c.pages), FreePages: c.nfree}
	for _, p := range c.pages {
		switch p.kind {
		case PageMain:
			s.MainPages++
		case PageExit:
			s.ExitPages++
		}
	}
	return s
}

// Close 释放代码区；仍被片段持有的页面会作为错误报告
func (c *CodeAlloc) Close() error {
	var err error
	if used := len(c.pages) - 1 - c.nfree; used > 0 {
		err = multierr.Append(err, errors.Errorf("jit: %d code pages still owned at close", used))
	}
	if c.release != nil {
		err = multierr.Append(err, c.release())
		c.release = nil
	}
	c.mem = nil
	return err
}

// ============================================================================
// 反向链式写入器
// ============================================================================

// chainWriter 在某一类页面中反向写代码，页面写满时取新页并以跳转接续
type chainWriter struct {
	alloc  *CodeAlloc
	enc    platform.Encoder
	kind   PageKind
	pages  []PageHandle
	ranges []CodeRange
	w      *platform.CodeWriter
	hi     int
}

func newChainWriter(alloc *CodeAlloc, enc platform.Encoder, kind PageKind) *chainWriter {
	return &chainWriter{alloc: alloc, enc: enc, kind: kind}
}

// ensure 保证当前页至少还能容纳一条最长指令和一条接续跳转
func (cw *chainWriter) ensure() *platform.CodeWriter {
	need := 2 * cw.enc.MaxInstrLen()
	if cw.w != nil && cw.w.Free() >= need {
		return cw.w
	}
	h, ok := cw.alloc.AllocPage(cw.kind)
	if !ok {
		asmError(OutOfCodeSpace, "no free %s page (%d pages in use)", cw.kind, len(cw.alloc.pages)-1)
	}
	cw.pages = append(cw.pages, h)
	lo, hi := cw.alloc.Bounds(h)
	if cw.w == nil {
		cw.w = platform.NewCodeWriter(cw.alloc.mem, lo, hi)
		cw.hi = hi
		return cw.w
	}
	cont := cw.w.Pos()
	cw.ranges = append(cw.ranges, CodeRange{From: cont, To: platform.CodeAddr(cw.hi)})
	cw.w.Reset(lo, hi)
	cw.hi = hi
	cw.enc.Jump(cw.w, cont)
	return cw.w
}

// pos 当前写入位置
func (cw *chainWriter) pos() platform.CodeAddr {
	if cw.w == nil {
		cw.ensure()
	}
	return cw.w.Pos()
}

// finish 结束写入，返回各页已写入的范围
func (cw *chainWriter) finish() []CodeRange {
	if cw.w != nil && int(cw.w.Pos()) < cw.hi {
		cw.ranges = append(cw.ranges, CodeRange{From: cw.w.Pos(), To: platform.CodeAddr(cw.hi)})
	}
	return cw.ranges
}

// abandon 归还写入期间取得的全部页面
func (cw *chainWriter) abandon() {
	cw.alloc.Free(cw.pages)
	cw.pages = nil
	cw.ranges = nil
	cw.w = nil
}
