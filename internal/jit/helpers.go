// helpers.go - trace 调用的运行时辅助函数
//
// 无法在 trace 中内联的操作（字符串、取模、数学函数）通过辅助函数表调用。
// 表在启动时构建一次，之后只读。所有参数和返回值都以 64 位未装箱形式传递，
// 编码器按尺寸类别整理。

package jit

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// ============================================================================
// 字符串堆
// ============================================================================

// Heap 字符串 arena，以整数句柄引用
//
// 字符串被驻留，相同内容总是得到相同句柄。句柄 0 是空字符串。
type Heap struct {
	strs  []string
	index map[string]Handle
}

// NewHeap 创建字符串堆
func NewHeap() *Heap {
	h := &Heap{}
	h.Reset()
	return h
}

// Intern 驻留字符串
func (h *Heap) Intern(s string) Handle {
	if hd, ok := h.index[s]; ok {
		return hd
	}
	hd := Handle(len(h.strs))
	h.strs = append(h.strs, s)
	h.index[s] = hd
	return hd
}

// Lookup 取句柄对应的字符串
func (h *Heap) Lookup(hd Handle) string {
	if int(hd) >= len(h.strs) {
		panic(fmt.Sprintf("jit: bad string handle %d", hd))
	}
	return h.strs[hd]
}

// Len 字符串数量
func (h *Heap) Len() int {
	return len(h.strs)
}

// Truncate 丢弃第 n 个之后驻留的字符串
//
// 调用方保证这些句柄已不再被引用，编译代码中的常量句柄必须在 n 之前。
func (h *Heap) Truncate(n int) {
	if n < 1 || n >= len(h.strs) {
		return
	}
	for _, s := range h.strs[n:] {
		delete(h.index, s)
	}
	for i := n; i < len(h.strs); i++ {
		h.strs[i] = ""
	}
	h.strs = h.strs[:n]
}

// Reset 清空
func (h *Heap) Reset() {
	h.strs = append(h.strs[:0], "")
	h.index = map[string]Handle{"": 0}
}

// ============================================================================
// 辅助函数表
// ============================================================================

// HelperID 辅助函数编号
type HelperID uint8

const (
	HelperIMod HelperID = iota
	HelperFMod
	HelperStrConcat
	HelperStrEq
	HelperStrLen
	HelperStrToNumber
	HelperSqrt
	HelperFloor
	HelperFAbs

	numHelpers
)

// 最多 6 个参数，超出参数寄存器的部分压栈
const maxHelperArgs = 6

// CallFlags 调用属性
type CallFlags uint8

const (
	CallPure      CallFlags = 1 << iota // 无副作用，结果未使用时可删除
	CallAllocates                       // 可能在堆上分配
)

// HelperFunc 辅助函数实现
type HelperFunc func(h *Heap, args []uint64) uint64

// HelperDesc 辅助函数描述
type HelperDesc struct {
	ID      HelperID
	Name    string
	Address uint64
	Args    []platform.SizeClass
	Ret     platform.SizeClass
	Flags   CallFlags
	Fn      HelperFunc
}

// Pure 是否无副作用
func (d *HelperDesc) Pure() bool {
	return d.Flags&CallPure != 0
}

// HelperTable 辅助函数表
type HelperTable struct {
	descs  []*HelperDesc
	byName map[string]*HelperDesc
}

var builtinNames [numHelpers]string

// NewHelperTable 构建辅助函数表
func NewHelperTable() *HelperTable {
	const (
		i = platform.SizeInt
		p = platform.SizePtr
		f = platform.SizeFloat
	)
	descs := []*HelperDesc{
		{ID: HelperIMod, Name: "imod", Args: []platform.SizeClass{i, i}, Ret: i, Flags: CallPure, Fn: helperIMod},
		{ID: HelperFMod, Name: "fmod", Args: []platform.SizeClass{f, f}, Ret: f, Flags: CallPure, Fn: helperFMod},
		{ID: HelperStrConcat, Name: "str_concat", Args: []platform.SizeClass{p, p}, Ret: p, Flags: CallAllocates, Fn: helperStrConcat},
		{ID: HelperStrEq, Name: "str_eq", Args: []platform.SizeClass{p, p}, Ret: i, Flags: CallPure, Fn: helperStrEq},
		{ID: HelperStrLen, Name: "str_len", Args: []platform.SizeClass{p}, Ret: i, Flags: CallPure, Fn: helperStrLen},
		{ID: HelperStrToNumber, Name: "str_to_number", Args: []platform.SizeClass{p}, Ret: f, Flags: CallPure, Fn: helperStrToNumber},
		{ID: HelperSqrt, Name: "sqrt", Args: []platform.SizeClass{f}, Ret: f, Flags: CallPure, Fn: helperSqrt},
		{ID: HelperFloor, Name: "floor", Args: []platform.SizeClass{f}, Ret: f, Flags: CallPure, Fn: helperFloor},
		{ID: HelperFAbs, Name: "fabs", Args: []platform.SizeClass{f}, Ret: f, Flags: CallPure, Fn: helperFAbs},
	}
	t := &HelperTable{descs: make([]*HelperDesc, numHelpers), byName: make(map[string]*HelperDesc)}
	for _, d := range descs {
		if len(d.Args) > maxHelperArgs {
			panic(fmt.Sprintf("jit: helper %s takes %d args", d.Name, len(d.Args)))
		}
		// 原生后端取函数入口地址，仅用于编码与转储
		d.Address = uint64(reflect.ValueOf(d.Fn).Pointer())
		t.descs[d.ID] = d
		t.byName[d.Name] = d
	}
	return t
}

func init() {
	for _, d := range NewHelperTable().descs {
		builtinNames[d.ID] = d.Name
	}
}

func helperName(id HelperID) string {
	if int(id) < len(builtinNames) && builtinNames[id] != "" {
		return builtinNames[id]
	}
	return fmt.Sprintf("helper%d", id)
}

// helperResultType 辅助函数结果在 trace 中的类型
func helperResultType(d *HelperDesc) Type {
	if d.ID == HelperStrEq {
		return TypeBool
	}
	switch d.Ret {
	case platform.SizeFloat:
		return TypeFloat
	case platform.SizePtr:
		return TypeString
	}
	return TypeInt
}

// ResultType 结果在解释器中的类型
func (d *HelperDesc) ResultType() Type {
	return helperResultType(d)
}

// Get 按编号查找
func (t *HelperTable) Get(id HelperID) *HelperDesc {
	if int(id) >= len(t.descs) || t.descs[id] == nil {
		panic(fmt.Sprintf("jit: unknown helper %d", id))
	}
	return t.descs[id]
}

// Lookup 按名字查找
func (t *HelperTable) Lookup(name string) (*HelperDesc, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// Spec 编码器使用的调用描述
func (t *HelperTable) Spec(id HelperID) *platform.CallSpec {
	d := t.Get(id)
	return &platform.CallSpec{Index: int32(d.ID), Address: d.Address, Args: d.Args, Ret: d.Ret}
}

// Invoke 直接调用辅助函数
func (t *HelperTable) Invoke(heap *Heap, id HelperID, args ...uint64) uint64 {
	return t.Get(id).Fn(heap, args)
}

// Bind 绑定字符串堆，返回虚拟机器使用的分发器
func (t *HelperTable) Bind(heap *Heap) platform.HelperCaller {
	return &helperDispatch{table: t, heap: heap}
}

type helperDispatch struct {
	table *HelperTable
	heap  *Heap
}

func (d *helperDispatch) CallHelper(index int32, args []uint64) uint64 {
	return d.table.Invoke(d.heap, HelperID(index), args...)
}

// ============================================================================
// 内置辅助函数
// ============================================================================

func f64(v uint64) float64 { return math.Float64frombits(v) }
func u64(f float64) uint64 { return math.Float64bits(f) }

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// helperIMod int32 取模，除数为 0 由调用方守卫
func helperIMod(_ *Heap, args []uint64) uint64 {
	a, b := int32(args[0]), int32(args[1])
	return uint64(int64(a % b))
}

func helperFMod(_ *Heap, args []uint64) uint64 {
	return u64(math.Mod(f64(args[0]), f64(args[1])))
}

func helperStrConcat(h *Heap, args []uint64) uint64 {
	s := h.Lookup(Handle(args[0])) + h.Lookup(Handle(args[1]))
	return uint64(h.Intern(s))
}

func helperStrEq(h *Heap, args []uint64) uint64 {
	return boolBits(h.Lookup(Handle(args[0])) == h.Lookup(Handle(args[1])))
}

func helperStrLen(h *Heap, args []uint64) uint64 {
	return uint64(int64(int32(len(h.Lookup(Handle(args[0]))))))
}

func helperStrToNumber(h *Heap, args []uint64) uint64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(h.Lookup(Handle(args[0]))), 64)
	if err != nil {
		return u64(math.NaN())
	}
	return u64(v)
}

func helperSqrt(_ *Heap, args []uint64) uint64  { return u64(math.Sqrt(f64(args[0]))) }
func helperFloor(_ *Heap, args []uint64) uint64 { return u64(math.Floor(f64(args[0]))) }
func helperFAbs(_ *Heap, args []uint64) uint64  { return u64(math.Abs(f64(args[0]))) }
