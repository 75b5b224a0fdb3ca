// monitor.go - 解释器使用的 JIT 接口
//
// Monitor 把热度统计、记录、汇编、执行和出口处理串在一起。
// 它是单线程同步的：所有方法都由解释器线程调用，同一时刻最多只有一个记录会话。

package jit

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/tracejit/internal/jit/platform"
)

// Monitor JIT 监视器
type Monitor struct {
	cfg     *Config
	log     *zap.Logger
	enc     platform.Encoder
	alloc   *CodeAlloc
	cache   *FragmentCache
	rec     *Recorder
	asm     *Assembler
	helpers *HelperTable
	heap    *Heap
	machine *platform.Machine
	stats   Stats
	closed  bool

	// 代码区放不下而失败的次数，按循环头统计，清空缓存后保留
	spaceFailures map[FragmentKey]int
}

// Option 监视器选项
type Option func(*Monitor)

// WithLogger 使用指定的日志
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithHeap 与解释器共享字符串堆
func WithHeap(h *Heap) Option {
	return func(m *Monitor) { m.heap = h }
}

// NewMonitor 按配置创建监视器
func NewMonitor(cfg *Config, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{cfg: cfg, spaceFailures: make(map[FragmentKey]int)}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		log, err := newLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		m.log = log
	}
	if m.heap == nil {
		m.heap = NewHeap()
	}

	native := cfg.Backend == BackendX64
	if native {
		m.enc = platform.NewX64()
	} else {
		m.enc = platform.NewVirtual()
	}
	alloc, err := NewCodeAlloc(cfg.MaxCodePages, cfg.PageSize, native)
	if err != nil {
		return nil, err
	}
	alloc.InstallBailout(m.enc)

	m.alloc = alloc
	m.helpers = NewHelperTable()
	m.cache = NewFragmentCache(alloc, m.enc)
	m.rec = NewRecorder(m.helpers, cfg.MaxTraceLength)
	m.asm = NewAssembler(cfg, m.enc, alloc, m.cache, m.helpers)
	if !native {
		m.machine = platform.NewMachine(alloc.Bytes(), m.helpers.Bind(m.heap))
	}
	m.log.Debug("monitor created",
		zap.String("backend", cfg.Backend),
		zap.Int("code_pages", cfg.MaxCodePages),
		zap.Int("page_size", cfg.PageSize))
	return m, nil
}

// ============================================================================
// 全局实例
// ============================================================================

var (
	globalMu      sync.Mutex
	globalMonitor *Monitor
)

// Global 进程级监视器，第一次使用时以默认配置创建
func Global() *Monitor {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMonitor == nil {
		m, err := NewMonitor(DefaultConfig())
		if err != nil {
			panic(fmt.Sprintf("jit: cannot create global monitor: %v", err))
		}
		globalMonitor = m
	}
	return globalMonitor
}

// Shutdown 关闭进程级监视器，之后 Global 会重新创建
func Shutdown() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMonitor == nil {
		return nil
	}
	err := globalMonitor.Close()
	globalMonitor = nil
	return err
}

// ============================================================================
// 访问器
// ============================================================================

// Config 当前配置
func (m *Monitor) Config() *Config { return m.cfg }

// Heap 字符串堆
func (m *Monitor) Heap() *Heap { return m.heap }

// Helpers 辅助函数表
func (m *Monitor) Helpers() *HelperTable { return m.helpers }

// Cache 片段缓存
func (m *Monitor) Cache() *FragmentCache { return m.cache }

// Logger 日志
func (m *Monitor) Logger() *zap.Logger { return m.log }

// Executable 当前后端能否执行生成的代码
func (m *Monitor) Executable() bool { return m.machine != nil }

// Machine 虚拟后端的执行器
func (m *Monitor) Machine() *platform.Machine { return m.machine }

// ============================================================================
// 循环头
// ============================================================================

// EnterFragment 查找可执行的、入口类型映射与 tm 相同的片段
func (m *Monitor) EnterFragment(key FragmentKey, tm TypeMap) *Fragment {
	if m.closed || !m.cfg.Enabled || m.machine == nil {
		return nil
	}
	f := m.cache.FindPeer(m.cache.Lookup(key), tm)
	if f == nil || !f.Executable() {
		return nil
	}
	return f
}

// MaybeStartRecording 统计循环头热度，达到阈值时开始记录
func (m *Monitor) MaybeStartRecording(key FragmentKey, tm TypeMap) bool {
	m.stats.LoopEdges.Inc()
	if m.closed || !m.cfg.Enabled || m.rec.State() != RecorderIdle {
		return false
	}
	if m.spaceFailures[key] >= m.cfg.MaxRecordAttempts {
		return false
	}
	root, _ := m.cache.GetOrCreate(key)
	f := m.cache.FindPeer(root, tm)
	if f == nil {
		if root.EntryTypes == nil {
			root.EntryTypes = tm.Clone()
			f = root
		} else {
			f = m.cache.AddPeer(root, tm)
		}
	}
	switch f.State {
	case StateCounting, StateFailed:
	default:
		return false
	}
	f.Hits++
	if f.Hits < m.cfg.HotLoopThreshold {
		return false
	}
	if err := m.rec.Start(f, tm, nil); err != nil {
		m.log.Warn("cannot start recording", zap.Error(err))
		return false
	}
	f.State = StateRecording
	m.stats.RecordingsStart.Inc()
	m.log.Debug("recording started",
		zap.Uint32("fragment", uint32(f.ID)),
		keyField(key),
		zap.Stringer("kind", f.Kind),
		zap.Stringer("types", tm))
	return true
}

// ============================================================================
// 记录
// ============================================================================

// Recording 是否正在记录
func (m *Monitor) Recording() bool {
	return m.rec.State() == RecorderRecording
}

// RecordingKey 正在记录的循环头
func (m *Monitor) RecordingKey() (FragmentKey, bool) {
	if f := m.rec.Fragment(); f != nil && m.Recording() {
		return f.Key, true
	}
	return FragmentKey{}, false
}

// RecordingAnchor 正在记录的侧 trace 所挂的守卫
func (m *Monitor) RecordingAnchor() *GuardRecord {
	return m.rec.Anchor()
}

// RecordPrimitive 把解释器刚执行的原语交给记录器
func (m *Monitor) RecordPrimitive(p Primitive) error {
	f, anchor := m.rec.Fragment(), m.rec.Anchor()
	err := m.rec.Record(p)
	var ae *AbortError
	if errors.As(err, &ae) {
		m.recordingFailed(f, anchor, ae)
	}
	return err
}

// EndRecording 在循环回边处闭合 trace，汇编并安装
func (m *Monitor) EndRecording(end TypeMap) error {
	if !m.Recording() {
		return ErrNotRecording
	}
	f, anchor := m.rec.Fragment(), m.rec.Anchor()

	var target *Fragment
	if f.Kind == FragmentBranch {
		if t := m.cache.FindPeer(f.Root, end); t != nil && t.Executable() {
			target = t
		}
	}
	buf, err := m.rec.Close(end, target)
	if err != nil {
		var ae *AbortError
		if errors.As(err, &ae) {
			m.recordingFailed(f, anchor, ae)
		}
		return err
	}
	f.IR = buf
	f.TreeTarget = target

	asm, err := m.asm.Assemble(f)
	if err != nil {
		m.stats.AssemblyFailures.Inc()
		m.log.Warn("assembly failed",
			zap.Uint32("fragment", uint32(f.ID)),
			keyField(f.Key),
			zap.Int("ir", buf.Len()),
			zap.Error(err))
		f.IR, f.TreeTarget = nil, nil
		m.recordingFailed(f, anchor, m.rec.Abort(abortf(AbortAssembly, f.Key.PC, "%v", err)))
		if errors.Is(err, ErrOutOfCodeSpace) {
			m.outOfSpace(f.Root.Key)
		}
		return errors.Wrapf(err, "assembling fragment %d", f.ID)
	}

	m.cache.Install(f, asm)
	m.rec.Commit()
	m.stats.RecordingsCommit.Inc()
	m.stats.CodeBytes.Add(int64(codeSize(asm.MainCode) + codeSize(asm.ExitCode)))
	switch f.Kind {
	case FragmentRoot:
		m.stats.RootsCompiled.Inc()
	case FragmentPeer:
		m.stats.PeersCompiled.Inc()
	case FragmentBranch:
		m.stats.BranchesCompiled.Inc()
		m.cache.Promote(anchor, f)
		m.stats.Promotions.Inc()
		m.log.Debug("exit promoted",
			zap.Uint32("guard", uint32(anchor.ID)),
			zap.Uint32("from", uint32(anchor.From)),
			zap.Uint32("to", uint32(f.ID)))
	}
	m.log.Debug("recording committed",
		zap.Uint32("fragment", uint32(f.ID)),
		keyField(f.Key),
		zap.Stringer("kind", f.Kind),
		zap.Int("ir", buf.Len()),
		zap.Int("guards", len(asm.Guards)),
		zap.Int("spill_slots", asm.SpillSlots))
	return nil
}

// outOfSpace 清空缓存腾出代码区
//
// 同一循环头反复放不下时不再记录，否则每次变热都会清空一次缓存。
func (m *Monitor) outOfSpace(key FragmentKey) {
	m.spaceFailures[key]++
	if n := m.spaceFailures[key]; n == m.cfg.MaxRecordAttempts {
		m.stats.Blacklisted.Inc()
		m.log.Info("loop blacklisted", keyField(key), zap.Int("out_of_space", n))
	}
	m.Flush()
}

// AbortRecording 由解释器主动放弃当前记录
func (m *Monitor) AbortRecording(reason AbortReason, pc int, detail string) {
	if !m.Recording() {
		return
	}
	f, anchor := m.rec.Fragment(), m.rec.Anchor()
	m.recordingFailed(f, anchor, m.rec.Abort(&AbortError{Reason: reason, PC: pc, Detail: detail}))
}

// recordingFailed 记录失败后的计数、拉黑与清理
func (m *Monitor) recordingFailed(f *Fragment, anchor *GuardRecord, ae *AbortError) {
	if f == nil {
		return
	}
	m.stats.abort(ae.Reason)
	m.log.Debug("recording aborted",
		zap.Uint32("fragment", uint32(f.ID)),
		keyField(f.Key),
		zap.Int("pc", ae.PC),
		zap.Stringer("reason", ae.Reason),
		zap.String("detail", ae.Detail))

	if f.Kind == FragmentBranch {
		exit := anchor.Exit
		exit.Attempts++
		exit.Hits = 0
		if exit.Attempts >= m.cfg.MaxBranchAttempts {
			exit.Blacklisted = true
			m.stats.Blacklisted.Inc()
		}
		if f.State != StateInvalidated {
			m.cache.Discard(f)
		}
		return
	}
	if f.State == StateInvalidated {
		return
	}
	f.Attempts++
	f.Hits = 0
	f.State = StateFailed
	if f.Attempts >= m.cfg.MaxRecordAttempts {
		f.State = StateBlacklisted
		m.stats.Blacklisted.Inc()
		m.log.Info("loop blacklisted", zap.Uint32("fragment", uint32(f.ID)), keyField(f.Key), zap.Int("attempts", f.Attempts))
	}
}

// ============================================================================
// 执行
// ============================================================================

// Execute 执行片段直到某个守卫失败，返回该守卫的记录
//
// 返回时 state 已按出口快照更新。
func (m *Monitor) Execute(f *Fragment, state []uint64) (*GuardRecord, error) {
	if m.machine == nil {
		return nil, ErrNotExecutable
	}
	if !f.Executable() {
		return nil, errors.Errorf("jit: %s is not executable", f)
	}
	m.stats.Executions.Inc()
	id, err := m.machine.Run(f.Entry, state)
	if err != nil {
		return nil, errors.Wrapf(err, "executing fragment %d", f.ID)
	}
	g, ok := m.cache.Guard(GuardID(id))
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGuard, "guard id %d", id)
	}
	return g, nil
}

// HandleExit 处理一次侧出口，返回是否开始了侧 trace 记录
func (m *Monitor) HandleExit(g *GuardRecord) bool {
	m.stats.exit(g.Exit.Kind)
	g.Exit.Hits++
	from := m.cache.Get(g.From)
	if from == nil {
		return false
	}
	from.Exits++
	if from.Exits >= m.cfg.InvalidateThreshold {
		m.log.Info("evicting fragment with too many exits",
			zap.Uint32("fragment", uint32(from.ID)),
			zap.Int("exits", from.Exits))
		m.Invalidate(from)
		return false
	}
	if m.closed || !m.cfg.Enabled || m.rec.State() != RecorderIdle {
		return false
	}
	if g.Exit.Blacklisted || g.Target.Kind != TargetBailout || g.Exit.Hits < m.cfg.HotExitThreshold {
		return false
	}
	child := m.cache.AttachChild(from, g)
	if err := m.rec.Start(child, child.EntryTypes, g); err != nil {
		m.cache.Discard(child)
		m.log.Warn("cannot start side trace", zap.Error(err))
		return false
	}
	child.State = StateRecording
	m.stats.RecordingsStart.Inc()
	m.log.Debug("side trace started",
		zap.Uint32("fragment", uint32(child.ID)),
		zap.Uint32("guard", uint32(g.ID)),
		zap.Stringer("exit", g.Exit.Kind),
		zap.Int("pc", g.Exit.PC))
	return true
}

// ============================================================================
// 驱逐与清空
// ============================================================================

// Invalidate 驱逐 f 及依赖它的片段
func (m *Monitor) Invalidate(f *Fragment) []*Fragment {
	if rf := m.rec.Fragment(); rf != nil && m.Recording() {
		if dependsOn(rf, f) {
			m.rec.Abort(abortf(AbortFlushed, rf.Key.PC, "fragment %d invalidated", f.ID))
			m.stats.abort(AbortFlushed)
			if rf.Kind == FragmentBranch {
				m.cache.Discard(rf)
			} else {
				rf.State = StateFailed
			}
		}
	}
	gone := m.cache.Invalidate(f)
	m.stats.Invalidations.Add(int64(len(gone)))
	m.log.Debug("fragments invalidated", zap.Uint32("fragment", uint32(f.ID)), zap.Int("count", len(gone)))
	return gone
}

func dependsOn(f, on *Fragment) bool {
	for x := f; x != nil; x = x.Parent {
		if x == on || x.Root == on {
			return true
		}
	}
	return false
}

// Flush 驱逐全部片段
func (m *Monitor) Flush() {
	if m.Recording() {
		m.rec.Abort(abortf(AbortFlushed, 0, "cache flushed"))
		m.stats.abort(AbortFlushed)
	}
	gone := m.cache.Flush()
	m.stats.Flushes.Inc()
	m.stats.Invalidations.Add(int64(len(gone)))
	m.log.Info("fragment cache flushed", zap.Int("fragments", len(gone)))
}

// Close 释放代码区
func (m *Monitor) Close() error {
	if m.closed {
		return ErrMonitorClosed
	}
	m.closed = true
	m.Flush()
	err := m.alloc.Close()
	if serr := m.log.Sync(); serr != nil && !isIgnorableSync(serr) {
		err = multierr.Append(err, errors.Wrap(serr, "failed to sync logger"))
	}
	return err
}

// isIgnorableSync stderr 等终端不支持 fsync
func isIgnorableSync(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// ============================================================================
// 统计与转储
// ============================================================================

// Stats 统计快照
func (m *Monitor) Stats() StatsSnapshot {
	snap := m.stats.Snapshot()
	snap.Backend = m.cfg.Backend
	snap.Fragments = m.cache.Len()
	snap.Guards = m.cache.Guards()
	snap.Code = m.alloc.Stats()
	return snap
}

// Counters 实时计数器
func (m *Monitor) Counters() *Stats {
	return &m.stats
}

// WriteStats 以 JSON 输出统计
func (m *Monitor) WriteStats(w io.Writer) error {
	return m.Stats().WriteJSON(w)
}

// DumpFragment 输出片段的 IR、出口与生成的代码
func (m *Monitor) DumpFragment(f *Fragment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s entry=%s loop=%s hits=%d exits=%d\n", f, f.Entry, f.LoopTop, f.Hits, f.Exits)
	if f.IR != nil {
		sb.WriteString(PrintIR(f.IR))
	}
	for _, g := range f.Guards {
		fmt.Fprintf(&sb, "  %s\n", g)
	}
	dump := func(title string, ranges []CodeRange) {
		for _, r := range ranges {
			fmt.Fprintf(&sb, "%s [%s, %s)\n", title, r.From, r.To)
			if m.machine != nil {
				sb.WriteString(platform.DisassembleVirtual(m.alloc.Bytes(), r.From, r.To))
			} else {
				sb.WriteString(platform.HexDump(m.alloc.Bytes(), r.From, r.To))
			}
		}
	}
	dump("main", f.MainCode)
	dump("exits", f.ExitCode)
	return sb.String()
}

func codeSize(ranges []CodeRange) int {
	n := 0
	for _, r := range ranges {
		n += int(r.To - r.From)
	}
	return n
}
