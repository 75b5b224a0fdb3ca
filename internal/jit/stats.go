package jit

import (
	"io"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"
)

// ============================================================================
// 统计
// ============================================================================

const numAbortReasons = int(AbortFlushed) + 1

// Stats JIT 运行统计
//
// 计数器由解释器线程更新，其他 goroutine（性能分析、CLI）可以随时读取。
type Stats struct {
	LoopEdges        atomic.Int64
	RecordingsStart  atomic.Int64
	RecordingsCommit atomic.Int64
	RecordingsAbort  atomic.Int64
	AssemblyFailures atomic.Int64
	RootsCompiled    atomic.Int64
	PeersCompiled    atomic.Int64
	BranchesCompiled atomic.Int64
	Executions       atomic.Int64
	SideExits        atomic.Int64
	Promotions       atomic.Int64
	Invalidations    atomic.Int64
	Flushes          atomic.Int64
	Blacklisted      atomic.Int64
	CodeBytes        atomic.Int64

	exitKinds    [numExitKinds]atomic.Int64
	abortReasons [numAbortReasons]atomic.Int64
}

func (s *Stats) exit(k ExitKind) {
	s.SideExits.Inc()
	if int(k) < len(s.exitKinds) {
		s.exitKinds[k].Inc()
	}
}

func (s *Stats) abort(r AbortReason) {
	s.RecordingsAbort.Inc()
	if int(r) < len(s.abortReasons) {
		s.abortReasons[r].Inc()
	}
}

// ExitsOf 某类出口的次数
func (s *Stats) ExitsOf(k ExitKind) int64 {
	return s.exitKinds[k].Load()
}

// AbortsOf 某种原因的中止次数
func (s *Stats) AbortsOf(r AbortReason) int64 {
	return s.abortReasons[r].Load()
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	Backend          string           `json:"backend"`
	LoopEdges        int64            `json:"loop_edges"`
	RecordingsStart  int64            `json:"recordings_started"`
	RecordingsCommit int64            `json:"recordings_committed"`
	RecordingsAbort  int64            `json:"recordings_aborted"`
	AssemblyFailures int64            `json:"assembly_failures"`
	RootsCompiled    int64            `json:"roots_compiled"`
	PeersCompiled    int64            `json:"peers_compiled"`
	BranchesCompiled int64            `json:"branches_compiled"`
	Executions       int64            `json:"executions"`
	SideExits        int64            `json:"side_exits"`
	Promotions       int64            `json:"promotions"`
	Invalidations    int64            `json:"invalidations"`
	Flushes          int64            `json:"flushes"`
	Blacklisted      int64            `json:"blacklisted"`
	CodeBytes        int64            `json:"code_bytes"`
	ExitsByKind      map[string]int64 `json:"exits_by_kind"`
	AbortsByReason   map[string]int64 `json:"aborts_by_reason"`
	Fragments        int              `json:"fragments"`
	Guards           int              `json:"guards"`
	Code             CodeStats        `json:"code"`
}

// Snapshot 读取当前计数
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		LoopEdges:        s.LoopEdges.Load(),
		RecordingsStart:  s.RecordingsStart.Load(),
		RecordingsCommit: s.RecordingsCommit.Load(),
		RecordingsAbort:  s.RecordingsAbort.Load(),
		AssemblyFailures: s.AssemblyFailures.Load(),
		RootsCompiled:    s.RootsCompiled.Load(),
		PeersCompiled:    s.PeersCompiled.Load(),
		BranchesCompiled: s.BranchesCompiled.Load(),
		Executions:       s.Executions.Load(),
		SideExits:        s.SideExits.Load(),
		Promotions:       s.Promotions.Load(),
		Invalidations:    s.Invalidations.Load(),
		Flushes:          s.Flushes.Load(),
		Blacklisted:      s.Blacklisted.Load(),
		CodeBytes:        s.CodeBytes.Load(),
		ExitsByKind:      make(map[string]int64),
		AbortsByReason:   make(map[string]int64),
	}
	for k := range s.exitKinds {
		if n := s.exitKinds[k].Load(); n > 0 {
			snap.ExitsByKind[ExitKind(k).String()] = n
		}
	}
	for r := range s.abortReasons {
		if n := s.abortReasons[r].Load(); n > 0 {
			snap.AbortsByReason[AbortReason(r).String()] = n
		}
	}
	return snap
}

// WriteJSON 以 JSON 输出快照
func (snap StatsSnapshot) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode stats")
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return errors.Wrap(err, "failed to write stats")
}
