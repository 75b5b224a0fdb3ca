package jit

import (
	"fmt"

	"github.com/pkg/errors"
)

// 哨兵错误
var (
	ErrInvalidConfig  = errors.New("jit: invalid config")
	ErrAborted        = errors.New("jit: recording aborted")
	ErrNotRecording   = errors.New("jit: not recording")
	ErrNotExecutable  = errors.New("jit: fragment not executable on this backend")
	ErrUnknownGuard   = errors.New("jit: unknown guard id")
	ErrMonitorClosed  = errors.New("jit: monitor closed")
	ErrOutOfCodeSpace = errors.New("jit: out of code space")
	ErrTooManyGuards  = errors.New("jit: too many guards")
	ErrTooManyExits   = errors.New("jit: too many off-trace jumps")
	ErrFrameOverflow  = errors.New("jit: activation record overflow")
	ErrTooManyLive    = errors.New("jit: reservation table full")
)

// ============================================================================
// 记录中止
// ============================================================================

// AbortReason 中止原因
type AbortReason int

const (
	AbortUnrecordable AbortReason = iota // 遇到无法记录的原语
	AbortTypeMismatch                    // 预测类型与观察到的类型不一致
	AbortTooLong                         // trace 超过长度上限
	AbortNestedLoop                      // 遇到其他循环的回边
	AbortUnstable                        // 闭合时类型不稳定
	AbortGuardFailed                     // 记录期间常量守卫即已失败
	AbortAssembly                        // 汇编失败
	AbortFlushed                         // 缓存被清空
)

var abortReasonNames = [...]string{
	AbortUnrecordable: "unrecordable",
	AbortTypeMismatch: "type mismatch",
	AbortTooLong:      "trace too long",
	AbortNestedLoop:   "nested loop",
	AbortUnstable:     "type unstable",
	AbortGuardFailed:  "guard failed while recording",
	AbortAssembly:     "assembly failed",
	AbortFlushed:      "flushed",
}

func (r AbortReason) String() string {
	if int(r) < len(abortReasonNames) {
		return abortReasonNames[r]
	}
	return fmt.Sprintf("abort(%d)", int(r))
}

// AbortError 记录中止错误
type AbortError struct {
	Reason AbortReason
	PC     int
	Detail string
}

func (e *AbortError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("jit: recording aborted at pc %d: %s: %s", e.PC, e.Reason, e.Detail)
	}
	return fmt.Sprintf("jit: recording aborted at pc %d: %s", e.PC, e.Reason)
}

// Is 支持 errors.Is(err, ErrAborted)
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

func abortf(reason AbortReason, pc int, format string, args ...interface{}) *AbortError {
	return &AbortError{Reason: reason, PC: pc, Detail: fmt.Sprintf(format, args...)}
}

// ============================================================================
// 汇编错误
// ============================================================================

// AssemblerErrorKind 汇编错误类型
type AssemblerErrorKind int

const (
	OutOfCodeSpace AssemblerErrorKind = iota
	TooManyGuards
	TooManyExitJumps
	FrameOverflow
	TooManyLive
)

var assemblerSentinels = [...]error{
	OutOfCodeSpace:   ErrOutOfCodeSpace,
	TooManyGuards:    ErrTooManyGuards,
	TooManyExitJumps: ErrTooManyExits,
	FrameOverflow:    ErrFrameOverflow,
	TooManyLive:      ErrTooManyLive,
}

// AssemblerError 汇编失败，片段被放弃
type AssemblerError struct {
	Kind   AssemblerErrorKind
	Detail string
}

func (e *AssemblerError) Error() string {
	return fmt.Sprintf("%s: %s", assemblerSentinels[e.Kind], e.Detail)
}

// Is 支持 errors.Is(err, ErrOutOfCodeSpace) 等
func (e *AssemblerError) Is(target error) bool {
	return assemblerSentinels[e.Kind] == target
}

// asmError 在汇编过程中以 panic 传播，由 Assemble 统一恢复
func asmError(kind AssemblerErrorKind, format string, args ...interface{}) {
	panic(&AssemblerError{Kind: kind, Detail: fmt.Sprintf(format, args...)})
}
