// asm.go - 字节码文本汇编器
//
// 源码格式：
//
//	.func name locals [arity]   开始一个函数
//	label:                      标签，可与指令同行
//	op [operand]                每行一条指令
//	; ...                       注释
//
// 常量直接写在 const 后面：整数、浮点数、带引号的字符串、null/true/false，
// 或 @name 表示函数。跳转指令的操作数是标签，builtin 的操作数是内置函数名。

package bytecode

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SyntaxError 汇编错误
type SyntaxError struct {
	File string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type fixup struct {
	pos   int // 操作码位置
	label string
	line  int
}

type funcRef struct {
	fn    *Function
	index uint16
	name  string
	line  int
}

type assembler struct {
	file   string
	prog   *Program
	fn     *Function
	labels map[string]int
	fixups []fixup
	refs   []funcRef
}

func (a *assembler) errorf(line int, format string, args ...interface{}) error {
	return &SyntaxError{File: a.file, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// Assemble 汇编源码并验证
func Assemble(src string) (*Program, error) {
	return assemble("", src)
}

// AssembleFile 读取并汇编文件
func AssembleFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return assemble(path, string(data))
}

func assemble(file, src string) (*Program, error) {
	a := &assembler{file: file, prog: &Program{}}
	for i, raw := range strings.Split(src, "\n") {
		line := i + 1
		text := strings.TrimSpace(stripComment(raw))
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ".") {
			if err := a.directive(line, text); err != nil {
				return nil, err
			}
			continue
		}
		if a.fn == nil {
			return nil, a.errorf(line, "instruction outside of a function")
		}
		if label, rest, ok := splitLabel(text); ok {
			if _, dup := a.labels[label]; dup {
				return nil, a.errorf(line, "duplicate label %q", label)
			}
			a.labels[label] = a.fn.Chunk.Len()
			text = rest
			if text == "" {
				continue
			}
		}
		if err := a.instruction(line, text); err != nil {
			return nil, err
		}
	}
	if err := a.finishFunction(); err != nil {
		return nil, err
	}
	if len(a.prog.Functions) == 0 {
		return nil, a.errorf(1, "no functions")
	}
	for _, r := range a.refs {
		target := a.prog.Lookup(r.name)
		if target == nil {
			return nil, a.errorf(r.line, "undefined function %q", r.name)
		}
		r.fn.Chunk.Constants[r.index] = NewFunc(target)
	}
	a.prog.Main = a.prog.Lookup("main")
	if a.prog.Main == nil {
		a.prog.Main = a.prog.Functions[0]
	}
	if err := VerifyProgram(a.prog); err != nil {
		return nil, err
	}
	return a.prog, nil
}

// stripComment 去掉引号外的 ; 注释
func stripComment(s string) string {
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case c == '\\' && inStr:
			esc = true
		case c == '"':
			inStr = !inStr
		case c == ';' && !inStr:
			return s[:i]
		}
	}
	return s
}

func splitLabel(text string) (label, rest string, ok bool) {
	i := strings.IndexByte(text, ':')
	if i <= 0 || strings.ContainsAny(text[:i], " \t\"") {
		return "", "", false
	}
	return text[:i], strings.TrimSpace(text[i+1:]), true
}

func (a *assembler) directive(line int, text string) error {
	fields := strings.Fields(text)
	if fields[0] != ".func" {
		return a.errorf(line, "unknown directive %s", fields[0])
	}
	if len(fields) < 3 || len(fields) > 4 {
		return a.errorf(line, "usage: .func name locals [arity]")
	}
	if err := a.finishFunction(); err != nil {
		return err
	}
	if a.prog.Lookup(fields[1]) != nil {
		return a.errorf(line, "duplicate function %q", fields[1])
	}
	locals, err := strconv.Atoi(fields[2])
	if err != nil || locals < 0 || locals > math.MaxUint16 {
		return a.errorf(line, "bad local count %q", fields[2])
	}
	arity := 0
	if len(fields) == 4 {
		arity, err = strconv.Atoi(fields[3])
		if err != nil || arity < 0 || arity > math.MaxUint8 {
			return a.errorf(line, "bad arity %q", fields[3])
		}
	}
	a.fn = &Function{
		ID:     uint32(len(a.prog.Functions) + 1),
		Name:   fields[1],
		Arity:  arity,
		Locals: locals,
		Chunk:  NewChunk(),
	}
	a.labels = make(map[string]int)
	a.fixups = nil
	return nil
}

// finishFunction 回填当前函数的跳转
func (a *assembler) finishFunction() error {
	if a.fn == nil {
		return nil
	}
	c := a.fn.Chunk
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return a.errorf(f.line, "undefined label %q", f.label)
		}
		op := OpCode(c.Code[f.pos])
		next := f.pos + op.Size()
		if op == OpLoop {
			back := next - target
			if target > f.pos || back > math.MaxUint16 {
				return a.errorf(f.line, "loop target %q must precede the loop instruction", f.label)
			}
			c.PutU16(f.pos+1, uint16(back))
			continue
		}
		rel := target - next
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			return a.errorf(f.line, "jump to %q out of range", f.label)
		}
		c.PutU16(f.pos+1, uint16(int16(rel)))
	}
	a.prog.Functions = append(a.prog.Functions, a.fn)
	a.fn = nil
	return nil
}

func (a *assembler) instruction(line int, text string) error {
	name, operand := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		name, operand = text[:i], strings.TrimSpace(text[i+1:])
	}
	op, ok := LookupOpCode(strings.ToLower(name))
	if !ok {
		return a.errorf(line, "unknown instruction %q", name)
	}
	kind := op.Operand()
	if kind == OperandNone {
		if operand != "" {
			return a.errorf(line, "%s takes no operand", op)
		}
	} else if operand == "" {
		return a.errorf(line, "%s needs an operand", op)
	}

	c := a.fn.Chunk
	pos := c.Len()
	c.WriteOp(op, line)
	switch kind {
	case OperandConst:
		v, ref, err := parseConstant(operand)
		if err != nil {
			return a.errorf(line, "%v", err)
		}
		var idx uint16
		if ref != "" {
			// 占位，全部函数汇编完后替换为函数值
			idx = uint16(len(c.Constants))
			c.Constants = append(c.Constants, NullValue)
			a.refs = append(a.refs, funcRef{fn: a.fn, index: idx, name: ref, line: line})
		} else {
			idx = c.AddConstant(v)
		}
		if len(c.Constants) > math.MaxUint16+1 {
			return a.errorf(line, "too many constants")
		}
		c.WriteU16(idx, line)
	case OperandSlot:
		n, err := strconv.Atoi(operand)
		if err != nil || n < 0 || n > math.MaxUint16 {
			return a.errorf(line, "bad slot %q", operand)
		}
		c.WriteU16(uint16(n), line)
	case OperandJump, OperandLoop:
		a.fixups = append(a.fixups, fixup{pos: pos, label: operand, line: line})
		c.WriteU16(0, line)
	case OperandByte:
		if op == OpBuiltin {
			b, ok := LookupBuiltin(operand)
			if !ok {
				return a.errorf(line, "unknown builtin %q", operand)
			}
			c.Write(byte(b), line)
			break
		}
		n, err := strconv.Atoi(operand)
		if err != nil || n < 0 || n > math.MaxUint8 {
			return a.errorf(line, "bad argument count %q", operand)
		}
		c.Write(byte(n), line)
	}
	return nil
}

// parseConstant 解析常量，@name 返回函数名由调用方解析
func parseConstant(s string) (Value, string, error) {
	switch s {
	case "null":
		return NullValue, "", nil
	case "true":
		return TrueValue, "", nil
	case "false":
		return FalseValue, "", nil
	}
	switch {
	case strings.HasPrefix(s, "@"):
		if len(s) == 1 {
			return NullValue, "", errors.New("missing function name after @")
		}
		return NullValue, s[1:], nil
	case strings.HasPrefix(s, `"`):
		str, err := strconv.Unquote(s)
		if err != nil {
			return NullValue, "", errors.Errorf("bad string literal %s", s)
		}
		return NewString(str), "", nil
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return NewInt(n), "", nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return NewFloat(f), "", nil
	}
	return NullValue, "", errors.Errorf("bad constant %q", s)
}
