package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Deserializer 字节码反序列化器
type Deserializer struct {
	data       []byte
	pos        int
	stringPool []string
	refs       []pendingRef
}

// pendingRef 函数常量在全部函数读完后解析
type pendingRef struct {
	chunk *Chunk
	index int
	name  string
}

// NewDeserializer 创建反序列化器
func NewDeserializer(data []byte) *Deserializer {
	return &Deserializer{data: data}
}

// Deserialize 反序列化并验证程序
func (d *Deserializer) Deserialize() (*Program, error) {
	stringPoolOffset, funcOffset, main, err := d.readHeader()
	if err != nil {
		return nil, err
	}

	d.pos = int(stringPoolOffset)
	if err := d.readStringPool(); err != nil {
		return nil, err
	}

	d.pos = int(funcOffset)
	count, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if int(count) > len(d.data) {
		return nil, &FormatError{"function table corrupted"}
	}
	p := &Program{}
	for i := uint32(0); i < count; i++ {
		fn, err := d.readFunction()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read function %d", i)
		}
		p.Functions = append(p.Functions, fn)
	}
	if int(main) >= len(p.Functions) {
		return nil, &FormatError{fmt.Sprintf("main index %d out of range", main)}
	}
	p.Main = p.Functions[main]

	for _, r := range d.refs {
		fn := p.Lookup(r.name)
		if fn == nil {
			return nil, &FormatError{fmt.Sprintf("undefined function %q", r.name)}
		}
		r.chunk.Constants[r.index] = NewFunc(fn)
	}

	if err := VerifyProgram(p); err != nil {
		return nil, errors.Wrap(err, "bytecode verification failed")
	}
	return p, nil
}

// readHeader 读取文件头
func (d *Deserializer) readHeader() (stringPoolOffset, funcOffset, main uint32, err error) {
	if err := ValidateHeader(d.data); err != nil {
		return 0, 0, 0, err
	}
	stringPoolOffset = binary.BigEndian.Uint32(d.data[8:12])
	funcOffset = binary.BigEndian.Uint32(d.data[12:16])
	main = binary.BigEndian.Uint32(d.data[16:20])
	if int(stringPoolOffset) > len(d.data) || int(funcOffset) > len(d.data) {
		return 0, 0, 0, &FormatError{"section offset out of range"}
	}
	d.pos = HeaderSize
	return stringPoolOffset, funcOffset, main, nil
}

// readStringPool 读取字符串池
func (d *Deserializer) readStringPool() error {
	count, err := d.readU32()
	if err != nil {
		return err
	}
	if int(count) > len(d.data) {
		return &FormatError{"string pool corrupted"}
	}
	d.stringPool = make([]string, count)
	for i := uint32(0); i < count; i++ {
		length, err := d.readU32()
		if err != nil {
			return err
		}
		if d.pos+int(length) > len(d.data) {
			return &FormatError{"string pool corrupted"}
		}
		d.stringPool[i] = string(d.data[d.pos : d.pos+int(length)])
		d.pos += int(length)
	}
	return nil
}

// readFunction 读取函数
func (d *Deserializer) readFunction() (*Function, error) {
	nameIdx, err := d.readU32()
	if err != nil {
		return nil, err
	}
	name, err := d.getString(nameIdx)
	if err != nil {
		return nil, err
	}
	id, err := d.readU32()
	if err != nil {
		return nil, err
	}
	arity, err := d.readU16()
	if err != nil {
		return nil, err
	}
	locals, err := d.readU16()
	if err != nil {
		return nil, err
	}
	fn := &Function{ID: id, Name: name, Arity: int(arity), Locals: int(locals), Chunk: NewChunk()}

	codeLen, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if d.pos+int(codeLen) > len(d.data) {
		return nil, &FormatError{"code section corrupted"}
	}
	fn.Chunk.Code = append([]byte(nil), d.data[d.pos:d.pos+int(codeLen)]...)
	d.pos += int(codeLen)

	lineCount, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if lineCount != codeLen {
		return nil, &FormatError{fmt.Sprintf("%d line entries for %d code bytes", lineCount, codeLen)}
	}
	fn.Chunk.Lines = make([]int, lineCount)
	for i := range fn.Chunk.Lines {
		line, err := d.readU32()
		if err != nil {
			return nil, err
		}
		fn.Chunk.Lines[i] = int(line)
	}

	constCount, err := d.readU32()
	if err != nil {
		return nil, err
	}
	if int(constCount) > len(d.data) {
		return nil, &FormatError{"constant pool corrupted"}
	}
	fn.Chunk.Constants = make([]Value, constCount)
	for i := range fn.Chunk.Constants {
		v, ref, err := d.readValue()
		if err != nil {
			return nil, err
		}
		if ref != "" {
			d.refs = append(d.refs, pendingRef{chunk: fn.Chunk, index: i, name: ref})
		}
		fn.Chunk.Constants[i] = v
	}
	return fn, nil
}

// readValue 读取值，函数常量返回函数名
func (d *Deserializer) readValue() (Value, string, error) {
	tag, err := d.readU8()
	if err != nil {
		return NullValue, "", err
	}
	switch tag {
	case ConstNull:
		return NullValue, "", nil
	case ConstBool:
		b, err := d.readU8()
		return NewBool(b != 0), "", err
	case ConstInt:
		n, err := d.readI64()
		if err == nil && (n < math.MinInt32 || n > math.MaxInt32) {
			return NullValue, "", &FormatError{fmt.Sprintf("integer constant %d out of range", n)}
		}
		return NewInt(n), "", err
	case ConstFloat:
		bits, err := d.readI64()
		return NewFloat(math.Float64frombits(uint64(bits))), "", err
	case ConstString, ConstFunc:
		idx, err := d.readU32()
		if err != nil {
			return NullValue, "", err
		}
		s, err := d.getString(idx)
		if err != nil {
			return NullValue, "", err
		}
		if tag == ConstFunc {
			return NullValue, s, nil
		}
		return NewString(s), "", nil
	}
	return NullValue, "", &FormatError{fmt.Sprintf("unknown constant tag %d", tag)}
}

// ============================================================================
// 辅助读取方法
// ============================================================================

func (d *Deserializer) readU8() (uint8, error) {
	if d.pos >= len(d.data) {
		return 0, &FormatError{"unexpected end of file"}
	}
	val := d.data[d.pos]
	d.pos++
	return val, nil
}

func (d *Deserializer) readU16() (uint16, error) {
	if d.pos+2 > len(d.data) {
		return 0, &FormatError{"unexpected end of file"}
	}
	val := binary.BigEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return val, nil
}

func (d *Deserializer) readU32() (uint32, error) {
	if d.pos+4 > len(d.data) {
		return 0, &FormatError{"unexpected end of file"}
	}
	val := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return val, nil
}

func (d *Deserializer) readI64() (int64, error) {
	if d.pos+8 > len(d.data) {
		return 0, &FormatError{"unexpected end of file"}
	}
	val := int64(binary.BigEndian.Uint64(d.data[d.pos:]))
	d.pos += 8
	return val, nil
}

func (d *Deserializer) getString(idx uint32) (string, error) {
	if int(idx) >= len(d.stringPool) {
		return "", &FormatError{fmt.Sprintf("string index %d out of range", idx)}
	}
	return d.stringPool[idx], nil
}

// ============================================================================
// 公共 API
// ============================================================================

// DeserializeFromBytes 从字节数组反序列化
func DeserializeFromBytes(data []byte) (*Program, error) {
	return NewDeserializer(data).Deserialize()
}

// ValidateHeader 只验证头部，不完整反序列化
func ValidateHeader(data []byte) error {
	if len(data) < HeaderSize {
		return &FormatError{"file too small"}
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != MagicNumber {
		return &FormatError{"invalid magic number, not a compiled program"}
	}
	if major, minor := data[4], data[5]; major != MajorVersion {
		return &FormatError{fmt.Sprintf("incompatible version: file is v%d.%d, VM is v%d.%d", major, minor, MajorVersion, MinorVersion)}
	}
	return nil
}

// LoadFile 按后缀加载汇编源码或编译产物
func LoadFile(path string) (*Program, error) {
	if !strings.HasSuffix(path, CompiledFileExtension) {
		return AssembleFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	p, err := DeserializeFromBytes(data)
	return p, errors.Wrapf(err, "failed to load %s", path)
}
