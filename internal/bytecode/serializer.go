package bytecode

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Serializer 字节码序列化器
type Serializer struct {
	buf         *bytes.Buffer
	stringPool  []string
	stringIndex map[string]uint32
}

// NewSerializer 创建序列化器
func NewSerializer() *Serializer {
	return &Serializer{
		buf:         new(bytes.Buffer),
		stringIndex: make(map[string]uint32),
	}
}

// Serialize 序列化程序
func (s *Serializer) Serialize(p *Program) ([]byte, error) {
	if p.Main == nil {
		return nil, &FormatError{"program has no main function"}
	}
	main := -1
	for i, fn := range p.Functions {
		if fn == p.Main {
			main = i
		}
	}
	if main < 0 {
		return nil, &FormatError{"main function is not part of the program"}
	}

	// 函数部分先写入临时缓冲区，同时收集字符串
	funcBuf := new(bytes.Buffer)
	binary.Write(funcBuf, binary.BigEndian, uint32(len(p.Functions)))
	for _, fn := range p.Functions {
		if err := s.writeFunctionTo(funcBuf, fn); err != nil {
			return nil, err
		}
	}
	stringPoolBuf := s.serializeStringPool()

	stringPoolOffset := uint32(HeaderSize)
	funcOffset := stringPoolOffset + uint32(len(stringPoolBuf))

	s.buf.Reset()
	s.writeHeader(stringPoolOffset, funcOffset, uint32(main))
	s.buf.Write(stringPoolBuf)
	s.buf.Write(funcBuf.Bytes())
	return s.buf.Bytes(), nil
}

// writeHeader 写入文件头
func (s *Serializer) writeHeader(stringPoolOffset, funcOffset, main uint32) {
	binary.Write(s.buf, binary.BigEndian, MagicNumber)
	s.buf.WriteByte(MajorVersion)
	s.buf.WriteByte(MinorVersion)
	binary.Write(s.buf, binary.BigEndian, uint16(0)) // flags, reserved
	binary.Write(s.buf, binary.BigEndian, stringPoolOffset)
	binary.Write(s.buf, binary.BigEndian, funcOffset)
	binary.Write(s.buf, binary.BigEndian, main)
}

// addString 添加字符串到池，返回索引
func (s *Serializer) addString(str string) uint32 {
	if idx, ok := s.stringIndex[str]; ok {
		return idx
	}
	idx := uint32(len(s.stringPool))
	s.stringPool = append(s.stringPool, str)
	s.stringIndex[str] = idx
	return idx
}

func (s *Serializer) serializeStringPool() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(s.stringPool)))
	for _, str := range s.stringPool {
		binary.Write(buf, binary.BigEndian, uint32(len(str)))
		buf.WriteString(str)
	}
	return buf.Bytes()
}

// writeFunctionTo 写入函数到缓冲区
func (s *Serializer) writeFunctionTo(buf *bytes.Buffer, fn *Function) error {
	if fn.Locals > math.MaxUint16 || fn.Arity > math.MaxUint16 {
		return &FormatError{"function " + fn.Name + " has too many locals"}
	}
	binary.Write(buf, binary.BigEndian, s.addString(fn.Name))
	binary.Write(buf, binary.BigEndian, fn.ID)
	binary.Write(buf, binary.BigEndian, uint16(fn.Arity))
	binary.Write(buf, binary.BigEndian, uint16(fn.Locals))

	c := fn.Chunk
	binary.Write(buf, binary.BigEndian, uint32(len(c.Code)))
	buf.Write(c.Code)
	binary.Write(buf, binary.BigEndian, uint32(len(c.Lines)))
	for _, line := range c.Lines {
		binary.Write(buf, binary.BigEndian, uint32(line))
	}
	binary.Write(buf, binary.BigEndian, uint32(len(c.Constants)))
	for _, val := range c.Constants {
		if err := s.writeValue(buf, val); err != nil {
			return err
		}
	}
	return nil
}

// writeValue 写入值
func (s *Serializer) writeValue(buf *bytes.Buffer, val Value) error {
	switch val.Type {
	case ValNull:
		buf.WriteByte(ConstNull)
	case ValBool:
		buf.WriteByte(ConstBool)
		if val.AsBool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case ValInt:
		buf.WriteByte(ConstInt)
		binary.Write(buf, binary.BigEndian, val.AsInt())
	case ValFloat:
		buf.WriteByte(ConstFloat)
		binary.Write(buf, binary.BigEndian, math.Float64bits(val.AsFloat()))
	case ValString:
		buf.WriteByte(ConstString)
		binary.Write(buf, binary.BigEndian, s.addString(val.AsString()))
	case ValFunc:
		fn := val.AsFunc()
		if fn == nil {
			return &FormatError{"nil function constant"}
		}
		buf.WriteByte(ConstFunc)
		binary.Write(buf, binary.BigEndian, s.addString(fn.Name))
	default:
		return &FormatError{"unsupported constant type " + val.Type.String()}
	}
	return nil
}

// SerializeToBytes 将程序序列化为字节数组
func SerializeToBytes(p *Program) ([]byte, error) {
	return NewSerializer().Serialize(p)
}

// WriteFile 序列化程序并写入文件
func WriteFile(path string, p *Program) error {
	data, err := SerializeToBytes(p)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "failed to write %s", path)
}
