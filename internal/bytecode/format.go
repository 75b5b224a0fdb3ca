package bytecode

import "fmt"

// ============================================================================
// 编译产物文件格式定义
// ============================================================================

const (
	// CompiledFileExtension 编译产物文件后缀
	CompiledFileExtension = ".tjc"

	// SourceFileExtension 汇编源码文件后缀
	SourceFileExtension = ".tja"

	// MagicNumber 文件魔数 "TJIT" in ASCII
	MagicNumber uint32 = 0x544A4954

	// 版本号
	MajorVersion uint8 = 1
	MinorVersion uint8 = 0
)

// 常量池类型标记
const (
	ConstNull   uint8 = 0
	ConstBool   uint8 = 1
	ConstInt    uint8 = 2
	ConstFloat  uint8 = 3
	ConstString uint8 = 4
	ConstFunc   uint8 = 5
)

// 文件头结构大小：magic(4) version(2) flags(2) strings(4) funcs(4) main(4)
const HeaderSize = 20

// FormatError 格式错误
type FormatError struct {
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bytecode format error: %s", e.Message)
}

// GetVersion 获取当前版本号
func GetVersion() (uint8, uint8) {
	return MajorVersion, MinorVersion
}
