// Package jit 实现一个 trace 编译器核心
//
// 解释器在循环回边处报告热度，热循环被逐条原语记录成线性 IR，
// 再由汇编器反向分配寄存器并生成机器码。记录期间的类型假设被编译成
// 守卫，守卫失败时通过侧出口回到解释器，频繁失败的出口会被扩展成
// 新的侧 trace 并补丁到父 trace 上。
package jit

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// 后端名称
const (
	BackendVirtual = "virtual"
	BackendX64     = "x64"
)

// Config JIT 配置
type Config struct {
	Enabled bool   `toml:"enabled"` // 是否启用 JIT
	Backend string `toml:"backend"` // 代码生成后端：virtual / x64

	HotLoopThreshold    int `toml:"hot_loop_threshold"`   // 循环回边计数达到该值开始记录
	HotExitThreshold    int `toml:"hot_exit_threshold"`   // 侧出口命中达到该值开始记录侧 trace
	MaxRecordAttempts   int `toml:"max_record_attempts"`  // 循环头记录失败次数上限，超过后拉黑
	MaxBranchAttempts   int `toml:"max_branch_attempts"`  // 单个侧出口记录失败次数上限
	MaxTraceLength      int `toml:"max_trace_length"`     // 单条 trace 的 IR 指令上限
	MaxGuards           int `toml:"max_guards"`           // 单个片段的守卫上限
	MaxExitJumps        int `toml:"max_exit_jumps"`       // 单个片段离开 trace 的跳转上限
	MaxCodePages        int `toml:"max_code_pages"`       // 代码页数量
	PageSize            int `toml:"page_size"`            // 代码页大小（字节）
	MaxSpillSlots       int `toml:"max_spill_slots"`      // 活动记录中的溢出槽数量
	MaxReservations     int `toml:"max_reservations"`     // 同时存活的值上限
	MaxRegisters        int `toml:"max_registers"`        // 限制可分配寄存器数量，0 为不限制
	InvalidateThreshold int `toml:"invalidate_threshold"` // 片段出口次数达到该值即被驱逐

	LogLevel string `toml:"log_level"` // off / debug / info / warn / error
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		Backend:             BackendVirtual,
		HotLoopThreshold:    2,
		HotExitThreshold:    8,
		MaxRecordAttempts:   3,
		MaxBranchAttempts:   3,
		MaxTraceLength:      2048,
		MaxGuards:           256,
		MaxExitJumps:        256,
		MaxCodePages:        64,
		PageSize:            16 << 10,
		MaxSpillSlots:       128,
		MaxReservations:     1024,
		MaxRegisters:        0,
		InvalidateThreshold: 100000,
		LogLevel:            "off",
	}
}

// LoadConfig 从 TOML 文件加载配置，缺省字段取默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data)
}

// ParseConfig 解析 TOML 配置
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendVirtual, BackendX64:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown backend %q", c.Backend)
	}
	positive := []struct {
		name string
		v    int
	}{
		{"hot_loop_threshold", c.HotLoopThreshold},
		{"hot_exit_threshold", c.HotExitThreshold},
		{"max_record_attempts", c.MaxRecordAttempts},
		{"max_branch_attempts", c.MaxBranchAttempts},
		{"max_trace_length", c.MaxTraceLength},
		{"max_guards", c.MaxGuards},
		{"max_exit_jumps", c.MaxExitJumps},
		{"max_code_pages", c.MaxCodePages},
		{"max_spill_slots", c.MaxSpillSlots},
		{"max_reservations", c.MaxReservations},
		{"invalidate_threshold", c.InvalidateThreshold},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.PageSize < 1024 || c.PageSize%64 != 0 {
		return errors.Wrapf(ErrInvalidConfig, "page_size must be a multiple of 64 and at least 1024, got %d", c.PageSize)
	}
	if c.MaxCodePages < 2 {
		return errors.Wrapf(ErrInvalidConfig, "max_code_pages must be at least 2, got %d", c.MaxCodePages)
	}
	if c.MaxRegisters < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_registers must not be negative, got %d", c.MaxRegisters)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
