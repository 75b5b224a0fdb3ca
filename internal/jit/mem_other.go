//go:build !unix && !windows

package jit

// allocRegion 没有可执行内存接口的平台上退化为普通堆内存，只能配合虚拟后端使用
func allocRegion(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
