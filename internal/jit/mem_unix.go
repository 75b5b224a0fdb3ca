//go:build unix

// mem_unix.go - Unix/Linux/macOS 平台可执行内存分配
//
// 使用 mmap/munmap 分配具有执行权限的内存

package jit

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// allocRegion 分配可执行内存（Unix）
func allocRegion(size int) ([]byte, func() error, error) {
	// 对齐到页面大小
	pageSize := unix.Getpagesize()
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(
		-1, // fd
		0,  // offset
		alignedSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mmap")
	}

	release := func() error {
		return errors.Wrap(unix.Munmap(mem), "munmap")
	}
	return mem[:size], release, nil
}
