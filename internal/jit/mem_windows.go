//go:build windows

// mem_windows.go - Windows 平台可执行内存分配

package jit

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// allocRegion 分配可执行内存（Windows）
func allocRegion(size int) ([]byte, func() error, error) {
	// 对齐到页面大小（4KB）
	pageSize := 4096
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)

	addr, err := windows.VirtualAlloc(
		0,
		uintptr(alignedSize),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_EXECUTE_READWRITE,
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "VirtualAlloc")
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), alignedSize)
	release := func() error {
		return errors.Wrap(windows.VirtualFree(addr, 0, windows.MEM_RELEASE), "VirtualFree")
	}
	return mem[:size], release, nil
}
