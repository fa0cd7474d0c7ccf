package govm

import (
	"errors"
	"os"
	"reflect"
	"syscall"
	"unsafe"
)

var handleMap = map[uintptr]syscall.Handle{}

var (
	kernel32        = syscall.NewLazyDLL("kernel32.dll")
	procVirtualLock = kernel32.NewProc("VirtualLock")
	procVirtualUnlk = kernel32.NewProc("VirtualUnlock")
)

type windowsVM struct {
	pageSize int
}

func newSystemVM() VM {
	return &windowsVM{pageSize: os.Getpagesize()}
}

func (v *windowsVM) Allocate(size int, opts Options) (uintptr, []byte, error) {
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)

	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return 0, nil, ErrOutOfMemory
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		_ = syscall.CloseHandle(h)
		return 0, nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	handleMap[addr] = h

	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size

	if opts.Zero {
		for i := range b {
			b[i] = 0
		}
	}

	return addr, b, nil
}

func (v *windowsVM) Deallocate(addr uintptr, size int) error {
	if err := syscall.UnmapViewOfFile(addr); err != nil {
		return err
	}

	handle, ok := handleMap[addr]
	if !ok {
		return errors.New("govm: unknown base address")
	}
	delete(handleMap, addr)

	return syscall.CloseHandle(handle)
}

func (v *windowsVM) Lock(addr uintptr, size int) error {
	r, _, err := procVirtualLock.Call(addr, uintptr(size))
	if r == 0 {
		return err
	}
	return nil
}

func (v *windowsVM) Unlock(addr uintptr, size int) error {
	r, _, err := procVirtualUnlk.Call(addr, uintptr(size))
	if r == 0 {
		return err
	}
	return nil
}

func (v *windowsVM) PageSize() int { return v.pageSize }

func (v *windowsVM) MinimumHugePageSize() int { return 2 << 20 }

func (v *windowsVM) IsHugePageAvailable() bool { return false }
