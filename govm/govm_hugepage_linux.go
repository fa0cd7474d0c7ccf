// +build linux

package govm

import (
	"os"
	"syscall"
)

func (v *unixVM) mmapHuge(size, prot, flags int) ([]byte, error) {
	b, err := syscall.Mmap(-1, 0, size, prot, flags|syscall.MAP_HUGETLB)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	return b, nil
}

func (v *unixVM) MinimumHugePageSize() int { return 2 << 20 } // 2 MiB, the common x86-64 huge page size

func (v *unixVM) IsHugePageAvailable() bool {
	_, err := os.Stat("/sys/kernel/mm/hugepages")
	return err == nil
}
