// +build darwin dragonfly freebsd openbsd solaris netbsd

package govm

import "errors"

func (v *unixVM) mmapHuge(size, prot, flags int) ([]byte, error) {
	return nil, errors.New("govm: huge pages not supported on this platform")
}

func (v *unixVM) MinimumHugePageSize() int { return 0 }

func (v *unixVM) IsHugePageAvailable() bool { return false }
