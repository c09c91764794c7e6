// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drive

import (
	"os"

	"golang.org/x/sys/unix"
)

// Open returns the passthrough transport of an NVMe controller character
// device such as /dev/nvme0.
func Open(device string) (Transport, error) {
	d, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if isNVME(d) {
		return NVMEDrive(d), nil
	}

	d.Close()
	return nil, ErrDeviceNotSupported
}

// Alloc returns size bytes of page aligned anonymous memory, usable as the
// backing buffer of a queue that is not physically contiguous. Release it
// with Free.
func Alloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func Free(b []byte) error {
	return unix.Munmap(b)
}
