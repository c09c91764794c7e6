// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package drive

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/dswarbrick/smart/ioctl"
	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

const (
	// The kernel owns the real queues; the passthrough transport presents
	// virtual ones of these limits.
	passthruMaxQID      = 64
	passthruMaxEntries  = 1024
	passthruAdminDepth  = 32
	passthruTimeoutMsec = 0 // driver default
)

var (
	// Defined in <linux/nvme_ioctl.h>
	NVME_IOCTL_ADMIN_CMD = ioctl.Iowr('N', 0x41, unsafe.Sizeof(nvmePassthruCommand{}))
	NVME_IOCTL_IO_CMD    = ioctl.Iowr('N', 0x43, unsafe.Sizeof(nvmePassthruCommand{}))
)

// Defined in <linux/nvme_ioctl.h>
type nvmePassthruCommand struct {
	opcode       uint8
	flags        uint8
	rsvd1        uint16 //nolint:structcheck,unused
	nsid         uint32
	cdw2         uint32
	cdw3         uint32
	metadata     uint64
	addr         uint64
	metadata_len uint32
	data_len     uint32
	cdw10        uint32
	cdw11        uint32
	cdw12        uint32
	cdw13        uint32
	cdw14        uint32
	cdw15        uint32
	timeout_ms   uint32
	result       uint32
}

type FdIntf interface {
	Fd() uintptr
	Close() error
}

// nvmeDrive executes commands through the kernel NVMe driver. Commands are
// held in virtual submission queues until the doorbell is rung, then issued
// one at a time; their status is posted to the bound virtual completion
// queue. Queue creation and deletion only change the virtual queues.
type nvmeDrive struct {
	fd   FdIntf
	q    *Queues
	exec func(admin bool, s *Submission) (nvme.Status, uint32, error)

	mu     sync.Mutex
	closed bool
}

func NVMEDrive(fd FdIntf) *nvmeDrive {
	// Save the full object reference to avoid the underlying File-like object
	// to be GC'd
	d := &nvmeDrive{
		fd: fd,
		q:  NewQueues(passthruMaxQID, passthruMaxEntries, passthruAdminDepth),
	}
	d.exec = d.passthru
	return d
}

func (d *nvmeDrive) Submit(sqid uint16, s *Submission) (uint16, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	if s.Command.Fuse() != nvme.FuseNone {
		return 0, fmt.Errorf("%w: fused commands through the kernel driver", ErrNotSupported)
	}
	if s.RawPointers || len(s.BitBuckets) > 0 {
		return 0, fmt.Errorf("%w: the kernel driver builds the data pointers", ErrNotSupported)
	}
	return d.q.Enqueue(sqid, s)
}

// RingDoorbell issues every command pending on sqid in order. When the
// driver refuses one, it and every command after it complete with Abort
// Requested and the driver error is returned.
func (d *nvmeDrive) RingDoorbell(sqid uint16) error {
	if err := d.usable(); err != nil {
		return err
	}
	pending, err := d.q.Fetch(sqid)
	if err != nil {
		return err
	}
	for i, p := range pending {
		if sqid == 0 {
			if st, ok := d.q.Admin(p.Sub); ok {
				d.q.Complete(sqid, p.CID, st, 0)
				continue
			}
		}
		st, result, err := d.exec(sqid == 0, p.Sub)
		if err != nil {
			// The failed command and the ones behind it were fetched and
			// must still be answered.
			for _, r := range pending[i:] {
				d.q.Complete(sqid, r.CID, nvme.StatusAbortRequested, 0)
			}
			return fmt.Errorf("command %d of %d on queue %d: %w", i+1, len(pending), sqid, err)
		}
		d.q.Complete(sqid, p.CID, st, uint64(result))
	}
	return nil
}

func (d *nvmeDrive) Reap(cqid uint16, max int, timeout time.Duration) ([]nvme.Completion, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	return d.q.Reap(cqid, max, timeout)
}

func (d *nvmeDrive) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return d.fd.Close()
}

func (d *nvmeDrive) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// passthru issues one command. The driver reports the NVMe status as a
// positive ioctl return value and system errors as errno.
func (d *nvmeDrive) passthru(admin bool, s *Submission) (nvme.Status, uint32, error) {
	c := &s.Command
	cmd := nvmePassthruCommand{
		opcode:     c.Opcode,
		flags:      c.Flags,
		nsid:       c.NSID,
		cdw2:       c.CDW2,
		cdw3:       c.CDW3,
		cdw10:      c.CDW10,
		cdw11:      c.CDW11,
		cdw12:      c.CDW12,
		cdw13:      c.CDW13,
		cdw14:      c.CDW14,
		cdw15:      c.CDW15,
		timeout_ms: passthruTimeoutMsec,
	}
	if len(s.Data) > 0 {
		cmd.addr = uint64(uintptr(unsafe.Pointer(&s.Data[0])))
		cmd.data_len = uint32(len(s.Data))
	}
	if len(s.Metadata) > 0 {
		cmd.metadata = uint64(uintptr(unsafe.Pointer(&s.Metadata[0])))
		cmd.metadata_len = uint32(len(s.Metadata))
	}
	req := NVME_IOCTL_IO_CMD
	if admin {
		req = NVME_IOCTL_ADMIN_CMD
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, d.fd.Fd(), req, uintptr(unsafe.Pointer(&cmd)))
	runtime.KeepAlive(s)
	runtime.KeepAlive(d.fd)
	if errno != 0 {
		return 0, 0, errno
	}
	return nvme.Status(r & 0x7ff), cmd.result, nil
}

// identifyNvme reads the identify controller data structure directly; it is
// how a character device is recognized as an NVMe controller.
func identifyNvme(fd FdIntf) (*nvme.IdentifyController, error) {
	raw := make([]byte, nvme.IdentifySize)

	cmd := nvmePassthruCommand{
		opcode:   nvme.AdminIdentify,
		nsid:     0, // Namespace 0, since we are identifying the controller
		addr:     uint64(uintptr(unsafe.Pointer(&raw[0]))),
		data_len: uint32(len(raw)),
		cdw10:    nvme.CNSController,
	}

	err := ioctl.Ioctl(fd.Fd(), NVME_IOCTL_ADMIN_CMD, uintptr(unsafe.Pointer(&cmd)))
	runtime.KeepAlive(fd)
	if err != nil {
		return nil, err
	}
	return nvme.ParseIdentifyController(raw)
}

func isNVME(f FdIntf) bool {
	i, err := identifyNvme(f)
	return err == nil && i != nil
}
