// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim is an in-memory NVMe controller. It implements drive.Transport
// and executes admin, NVM and zoned commands against RAM backed namespaces,
// including fused operations and end-to-end protection checks, so that the
// harness can be exercised without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/drive"
	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

const (
	DefaultMaxQID       = 16
	DefaultMaxEntries   = 1024
	DefaultAdminEntries = 32
	// Maximum number of source ranges of a Copy command.
	DefaultMSRC = 127
)

type Config struct {
	Serial       string
	Model        string
	Firmware     string
	MaxQID       uint16
	MaxEntries   int
	AdminEntries int
	MSRC         uint8
	Namespaces   []NamespaceConfig
	// ReverseFused posts the completion of the second command of a fused
	// pair ahead of the first.
	ReverseFused bool
}

// Controller is a simulated NVMe controller.
type Controller struct {
	cfg Config
	q   *drive.Queues

	mu     sync.Mutex
	ns     map[uint32]*namespace
	nsids  []uint32
	drop   map[uint16]int
	fail   map[uint16][]nvme.Status
	closed bool
	ident  nvme.IdentifyController
}

// New builds a controller with the namespaces of cfg attached as NSID 1..n.
func New(cfg Config) (*Controller, error) {
	if cfg.MaxQID == 0 {
		cfg.MaxQID = DefaultMaxQID
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.AdminEntries == 0 {
		cfg.AdminEntries = DefaultAdminEntries
	}
	if cfg.MSRC == 0 {
		cfg.MSRC = DefaultMSRC
	}
	if cfg.Serial == "" {
		cfg.Serial = "SIM0001"
	}
	if cfg.Model == "" {
		cfg.Model = "go-nvme-harness simulated controller"
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "1.0"
	}
	c := &Controller{
		cfg:  cfg,
		q:    drive.NewQueues(cfg.MaxQID, cfg.MaxEntries, cfg.AdminEntries),
		ns:   map[uint32]*namespace{},
		drop: map[uint16]int{},
		fail: map[uint16][]nvme.Status{},
	}
	for i, nc := range cfg.Namespaces {
		id := uint32(i + 1)
		n, err := newNamespace(id, nc)
		if err != nil {
			return nil, fmt.Errorf("namespace %d: %v", id, err)
		}
		c.ns[id] = n
		c.nsids = append(c.nsids, id)
	}
	c.ident = nvme.IdentifyController{
		VID:          0x1b36,
		SSVID:        0x1af4,
		SerialNumber: cfg.Serial,
		ModelNumber:  cfg.Model,
		Firmware:     cfg.Firmware,
		MDTS:         0,
		CNTLID:       1,
		Version:      0x20000,
		OACS:         0x2, // Format NVM
		SQES:         0x66,
		CQES:         0x44,
		MaxCmd:       uint16(cfg.MaxEntries),
		NN:           uint32(len(cfg.Namespaces)),
		ONCS:         nvme.ONCSCompare | nvme.ONCSWriteZeroes | nvme.ONCSVerify | nvme.ONCSCopy,
		FUSES:        nvme.FUSESCompareWrite,
	}
	return c, nil
}

func (c *Controller) Submit(sqid uint16, s *drive.Submission) (uint16, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, drive.ErrClosed
	}
	return c.q.Enqueue(sqid, s)
}

// RingDoorbell makes the controller fetch and execute everything pending on
// the submission queue.
func (c *Controller) RingDoorbell(sqid uint16) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return drive.ErrClosed
	}
	pending, err := c.q.Fetch(sqid)
	if err != nil {
		return err
	}
	for i := 0; i < len(pending); i++ {
		p := pending[i]
		switch p.Sub.Command.Fuse() {
		case nvme.FuseFirst:
			if i+1 < len(pending) && pending[i+1].Sub.Command.Fuse() == nvme.FuseSecond {
				c.fused(sqid, p, pending[i+1])
				i++
				continue
			}
			c.complete(sqid, p.CID, nvme.StatusAbortedMissingFused, 0)
		case nvme.FuseSecond:
			c.complete(sqid, p.CID, nvme.StatusAbortedMissingFused, 0)
		default:
			if st, ok := c.injected(sqid); ok {
				c.complete(sqid, p.CID, st, 0)
				continue
			}
			st, res := c.execute(sqid, p.Sub)
			c.complete(sqid, p.CID, st, res)
		}
	}
	return nil
}

func (c *Controller) Reap(cqid uint16, max int, timeout time.Duration) ([]nvme.Completion, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, drive.ErrClosed
	}
	return c.q.Reap(cqid, max, timeout)
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return drive.ErrClosed
	}
	c.closed = true
	return nil
}

// DropCompletions makes the controller execute the next n commands of
// submission queue sqid without ever posting their completions.
func (c *Controller) DropCompletions(sqid uint16, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop[sqid] += n
}

// FailNext completes the next command of submission queue sqid with st
// without executing it.
func (c *Controller) FailNext(sqid uint16, st nvme.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[sqid] = append(c.fail[sqid], st)
}

// Reset deletes all I/O queues and forgets pending and unreaped commands.
// Namespace contents survive.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.drop = map[uint16]int{}
	c.fail = map[uint16][]nvme.Status{}
	c.mu.Unlock()
	c.q.Reset()
}

func (c *Controller) injected(sqid uint16) (nvme.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fail[sqid]
	if len(f) == 0 {
		return 0, false
	}
	c.fail[sqid] = f[1:]
	return f[0], true
}

func (c *Controller) complete(sqid, cid uint16, st nvme.Status, result uint64) {
	c.mu.Lock()
	if c.drop[sqid] > 0 {
		c.drop[sqid]--
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.q.Complete(sqid, cid, st, result)
}

func (c *Controller) execute(sqid uint16, s *drive.Submission) (nvme.Status, uint64) {
	if sqid == 0 {
		return c.admin(s)
	}
	return c.io(s)
}

// fused executes a compare and write pair atomically. A failed compare
// aborts the write.
func (c *Controller) fused(sqid uint16, first, second drive.Pending) {
	var st1, st2 nvme.Status
	var res2 uint64
	fc, sc := &first.Sub.Command, &second.Sub.Command
	switch {
	case sqid == 0 || fc.Opcode != nvme.CmdCompare || sc.Opcode != nvme.CmdWrite:
		st1, st2 = nvme.StatusInvalidField, nvme.StatusAbortedFailedFused
	case fc.NSID != sc.NSID || fc.SLBA() != sc.SLBA() || fc.NLB() != sc.NLB():
		st1, st2 = nvme.StatusInvalidField, nvme.StatusAbortedFailedFused
	default:
		c.mu.Lock()
		st1, _ = c.ioLocked(first.Sub)
		if st1 == nvme.StatusSuccess {
			st2, res2 = c.ioLocked(second.Sub)
		} else {
			st2 = nvme.StatusAbortedFailedFused
		}
		c.mu.Unlock()
	}
	if c.cfg.ReverseFused {
		c.complete(sqid, second.CID, st2, res2)
		c.complete(sqid, first.CID, st1, 0)
		return
	}
	c.complete(sqid, first.CID, st1, 0)
	c.complete(sqid, second.CID, st2, res2)
}

func (c *Controller) io(s *drive.Submission) (nvme.Status, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ioLocked(s)
}

func (c *Controller) ioLocked(s *drive.Submission) (nvme.Status, uint64) {
	n, ok := c.ns[s.Command.NSID]
	if !ok {
		return nvme.StatusInvalidNamespace, 0
	}
	cmd := &s.Command
	switch cmd.Opcode {
	case nvme.CmdFlush:
		return nvme.StatusSuccess, 0
	case nvme.CmdWrite:
		return n.write(s), 0
	case nvme.CmdRead:
		return n.read(s), 0
	case nvme.CmdCompare:
		return n.compare(s), 0
	case nvme.CmdVerify:
		return n.verify(s), 0
	case nvme.CmdWriteZeroes:
		return n.writeZeroes(s), 0
	case nvme.CmdCopy:
		return n.copy(s, c.cfg.MSRC), 0
	case nvme.CmdZoneAppend:
		return n.zoneAppend(s)
	case nvme.CmdZoneMgmtSend:
		return n.zoneSend(s), 0
	case nvme.CmdZoneMgmtRecv:
		return n.zoneReceive(s), 0
	}
	return nvme.StatusInvalidOpcode, 0
}

func (c *Controller) admin(s *drive.Submission) (nvme.Status, uint64) {
	if st, ok := c.q.Admin(s); ok {
		return st, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s.Command.Opcode {
	case nvme.AdminIdentify:
		return c.identify(s), 0
	case nvme.AdminFormatNVM:
		return c.format(s), 0
	}
	return nvme.StatusInvalidOpcode, 0
}

func (c *Controller) identify(s *drive.Submission) nvme.Status {
	cmd := &s.Command
	var raw []byte
	var err error
	switch cns := uint8(cmd.CDW10); cns {
	case nvme.CNSController:
		raw, err = c.ident.MarshalBinary()
	case nvme.CNSNamespace:
		n, ok := c.ns[cmd.NSID]
		if !ok {
			return nvme.StatusInvalidNamespace
		}
		raw, err = n.identify().MarshalBinary()
	case nvme.CNSNamespaceCSI:
		n, ok := c.ns[cmd.NSID]
		if !ok {
			return nvme.StatusInvalidNamespace
		}
		switch csi := uint8(cmd.CDW11 >> 24); csi {
		case nvme.CSINVM:
			raw, err = n.identify().MarshalNVM()
		case nvme.CSIZoned:
			if n.cfg.ZoneSize == 0 {
				return nvme.StatusInvalidField
			}
			raw, err = n.identifyZoned().MarshalBinary()
		default:
			return nvme.StatusInvalidField
		}
	case nvme.CNSActiveNamespaces:
		raw = make([]byte, nvme.IdentifySize)
		off := 0
		for _, id := range c.nsids {
			if id > cmd.NSID {
				raw[off], raw[off+1], raw[off+2], raw[off+3] = byte(id), byte(id>>8), byte(id>>16), byte(id>>24)
				off += 4
			}
		}
	default:
		return nvme.StatusInvalidField
	}
	if err != nil {
		return nvme.StatusInternalError
	}
	copy(s.Data, raw)
	return nvme.StatusSuccess
}

// format applies Format NVM to one namespace or, for NSID FFFFFFFFh, all of
// them.
func (c *Controller) format(s *drive.Submission) nvme.Status {
	cmd := &s.Command
	lbaf := int(cmd.CDW10&0xf) | int(cmd.CDW10>>12&0x3)<<4
	spec := formatSpec{
		index:    lbaf,
		extended: cmd.CDW10&(1<<4) != 0,
		piType:   uint8(cmd.CDW10>>5) & 0x7,
		piFirst:  cmd.CDW10&(1<<8) != 0,
	}
	targets := []*namespace{}
	if cmd.NSID == 0xffffffff {
		for _, id := range c.nsids {
			targets = append(targets, c.ns[id])
		}
	} else if n, ok := c.ns[cmd.NSID]; ok {
		targets = append(targets, n)
	} else {
		return nvme.StatusInvalidNamespace
	}
	for _, n := range targets {
		if err := n.reformat(spec); err != nil {
			if errors.Is(err, errInvalidFormat) {
				return nvme.StatusInvalidFormat
			}
			return nvme.StatusInternalError
		}
	}
	return nvme.StatusSuccess
}
