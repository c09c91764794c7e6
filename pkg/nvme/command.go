// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nvme contains the wire formats of NVM Express submission and
// completion queue entries as described in NVM Express Base Specification 2.0,
// section 4.2 and 4.6.
package nvme

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	CommandSize    = 64
	CompletionSize = 16

	// log2 of the queue entry sizes, used to size queue memory.
	SQEntryShift = 6
	CQEntryShift = 4
)

var (
	ErrShortEntry = errors.New("queue entry buffer too short")
)

// Fused operation, command dword 0 bits 9:8.
type Fuse uint8

const (
	FuseNone   Fuse = 0
	FuseFirst  Fuse = 1
	FuseSecond Fuse = 2
)

// PRP or SGL for Data Transfer, command dword 0 bits 15:14.
type PSDT uint8

const (
	PSDTPRP        PSDT = 0
	PSDTSGLBuffer  PSDT = 1
	PSDTSGLSegment PSDT = 2
)

// Command is a submission queue entry. All fields are host order; the wire
// encoding is produced by MarshalBinary.
type Command struct {
	Opcode uint8
	Flags  uint8 // FUSE bits 1:0, PSDT bits 7:6
	CID    uint16
	NSID   uint32
	CDW2   uint32
	CDW3   uint32
	MPTR   uint64
	PRP1   uint64
	PRP2   uint64
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

func (c *Command) Fuse() Fuse {
	return Fuse(c.Flags & 0x3)
}

func (c *Command) SetFuse(f Fuse) {
	c.Flags = c.Flags&^0x3 | uint8(f)&0x3
}

func (c *Command) PSDT() PSDT {
	return PSDT(c.Flags >> 6)
}

func (c *Command) SetPSDT(p PSDT) {
	c.Flags = c.Flags&^0xc0 | (uint8(p)&0x3)<<6
}

// SLBA returns the starting LBA held in CDW10 and CDW11.
func (c *Command) SLBA() uint64 {
	return uint64(c.CDW11)<<32 | uint64(c.CDW10)
}

func (c *Command) SetSLBA(slba uint64) {
	c.CDW10 = uint32(slba)
	c.CDW11 = uint32(slba >> 32)
}

// NLB returns the 1-based number of logical blocks of a read/write class
// command.
func (c *Command) NLB() uint32 {
	return uint32(c.CDW12&0xffff) + 1
}

// Control returns the upper half of CDW12 of a read/write class command.
func (c *Command) Control() uint16 {
	return uint16(c.CDW12 >> 16)
}

func (c *Command) AppTag() uint16 {
	return uint16(c.CDW15)
}

func (c *Command) AppMask() uint16 {
	return uint16(c.CDW15 >> 16)
}

// MarshalBinary encodes the command as a 64 byte little-endian entry.
func (c *Command) MarshalBinary() ([]byte, error) {
	b := make([]byte, CommandSize)
	c.Put(b)
	return b, nil
}

// Put encodes the command into b, which must be at least CommandSize bytes.
func (c *Command) Put(b []byte) {
	_ = b[CommandSize-1]
	le := binary.LittleEndian
	b[0] = c.Opcode
	b[1] = c.Flags
	le.PutUint16(b[2:4], c.CID)
	le.PutUint32(b[4:8], c.NSID)
	le.PutUint32(b[8:12], c.CDW2)
	le.PutUint32(b[12:16], c.CDW3)
	le.PutUint64(b[16:24], c.MPTR)
	le.PutUint64(b[24:32], c.PRP1)
	le.PutUint64(b[32:40], c.PRP2)
	le.PutUint32(b[40:44], c.CDW10)
	le.PutUint32(b[44:48], c.CDW11)
	le.PutUint32(b[48:52], c.CDW12)
	le.PutUint32(b[52:56], c.CDW13)
	le.PutUint32(b[56:60], c.CDW14)
	le.PutUint32(b[60:64], c.CDW15)
}

// UnmarshalBinary decodes a 64 byte submission queue entry.
func (c *Command) UnmarshalBinary(b []byte) error {
	if len(b) < CommandSize {
		return fmt.Errorf("%w: %d bytes for a command", ErrShortEntry, len(b))
	}
	le := binary.LittleEndian
	*c = Command{
		Opcode: b[0],
		Flags:  b[1],
		CID:    le.Uint16(b[2:4]),
		NSID:   le.Uint32(b[4:8]),
		CDW2:   le.Uint32(b[8:12]),
		CDW3:   le.Uint32(b[12:16]),
		MPTR:   le.Uint64(b[16:24]),
		PRP1:   le.Uint64(b[24:32]),
		PRP2:   le.Uint64(b[32:40]),
		CDW10:  le.Uint32(b[40:44]),
		CDW11:  le.Uint32(b[44:48]),
		CDW12:  le.Uint32(b[48:52]),
		CDW13:  le.Uint32(b[52:56]),
		CDW14:  le.Uint32(b[56:60]),
		CDW15:  le.Uint32(b[60:64]),
	}
	return nil
}

func (c *Command) String() string {
	return fmt.Sprintf("opc=%#02x flags=%#02x cid=%d nsid=%d cdw10=%#08x cdw11=%#08x cdw12=%#08x",
		c.Opcode, c.Flags, c.CID, c.NSID, c.CDW10, c.CDW11, c.CDW12)
}
