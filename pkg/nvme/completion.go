// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nvme

import (
	"encoding/binary"
	"fmt"
)

// Completion is a completion queue entry.
type Completion struct {
	Result uint32 // DW0, command specific
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	// Raw status field: phase tag bit 0, status code bits 8:1, status code
	// type bits 11:9, CRD bits 13:12, More bit 14, DNR bit 15.
	StatusField uint16
}

// Status returns the status code type and status code of the entry.
func (c *Completion) Status() Status {
	return Status((c.StatusField >> 1) & 0x7ff)
}

func (c *Completion) SetStatus(s Status) {
	c.StatusField = c.StatusField&0xf001 | uint16(s&0x7ff)<<1
}

func (c *Completion) Phase() bool {
	return c.StatusField&0x1 != 0
}

func (c *Completion) More() bool {
	return c.StatusField&(1<<14) != 0
}

func (c *Completion) DNR() bool {
	return c.StatusField&(1<<15) != 0
}

func (c *Completion) SetDNR(v bool) {
	if v {
		c.StatusField |= 1 << 15
	} else {
		c.StatusField &^= 1 << 15
	}
}

// Result64 returns DW0 and DW1 as one value, as used by Zone Append to report
// the assigned LBA.
func (c *Completion) Result64() uint64 {
	return uint64(c.DW1)<<32 | uint64(c.Result)
}

func (c *Completion) MarshalBinary() ([]byte, error) {
	b := make([]byte, CompletionSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], c.Result)
	le.PutUint32(b[4:8], c.DW1)
	le.PutUint16(b[8:10], c.SQHead)
	le.PutUint16(b[10:12], c.SQID)
	le.PutUint16(b[12:14], c.CID)
	le.PutUint16(b[14:16], c.StatusField)
	return b, nil
}

func (c *Completion) UnmarshalBinary(b []byte) error {
	if len(b) < CompletionSize {
		return fmt.Errorf("%w: %d bytes for a completion", ErrShortEntry, len(b))
	}
	le := binary.LittleEndian
	*c = Completion{
		Result:      le.Uint32(b[0:4]),
		DW1:         le.Uint32(b[4:8]),
		SQHead:      le.Uint16(b[8:10]),
		SQID:        le.Uint16(b[10:12]),
		CID:         le.Uint16(b[12:14]),
		StatusField: le.Uint16(b[14:16]),
	}
	return nil
}

func (c Completion) String() string {
	return fmt.Sprintf("sqid=%d cid=%d status=%s result=%#08x", c.SQID, c.CID, c.Status(), c.Result)
}
