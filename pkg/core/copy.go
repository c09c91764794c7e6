// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"encoding/binary"
	"fmt"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
	"github.com/open-source-firmware/go-nvme-harness/pkg/pi"
)

// MaxCopyRanges is the largest number of source ranges the 8 bit, 0's based
// range count of a Copy command can express.
const MaxCopyRanges = 256

// CopyRange is one source range of a Copy command. The tag fields are the
// expected protection information of the first block of the range.
type CopyRange struct {
	SLBA       uint64
	NLB        int
	RefTag     uint64
	StorageTag uint64
	AppTag     uint16
	AppMask    uint16
}

// CopyResource is the source range list of a Copy command and the LBA the
// data lands at.
type CopyResource struct {
	Format uint8
	Target uint64
	Ranges []CopyRange
}

// Blocks is the total number of logical blocks the copy writes.
func (c *CopyResource) Blocks() int {
	n := 0
	for _, r := range c.Ranges {
		n += r.NLB
	}
	return n
}

func (c *CopyResource) validate() error {
	if c.Format != nvme.CopyFormat0 && c.Format != nvme.CopyFormat1 {
		return fmt.Errorf("%w: copy descriptor format %d", ErrConfig, c.Format)
	}
	if len(c.Ranges) == 0 || len(c.Ranges) > MaxCopyRanges {
		return fmt.Errorf("%w: %d copy source ranges", ErrConfig, len(c.Ranges))
	}
	for i, r := range c.Ranges {
		if r.NLB < 1 || r.NLB > 1<<16 {
			return fmt.Errorf("%w: copy source range %d of %d blocks", ErrConfig, i, r.NLB)
		}
	}
	return nil
}

// Descriptors encodes the source range entries. Protection fields are
// packed with the tag layout of p; p may be nil for a namespace without
// protection information.
func (c *CopyResource) Descriptors(p *pi.Context) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	size := nvme.CopyDescriptorSize(c.Format)
	buf := make([]byte, len(c.Ranges)*size)
	for i, r := range c.Ranges {
		d := buf[i*size : (i+1)*size]
		binary.LittleEndian.PutUint64(d[8:16], r.SLBA)
		binary.LittleEndian.PutUint16(d[16:18], uint16(r.NLB-1))

		var t pi.Tags
		if p != nil {
			t = p.PackTags(r.RefTag, r.StorageTag)
		} else {
			t.Lo = uint32(r.RefTag)
		}
		switch c.Format {
		case nvme.CopyFormat0:
			binary.LittleEndian.PutUint32(d[24:28], t.Lo)
			binary.LittleEndian.PutUint16(d[28:30], r.AppTag)
			binary.LittleEndian.PutUint16(d[30:32], r.AppMask)
		case nvme.CopyFormat1:
			binary.LittleEndian.PutUint32(d[22:26], t.Lo)
			binary.LittleEndian.PutUint32(d[26:30], t.Mid)
			binary.LittleEndian.PutUint16(d[30:32], uint16(t.Hi))
			binary.LittleEndian.PutUint16(d[32:34], r.AppTag)
			binary.LittleEndian.PutUint16(d[34:36], r.AppMask)
		}
	}
	return buf, nil
}
