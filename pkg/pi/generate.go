// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pi

import (
	"encoding/binary"
	"fmt"
)

// Seed holds the host supplied values protection information is built from.
type Seed struct {
	// RefTag is the initial logical block reference tag. It is ignored for
	// Type 1, where the reference tag is derived from the LBA.
	RefTag     uint64
	StorageTag uint64
	AppTag     uint16
	AppMask    uint16
}

// Tuple is the decoded protection information of one logical block.
type Tuple struct {
	Guard      uint64
	AppTag     uint16
	RefTag     uint64
	StorageTag uint64
}

// Check selects the fields Verify compares.
type Check uint8

const (
	CheckGuard Check = 1 << iota
	CheckApp
	CheckRef
	CheckStorage

	CheckAll = CheckGuard | CheckApp | CheckRef | CheckStorage
)

// Field identifies the protection information field a check failed on.
type Field int

const (
	FieldGuard Field = iota
	FieldApp
	FieldRef
	FieldStorage
)

func (f Field) String() string {
	switch f {
	case FieldGuard:
		return "guard"
	case FieldApp:
		return "application tag"
	case FieldRef:
		return "reference tag"
	case FieldStorage:
		return "storage tag"
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// CheckError reports the first logical block whose protection information
// did not match.
type CheckError struct {
	Block int
	Field Field
	Want  uint64
	Got   uint64
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("end-to-end %s check failed at block %d: got %#x, want %#x",
		e.Field, e.Block, e.Got, e.Want)
}

// blocks splits data and meta into per block data and metadata views.
type blocks struct {
	c    *Context
	data []byte
	meta []byte
}

func (c *Context) blocks(data, meta []byte, nlb int) (blocks, error) {
	if !c.Enabled() {
		return blocks{}, ErrDisabled
	}
	if nlb < 0 || len(data) < nlb*c.BlockSize() {
		return blocks{}, fmt.Errorf("%w: data %d bytes for %d blocks of %d",
			ErrShortBuffer, len(data), nlb, c.BlockSize())
	}
	if !c.f.Extended && len(meta) < nlb*c.f.MetaSize {
		return blocks{}, fmt.Errorf("%w: metadata %d bytes for %d blocks of %d",
			ErrShortBuffer, len(meta), nlb, c.f.MetaSize)
	}
	return blocks{c: c, data: data, meta: meta}, nil
}

func (b blocks) at(i int) (lba, md []byte) {
	c := b.c
	bs := c.BlockSize()
	lba = b.data[i*bs : i*bs+c.f.LBADataSize]
	if c.f.Extended {
		md = b.data[i*bs+c.f.LBADataSize : (i+1)*bs]
	} else {
		md = b.meta[i*c.f.MetaSize : (i+1)*c.f.MetaSize]
	}
	return lba, md
}

// guardOf computes the guard over the block data and, when protection
// information is last, the metadata bytes preceding it.
func (c *Context) guardOf(lba, md []byte) uint64 {
	g := c.guard.Update(c.guard.Init(), lba)
	if !c.f.First {
		g = c.guard.Update(g, md[:c.piOffset()])
	}
	return c.guard.Final(g)
}

// refTag returns the expected reference tag of block i.
func (c *Context) refTag(slba uint64, i int, s Seed) uint64 {
	if c.f.Type == Type1 {
		return (slba + uint64(i)) & c.RefTagMask()
	}
	return (s.RefTag + uint64(i)) & c.RefTagMask()
}

// Encode writes t into the protection information tuple b.
func (c *Context) Encode(b []byte, t Tuple) {
	gs := c.guard.Size()
	switch gs {
	case 2:
		binary.BigEndian.PutUint16(b[0:2], uint16(t.Guard))
	case 4:
		binary.BigEndian.PutUint32(b[0:4], uint32(t.Guard))
	case 8:
		binary.BigEndian.PutUint64(b[0:8], t.Guard)
	}
	binary.BigEndian.PutUint16(b[gs:gs+2], t.AppTag)
	c.putSpace(b[gs+2:gs+2+c.spaceSize()], c.PackTags(t.RefTag, t.StorageTag))
}

// Decode parses the protection information tuple b.
func (c *Context) Decode(b []byte) Tuple {
	var t Tuple
	gs := c.guard.Size()
	switch gs {
	case 2:
		t.Guard = uint64(binary.BigEndian.Uint16(b[0:2]))
	case 4:
		t.Guard = uint64(binary.BigEndian.Uint32(b[0:4]))
	case 8:
		t.Guard = binary.BigEndian.Uint64(b[0:8])
	}
	t.AppTag = binary.BigEndian.Uint16(b[gs : gs+2])
	t.RefTag, t.StorageTag = c.UnpackTags(c.space(b[gs+2 : gs+2+c.spaceSize()]))
	return t
}

// Tuple returns the view of the protection information inside a block's
// metadata.
func (c *Context) Tuple(md []byte) []byte {
	off := c.piOffset()
	return md[off : off+c.piSize]
}

// Generate fills in protection information for nlb logical blocks starting
// at slba. For extended formats meta is ignored and the metadata is taken
// from data.
func (c *Context) Generate(data, meta []byte, slba uint64, nlb int, s Seed) error {
	bl, err := c.blocks(data, meta, nlb)
	if err != nil {
		return err
	}
	for i := 0; i < nlb; i++ {
		lba, md := bl.at(i)
		c.Encode(c.Tuple(md), Tuple{
			Guard:      c.guardOf(lba, md),
			AppTag:     s.AppTag & s.AppMask,
			RefTag:     c.refTag(slba, i, s),
			StorageTag: s.StorageTag,
		})
	}
	return nil
}

// escaped reports whether checking is disabled for a block, which happens
// for an application tag of FFFFh and, for Type 3, additionally a reference
// tag of all ones.
func (c *Context) escaped(t Tuple) bool {
	if t.AppTag != 0xffff {
		return false
	}
	if c.f.Type == Type3 {
		return t.RefTag == c.RefTagMask()
	}
	return true
}

// Verify checks the protection information of nlb logical blocks against the
// values Generate would have produced for the same seed. It returns a
// *CheckError for the first mismatch.
func (c *Context) Verify(data, meta []byte, slba uint64, nlb int, s Seed, chk Check) error {
	bl, err := c.blocks(data, meta, nlb)
	if err != nil {
		return err
	}
	for i := 0; i < nlb; i++ {
		lba, md := bl.at(i)
		got := c.Decode(c.Tuple(md))
		if c.escaped(got) {
			continue
		}
		if chk&CheckGuard != 0 {
			if want := c.guardOf(lba, md); got.Guard != want {
				return &CheckError{Block: i, Field: FieldGuard, Want: want, Got: got.Guard}
			}
		}
		if chk&CheckApp != 0 && got.AppTag&s.AppMask != s.AppTag&s.AppMask {
			return &CheckError{Block: i, Field: FieldApp,
				Want: uint64(s.AppTag & s.AppMask), Got: uint64(got.AppTag & s.AppMask)}
		}
		if chk&CheckStorage != 0 && c.f.STS > 0 {
			if want := s.StorageTag & c.StorageTagMask(); got.StorageTag != want {
				return &CheckError{Block: i, Field: FieldStorage, Want: want, Got: got.StorageTag}
			}
		}
		if chk&CheckRef != 0 && c.rts > 0 && c.f.Type != Type3 {
			if want := c.refTag(slba, i, s); got.RefTag != want {
				return &CheckError{Block: i, Field: FieldRef, Want: want, Got: got.RefTag}
			}
		}
	}
	return nil
}
