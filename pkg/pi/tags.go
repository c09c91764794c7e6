// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pi

import "encoding/binary"

// Tags is the combined storage and reference tag space split into dwords.
// Bit 0 of Lo is bit 0 of the reference tag; the storage tag sits directly
// above the RTS reference tag bits. In a command the three dwords are carried
// in CDW14 (Lo), CDW3 (Mid) and CDW2 (Hi).
type Tags struct {
	Lo, Mid, Hi uint32
}

// tagSplit selects where the boundary between reference and storage tag
// falls relative to the dword boundaries.
type tagSplit int

const (
	splitBelow32   tagSplit = iota // rts < 32: storage tag starts inside Lo
	splitAt32                      // rts == 32: storage tag starts at Mid
	splitBelow64                   // 32 < rts < 64: storage tag starts inside Mid
	splitAt64                      // rts == 64: storage tag starts at Hi
)

func splitFor(rts uint) tagSplit {
	switch {
	case rts < 32:
		return splitBelow32
	case rts == 32:
		return splitAt32
	case rts < 64:
		return splitBelow64
	}
	return splitAt64
}

// PackTags places ref and stag into the tag space. Both values are truncated
// to their field sizes.
func (c *Context) PackTags(ref, stag uint64) Tags {
	ref &= c.RefTagMask()
	stag &= c.StorageTagMask()
	rts := c.rts

	var t Tags
	switch c.split {
	case splitBelow32:
		t.Lo = uint32(ref) | uint32(stag<<rts)
		t.Mid = uint32(stag >> (32 - rts))
		t.Hi = uint32(stag >> (64 - rts))
	case splitAt32:
		t.Lo = uint32(ref)
		t.Mid = uint32(stag)
		t.Hi = uint32(stag >> 32)
	case splitBelow64:
		t.Lo = uint32(ref)
		t.Mid = uint32(ref>>32) | uint32(stag<<(rts-32))
		t.Hi = uint32(stag >> (64 - rts))
	case splitAt64:
		t.Lo = uint32(ref)
		t.Mid = uint32(ref >> 32)
		t.Hi = uint32(stag)
	}
	return c.clip(t)
}

// UnpackTags is the inverse of PackTags.
func (c *Context) UnpackTags(t Tags) (ref, stag uint64) {
	t = c.clip(t)
	lo, mid, hi := uint64(t.Lo), uint64(t.Mid), uint64(t.Hi)
	rts := c.rts

	switch c.split {
	case splitBelow32:
		ref = lo & mask64(rts)
		stag = lo>>rts | mid<<(32-rts) | hi<<(64-rts)
	case splitAt32:
		ref = lo
		stag = mid | hi<<32
	case splitBelow64:
		ref = lo | (mid&mask64(rts-32))<<32
		stag = mid>>(rts-32) | hi<<(64-rts)
	case splitAt64:
		ref = lo | mid<<32
		stag = hi
	}
	return ref & c.RefTagMask(), stag & c.StorageTagMask()
}

// clip drops the bits that do not exist in the tag space of the guard format.
func (c *Context) clip(t Tags) Tags {
	switch c.spaceBits {
	case 32:
		t.Mid, t.Hi = 0, 0
	case 48:
		t.Mid &= 0xffff
		t.Hi = 0
	case 80:
		t.Hi &= 0xffff
	}
	return t
}

// CommandDwords returns the tag space as CDW2, CDW3 and CDW14.
func (t Tags) CommandDwords() (cdw2, cdw3, cdw14 uint32) {
	return t.Hi, t.Mid, t.Lo
}

// TagsFromCommand assembles the tag space from CDW2, CDW3 and CDW14.
func TagsFromCommand(cdw2, cdw3, cdw14 uint32) Tags {
	return Tags{Lo: cdw14, Mid: cdw3, Hi: cdw2}
}

// spaceSize is the size in bytes of the tag space inside the tuple.
func (c *Context) spaceSize() int {
	return int(c.spaceBits / 8)
}

// putSpace writes the tag space big-endian into b.
func (c *Context) putSpace(b []byte, t Tags) {
	switch c.spaceBits {
	case 32:
		binary.BigEndian.PutUint32(b[0:4], t.Lo)
	case 48:
		binary.BigEndian.PutUint16(b[0:2], uint16(t.Mid))
		binary.BigEndian.PutUint32(b[2:6], t.Lo)
	case 80:
		binary.BigEndian.PutUint16(b[0:2], uint16(t.Hi))
		binary.BigEndian.PutUint32(b[2:6], t.Mid)
		binary.BigEndian.PutUint32(b[6:10], t.Lo)
	}
}

func (c *Context) space(b []byte) Tags {
	var t Tags
	switch c.spaceBits {
	case 32:
		t.Lo = binary.BigEndian.Uint32(b[0:4])
	case 48:
		t.Mid = uint32(binary.BigEndian.Uint16(b[0:2]))
		t.Lo = binary.BigEndian.Uint32(b[2:6])
	case 80:
		t.Hi = uint32(binary.BigEndian.Uint16(b[0:2]))
		t.Mid = binary.BigEndian.Uint32(b[2:6])
		t.Lo = binary.BigEndian.Uint32(b[6:10])
	}
	return t
}

// CommandTags packs ref and stag for a command and returns them as CDW2,
// CDW3 and CDW14.
func (c *Context) CommandTags(ref, stag uint64) (cdw2, cdw3, cdw14 uint32) {
	return c.PackTags(ref, stag).CommandDwords()
}

// CheckBits narrows chk to the checks the format can perform. Nothing is
// checked without protection information, the reference tag only when it
// has bits and the storage tag only when it has bits.
func (c *Context) CheckBits(chk Check) Check {
	if !c.Enabled() {
		return 0
	}
	if c.rts == 0 {
		chk &^= CheckRef
	}
	if c.f.STS == 0 {
		chk &^= CheckStorage
	}
	return chk & CheckAll
}
